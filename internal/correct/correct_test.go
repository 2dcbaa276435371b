package correct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pavelanni/qbank/internal/model"
)

type fakeLLM struct {
	mu      sync.Mutex
	calls   []int // batch sizes, in call order
	systems []string
	respond func(system string, items []model.BatchItem) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	var req struct {
		Items []model.BatchItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(user), &req); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls = append(f.calls, len(req.Items))
	f.systems = append(f.systems, system)
	f.mu.Unlock()
	return f.respond(system, req.Items)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResponse(items []model.BatchItem) string {
	var results []map[string]any
	for _, it := range items {
		r := map[string]any{"id": it.ID, "status": "ok", "global_explanation": strings.Repeat("explication ", 10)}
		if it.Kind.IsMCQ() {
			r["correct_answers"] = []int{0}
		} else {
			r["fixed_answer"] = "answer " + it.ID
		}
		results = append(results, r)
	}
	b, _ := json.Marshal(map[string]any{"results": results})
	return string(b)
}

func makeItems(n int) []model.BatchItem {
	items := make([]model.BatchItem, n)
	for i := range items {
		kind := model.KindMCQ
		if i%2 == 1 {
			kind = model.KindQROC
		}
		items[i] = model.BatchItem{ID: strconv.Itoa(i), Kind: kind, QuestionText: fmt.Sprintf("Question %d", i)}
		if kind.IsMCQ() {
			items[i].Options = []string{"a", "bb", "c"}
		}
	}
	return items
}

func noBackoff() *RetryPolicy {
	p := DefaultRetryPolicy()
	p.Backoff = 0
	return &p
}

func assertTotal(t *testing.T, items []model.BatchItem, rep Report) {
	t.Helper()
	if len(rep.Results) != len(items) {
		t.Fatalf("got %d results for %d items", len(rep.Results), len(items))
	}
	for i, r := range rep.Results {
		if r.ID != items[i].ID {
			t.Errorf("result %d id = %q, want %q", i, r.ID, items[i].ID)
		}
		if r.Status != model.StatusOK {
			t.Errorf("result %d status = %q", i, r.Status)
		}
		if items[i].Kind.IsMCQ() && len(r.CorrectAnswers) == 0 {
			t.Errorf("result %d has no answers", i)
		}
		if !items[i].Kind.IsMCQ() && r.FixedAnswer == "" {
			t.Errorf("result %d has no answer", i)
		}
	}
}

func TestRunHappyPath(t *testing.T) {
	f := &fakeLLM{respond: func(_ string, items []model.BatchItem) (string, error) { return okResponse(items), nil }}
	items := makeItems(10)

	var mu sync.Mutex
	var seen []Progress
	rep := New(f, Options{BatchSize: 4, Concurrency: 2, Retry: noBackoff()}).Run(context.Background(), items, func(p Progress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	assertTotal(t, items, rep)
	if rep.TotalBatches != 3 || rep.Failed != 0 || rep.Fallbacks != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
	for _, r := range rep.Results {
		if r.Source != model.SourceBatch {
			t.Errorf("result %s source = %q", r.ID, r.Source)
		}
	}
	if f.callCount() != 3 {
		t.Errorf("expected 3 calls, got %d", f.callCount())
	}
	batchReports := 0
	for _, p := range seen {
		if p.Stage == StageBatches {
			batchReports++
		}
	}
	if batchReports != 3 || seen[len(seen)-1].Stage != StageDone {
		t.Errorf("progress = %+v", seen)
	}
}

func TestRunTotalityWhenServiceIsDown(t *testing.T) {
	f := &fakeLLM{respond: func(string, []model.BatchItem) (string, error) {
		return "", errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	}}
	for _, n := range []int{0, 1, 7, 25} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			items := makeItems(n)
			rep := New(f, Options{BatchSize: 5, Retry: noBackoff()}).Run(context.Background(), items, nil)
			assertTotal(t, items, rep)
			if rep.Fallbacks != n {
				t.Errorf("fallbacks = %d, want %d", rep.Fallbacks, n)
			}
		})
	}
}

func TestRunHalvesOnTransientErrors(t *testing.T) {
	f := &fakeLLM{respond: func(_ string, items []model.BatchItem) (string, error) {
		if len(items) > 2 {
			return "", errors.New("error, status code: 413, message: payload too large")
		}
		return okResponse(items), nil
	}}
	items := makeItems(8)
	rep := New(f, Options{BatchSize: 8, Fast: true, Retry: noBackoff()}).Run(context.Background(), items, nil)

	assertTotal(t, items, rep)
	if rep.Failed != 0 {
		t.Fatalf("halving should resolve everything, %d failed", rep.Failed)
	}
	// 8 (x2 attempts) -> 4,4 (x2 each) -> 2,2,2,2
	if got := f.callCount(); got != 2+4+4 {
		t.Errorf("calls = %d, want 10 (%v)", got, f.calls)
	}
}

func TestRunHalvingStopsAtMaxDepth(t *testing.T) {
	f := &fakeLLM{respond: func(string, []model.BatchItem) (string, error) {
		return "", errors.New("i/o timeout")
	}}
	p := noBackoff()
	p.MaxDepth = 1
	p.BatchRetries = 0
	items := makeItems(4)
	rep := New(f, Options{BatchSize: 4, Fast: true, Retry: p}).Run(context.Background(), items, nil)

	assertTotal(t, items, rep)
	// 4 -> 2,2 then one force-fix call per item.
	if got := f.callCount(); got != 3+4 {
		t.Errorf("calls = %d, want 7 (%v)", got, f.calls)
	}
	if rep.Fallbacks != 4 {
		t.Errorf("fallbacks = %d", rep.Fallbacks)
	}
}

func TestRunSalvagesProse(t *testing.T) {
	f := &fakeLLM{respond: func(_ string, items []model.BatchItem) (string, error) {
		return "Voici les corrections :\n```json\n" + okResponse(items) + "\n```\nBonne journée.", nil
	}}
	items := makeItems(3)
	rep := New(f, Options{Fast: true, Retry: noBackoff()}).Run(context.Background(), items, nil)
	assertTotal(t, items, rep)
	if rep.Failed != 0 {
		t.Errorf("salvage should resolve the batch, failed = %d", rep.Failed)
	}
}

func TestRunForceFixesMissingAndInvalidItems(t *testing.T) {
	f := &fakeLLM{respond: func(system string, items []model.BatchItem) (string, error) {
		if strings.Contains(system, `MUST be "ok"`) {
			return okResponse(items), nil
		}
		// Drop item 0, give item 2 an out-of-range answer, mark item 3 as error.
		var results []map[string]any
		for _, it := range items {
			switch it.ID {
			case "0":
				continue
			case "2":
				results = append(results, map[string]any{"id": it.ID, "status": "ok", "correct_answers": []int{9}})
			case "3":
				results = append(results, map[string]any{"id": it.ID, "status": "error", "error": "cannot answer"})
			default:
				results = append(results, map[string]any{"id": it.ID, "status": "ok", "correct_answers": []int{1}, "fixed_answer": "x"})
			}
		}
		b, _ := json.Marshal(map[string]any{"results": results})
		return string(b), nil
	}}
	items := makeItems(5)
	rep := New(f, Options{Fast: true, Retry: noBackoff()}).Run(context.Background(), items, nil)

	assertTotal(t, items, rep)
	if rep.Failed != 3 || rep.ForceFixed != 3 || rep.Fallbacks != 0 {
		t.Errorf("unexpected report: failed=%d forced=%d fallbacks=%d", rep.Failed, rep.ForceFixed, rep.Fallbacks)
	}
	for _, id := range []int{0, 2, 3} {
		if rep.Results[id].Source != model.SourceForceFix {
			t.Errorf("item %d source = %q", id, rep.Results[id].Source)
		}
	}
	if rep.Results[1].Source != model.SourceBatch {
		t.Errorf("item 1 source = %q", rep.Results[1].Source)
	}
}

func TestRunEnhancesShortExplanations(t *testing.T) {
	f := &fakeLLM{respond: func(system string, items []model.BatchItem) (string, error) {
		if strings.Contains(system, "Do not change the correct answers") {
			var results []map[string]any
			for _, it := range items {
				results = append(results, map[string]any{"id": it.ID, "status": "ok", "global_explanation": strings.Repeat("longue explication ", 10)})
			}
			b, _ := json.Marshal(map[string]any{"results": results})
			return string(b), nil
		}
		var results []map[string]any
		for _, it := range items {
			results = append(results, map[string]any{"id": it.ID, "status": "ok", "correct_answers": []int{0}, "fixed_answer": "x", "global_explanation": "court"})
		}
		b, _ := json.Marshal(map[string]any{"results": results})
		return string(b), nil
	}}
	items := makeItems(4)

	rep := New(f, Options{Retry: noBackoff()}).Run(context.Background(), items, nil)
	if rep.Enhanced != 4 {
		t.Errorf("enhanced = %d, want 4", rep.Enhanced)
	}
	if !strings.HasPrefix(rep.Results[0].GlobalExplanation, "longue") {
		t.Errorf("explanation not upgraded: %q", rep.Results[0].GlobalExplanation)
	}
	if rep.Results[0].CorrectAnswers[0] != 0 {
		t.Error("enhancement must not change answers")
	}

	before := f.callCount()
	rep = New(f, Options{Fast: true, Retry: noBackoff()}).Run(context.Background(), items, nil)
	if rep.Enhanced != 0 || f.callCount() != before+1 {
		t.Errorf("fast mode should skip enhancement: enhanced=%d calls=%d", rep.Enhanced, f.callCount()-before)
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	f := &fakeLLM{respond: func(_ string, items []model.BatchItem) (string, error) { return okResponse(items), nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := makeItems(3)
	rep := New(f, Options{Fast: true, Retry: noBackoff()}).Run(ctx, items, nil)
	if rep.Failed != 0 {
		t.Errorf("dispatch should not observe caller cancellation, failed = %d", rep.Failed)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		n      int
		factor float64
		want   []int
	}{
		{1, 0.5, nil},
		{2, 0.5, []int{1, 1}},
		{5, 0.5, []int{3, 2}},
		{8, 0.5, []int{4, 4}},
		{9, 0.25, []int{3, 3, 3}},
		{4, 0.9, []int{3, 1}},
		{6, 0, []int{3, 3}},
	}
	for _, tt := range tests {
		got := RetryPolicy{ShrinkFactor: tt.factor}.Split(tt.n)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Split(%d, %v) = %v, want %v", tt.n, tt.factor, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Post \"http://x\": context deadline exceeded (Client.Timeout exceeded while awaiting headers)"), true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("error, status code: 413, status: 413 Request Entity Too Large"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("invalid api key"), false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
