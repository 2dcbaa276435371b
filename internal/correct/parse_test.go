package correct

import (
	"errors"
	"testing"
)

func TestParseResults(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantIDs []string
		wantErr bool
	}{
		{"envelope", `{"results":[{"id":"1","status":"ok","correct_answers":[0]}]}`, []string{"1"}, false},
		{"bare array", `[{"id":"1"},{"id":"2"}]`, []string{"1", "2"}, false},
		{"single object", `{"id":"7","status":"ok","fixed_answer":"x"}`, []string{"7"}, false},
		{"numeric id", `{"results":[{"id":3,"status":"ok"}]}`, []string{"3"}, false},
		{"prose around object", "Sure! Here it is:\n{\"results\":[{\"id\":\"1\"}]}\nHope this helps.", []string{"1"}, false},
		{"prose around array", "Result: [{\"id\":\"a\"}] done", []string{"a"}, false},
		{"markdown fence", "```json\n{\"results\":[{\"id\":\"1\"}]}\n```", []string{"1"}, false},
		{"empty results", `{"results":[]}`, []string{}, false},
		{"no json", "I cannot help with that.", nil, true},
		{"truncated", `{"results":[{"id":"1","status":"o`, nil, true},
		{"object without id", `{"foo":"bar"}`, nil, true},
		{"empty", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResults(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrUnparseable) {
					t.Fatalf("expected ErrUnparseable, got %v (%v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResults: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d results, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("result %d id = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestParseResultsAnswerForms(t *testing.T) {
	got, err := ParseResults(`{"results":[{"id":"1","status":"OK","correct_answers":[0,"2","C","b"]}]}`)
	if err != nil {
		t.Fatalf("ParseResults: %v", err)
	}
	want := []int{0, 2, 2, 1}
	if len(got[0].CorrectAnswers) != len(want) {
		t.Fatalf("answers = %v", got[0].CorrectAnswers)
	}
	for i := range want {
		if got[0].CorrectAnswers[i] != want[i] {
			t.Errorf("answers = %v, want %v", got[0].CorrectAnswers, want)
		}
	}
	if got[0].Status != "ok" {
		t.Errorf("status should be lowercased, got %q", got[0].Status)
	}
}
