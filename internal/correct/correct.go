// Package correct repairs and enriches questions through a completion
// service. Every submitted item gets exactly one ok result: failures fall
// through batch retries, recursive splitting, a single-item forced fix and
// finally a local fallback.
package correct

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/qbank/internal/llm/prompts"
	"github.com/pavelanni/qbank/internal/model"
)

const (
	DefaultBatchSize      = 20
	DefaultConcurrency    = 3
	DefaultMinExplanation = 80
)

// Completer sends one prompt exchange to the completion service.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options tunes an Orchestrator.
type Options struct {
	BatchSize   int
	Concurrency int
	// Instructions are free-text user instructions added to every prompt.
	Instructions string
	// Fast skips the explanation enhancement pass.
	Fast bool
	// MinExplanation is the rune length under which an explanation is
	// enhanced.
	MinExplanation int
	// Retry defaults to DefaultRetryPolicy.
	Retry  *RetryPolicy
	Logger *slog.Logger
}

// Progress is reported after every dispatched batch.
type Progress struct {
	Stage        Stage
	Batches      int
	TotalBatches int
	Items        int
	TotalItems   int
}

// Stage names the orchestrator step a Progress belongs to.
type Stage string

const (
	StageBatches  Stage = "batches"
	StageForceFix Stage = "force_fix"
	StageEnhance  Stage = "enhance"
	StageDone     Stage = "done"
)

// Report is the outcome of Run.
type Report struct {
	// Results has one ok entry per input item, in input order.
	Results      []model.CorrectionResult
	TotalBatches int
	// Failed counts items the batches did not resolve.
	Failed     int
	ForceFixed int
	Fallbacks  int
	Enhanced   int
}

// Orchestrator dispatches items to a Completer.
type Orchestrator struct {
	llm    Completer
	opts   Options
	retry  RetryPolicy
	logger *slog.Logger
}

func New(c Completer, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MinExplanation <= 0 {
		opts.MinExplanation = DefaultMinExplanation
	}
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{llm: c, opts: opts, retry: retry, logger: logger}
}

// Run corrects items. Dispatch is detached from ctx cancellation: once
// started, batches run until they succeed or exhaust their retries. progress
// may be nil.
func (o *Orchestrator) Run(ctx context.Context, items []model.BatchItem, progress func(Progress)) Report {
	ctx = context.WithoutCancel(ctx)
	if progress == nil {
		progress = func(Progress) {}
	}

	batches := chunk(items, o.opts.BatchSize)
	rep := Report{TotalBatches: len(batches)}
	resolved := make(map[string]model.CorrectionResult, len(items))

	var mu sync.Mutex
	done := 0
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			res := o.dispatch(ctx, batch, 0, o.logger.With("batch", i+1))
			mu.Lock()
			defer mu.Unlock()
			for id, r := range res {
				resolved[id] = r
			}
			done++
			progress(Progress{Stage: StageBatches, Batches: done, TotalBatches: len(batches), Items: len(resolved), TotalItems: len(items)})
			return nil
		})
	}
	g.Wait()

	var pending []model.BatchItem
	for _, it := range items {
		if _, ok := resolved[it.ID]; !ok {
			pending = append(pending, it)
		}
	}
	rep.Failed = len(pending)

	if len(pending) > 0 {
		o.logger.Warn("items unresolved after batches, forcing single-item fixes", "count", len(pending))
		fixed := 0
		g := new(errgroup.Group)
		g.SetLimit(o.opts.Concurrency)
		for _, it := range pending {
			g.Go(func() error {
				r, ok := o.forceFix(ctx, it)
				mu.Lock()
				defer mu.Unlock()
				if ok {
					resolved[it.ID] = r
					fixed++
				}
				progress(Progress{Stage: StageForceFix, Batches: len(batches), TotalBatches: len(batches), Items: len(resolved), TotalItems: len(items)})
				return nil
			})
		}
		g.Wait()
		rep.ForceFixed = fixed
	}

	// Fallbacks run in input order so opener selection is reproducible.
	used := make(map[string]bool)
	for _, it := range items {
		if _, ok := resolved[it.ID]; !ok {
			resolved[it.ID] = Fallback(it, used)
			rep.Fallbacks++
		}
	}
	if rep.Fallbacks > 0 {
		o.logger.Warn("used local fallback corrections", "count", rep.Fallbacks)
	}

	if !o.opts.Fast {
		rep.Enhanced = o.enhance(ctx, items, resolved, func() {
			progress(Progress{Stage: StageEnhance, Batches: len(batches), TotalBatches: len(batches), Items: len(items), TotalItems: len(items)})
		})
	}

	rep.Results = make([]model.CorrectionResult, len(items))
	for i, it := range items {
		rep.Results[i] = resolved[it.ID]
	}
	progress(Progress{Stage: StageDone, Batches: len(batches), TotalBatches: len(batches), Items: len(items), TotalItems: len(items)})
	return rep
}

// dispatch sends one batch and returns the valid ok results by id. Missing
// ids are left for the caller.
func (o *Orchestrator) dispatch(ctx context.Context, batch []model.BatchItem, depth int, logger *slog.Logger) map[string]model.CorrectionResult {
	system, err := prompts.Build(prompts.Batch, prompts.Data{Instructions: o.opts.Instructions})
	if err != nil {
		logger.Error("build batch prompt", "error", err)
		return nil
	}
	user, err := payload(batch)
	if err != nil {
		logger.Error("encode batch", "error", err)
		return nil
	}

	var raw string
	for attempt := 0; attempt <= o.retry.BatchRetries; attempt++ {
		if attempt > 0 {
			o.retry.wait(ctx, attempt)
		}
		raw, err = o.llm.Complete(ctx, system, user)
		if err == nil || !o.retry.retryable(err) {
			break
		}
		logger.Warn("batch call failed", "size", len(batch), "attempt", attempt+1, "error", err)
	}

	if err != nil {
		if o.retry.retryable(err) && len(batch) > 1 && depth < o.retry.MaxDepth {
			sizes := o.retry.Split(len(batch))
			logger.Info("splitting batch", "size", len(batch), "pieces", len(sizes), "depth", depth+1)
			out := make(map[string]model.CorrectionResult, len(batch))
			start := 0
			for _, n := range sizes {
				for id, r := range o.dispatch(ctx, batch[start:start+n], depth+1, logger) {
					out[id] = r
				}
				start += n
			}
			return out
		}
		logger.Warn("batch abandoned", "size", len(batch), "error", err)
		return nil
	}

	results, err := ParseResults(raw)
	if err != nil {
		logger.Warn("batch response unparseable", "size", len(batch), "error", err)
		return nil
	}
	return accept(batch, results, model.SourceBatch)
}

// forceFix retries a single item with the strict prompt.
func (o *Orchestrator) forceFix(ctx context.Context, item model.BatchItem) (model.CorrectionResult, bool) {
	logger := o.logger.With("item", item.ID)
	system, err := prompts.Build(prompts.ForceFix, prompts.Data{Instructions: o.opts.Instructions})
	if err != nil {
		logger.Error("build force-fix prompt", "error", err)
		return model.CorrectionResult{}, false
	}
	user, err := payload([]model.BatchItem{item})
	if err != nil {
		return model.CorrectionResult{}, false
	}

	for attempt := 0; attempt <= o.retry.BatchRetries; attempt++ {
		if attempt > 0 {
			o.retry.wait(ctx, attempt)
		}
		raw, err := o.llm.Complete(ctx, system, user)
		if err != nil {
			logger.Warn("force-fix call failed", "attempt", attempt+1, "error", err)
			if !o.retry.retryable(err) {
				break
			}
			continue
		}
		results, err := ParseResults(raw)
		if err != nil {
			logger.Warn("force-fix response unparseable", "error", err)
			continue
		}
		// A lone result is matched to the item even if the id was dropped.
		if len(results) == 1 && results[0].ID == "" {
			results[0].ID = item.ID
		}
		if r, ok := accept([]model.BatchItem{item}, results, model.SourceForceFix)[item.ID]; ok {
			return r, true
		}
	}
	return model.CorrectionResult{}, false
}

// enhance upgrades short explanations of service-produced results. It
// returns how many results changed.
func (o *Orchestrator) enhance(ctx context.Context, items []model.BatchItem, resolved map[string]model.CorrectionResult, tick func()) int {
	var short []model.BatchItem
	for _, it := range items {
		r := resolved[it.ID]
		if r.Source != model.SourceFallback && utf8.RuneCountInString(r.GlobalExplanation) < o.opts.MinExplanation {
			short = append(short, it)
		}
	}
	if len(short) == 0 {
		return 0
	}

	system, err := prompts.Build(prompts.Enhance, prompts.Data{Instructions: o.opts.Instructions})
	if err != nil {
		o.logger.Error("build enhance prompt", "error", err)
		return 0
	}

	var mu sync.Mutex
	enhanced := 0
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)
	for _, batch := range chunk(short, o.opts.BatchSize) {
		g.Go(func() error {
			user, err := payload(batch)
			if err != nil {
				return nil
			}
			raw, err := o.llm.Complete(ctx, system, user)
			if err != nil {
				o.logger.Debug("enhance call failed", "size", len(batch), "error", err)
				return nil
			}
			results, err := ParseResults(raw)
			if err != nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range results {
				cur, ok := resolved[e.ID]
				if !ok || e.Status == model.StatusError {
					continue
				}
				changed := false
				if ge := strings.TrimSpace(e.GlobalExplanation); utf8.RuneCountInString(ge) > utf8.RuneCountInString(cur.GlobalExplanation) {
					cur.GlobalExplanation = ge
					changed = true
				}
				if len(e.OptionExplanations) > 0 && len(e.OptionExplanations) >= len(cur.OptionExplanations) {
					cur.OptionExplanations = e.OptionExplanations
					changed = true
				}
				if changed {
					resolved[e.ID] = cur
					enhanced++
				}
			}
			tick()
			return nil
		})
	}
	g.Wait()
	return enhanced
}

// accept keeps the results that belong to batch, are ok and are usable for
// their item's kind. The first result for an id wins.
func accept(batch []model.BatchItem, results []model.CorrectionResult, source model.ResultSource) map[string]model.CorrectionResult {
	byID := make(map[string]model.BatchItem, len(batch))
	for _, it := range batch {
		byID[it.ID] = it
	}
	out := make(map[string]model.CorrectionResult, len(batch))
	for _, r := range results {
		it, ok := byID[r.ID]
		if !ok {
			continue
		}
		if _, dup := out[r.ID]; dup {
			continue
		}
		if r.Status != model.StatusOK {
			continue
		}
		if norm, ok := validate(it, r); ok {
			norm.Source = source
			out[r.ID] = norm
		}
	}
	return out
}

// validate checks a result against its item and normalizes answers.
func validate(it model.BatchItem, r model.CorrectionResult) (model.CorrectionResult, bool) {
	r.FixedAnswer = strings.TrimSpace(r.FixedAnswer)
	r.GlobalExplanation = strings.TrimSpace(r.GlobalExplanation)
	if !it.Kind.IsMCQ() {
		r.CorrectAnswers = nil
		r.FixedOptions = nil
		return r, r.FixedAnswer != ""
	}

	n := len(it.Options)
	if len(r.FixedOptions) > 0 {
		if len(r.FixedOptions) > 5 {
			return r, false
		}
		n = len(r.FixedOptions)
	}
	if n == 0 || len(r.CorrectAnswers) == 0 {
		return r, false
	}
	seen := make(map[int]bool, len(r.CorrectAnswers))
	answers := make([]int, 0, len(r.CorrectAnswers))
	for _, a := range r.CorrectAnswers {
		if a < 0 || a >= n {
			return r, false
		}
		if !seen[a] {
			seen[a] = true
			answers = append(answers, a)
		}
	}
	slices.Sort(answers)
	r.CorrectAnswers = answers
	if len(r.OptionExplanations) > n {
		r.OptionExplanations = r.OptionExplanations[:n]
	}
	return r, true
}

func payload(batch []model.BatchItem) (string, error) {
	b, err := json.Marshal(struct {
		Items []model.BatchItem `json:"items"`
	}{batch})
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return string(b), nil
}

func chunk[T any](s []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(s); start += size {
		out = append(out, s[start:min(start+size, len(s))])
	}
	return out
}
