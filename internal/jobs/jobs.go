// Package jobs runs AI correction jobs: every row of a workbook goes through
// the correction orchestrator and the results are written back into a copy
// of the file.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pavelanni/qbank/internal/canon"
	"github.com/pavelanni/qbank/internal/correct"
	"github.com/pavelanni/qbank/internal/i18n"
	"github.com/pavelanni/qbank/internal/model"
	"github.com/pavelanni/qbank/internal/session"
	"github.com/pavelanni/qbank/internal/sheet"
)

// ErrNotReady is returned when a job has no corrected workbook yet.
var ErrNotReady = errors.New("artifact not ready")

const (
	progressRead  = 10
	progressWrite = 90
)

// Upload is a workbook submitted for correction.
type Upload struct {
	Name         string
	Data         []byte
	Instructions string
	// Fast skips the explanation enhancement pass.
	Fast bool
}

// Service runs AI jobs in the background.
type Service struct {
	tracker *Tracker
	llm     correct.Completer
	opts    correct.Options
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewService returns a Service. opts carries the batch size, concurrency
// and retry policy shared by every job.
func NewService(tracker *Tracker, llm correct.Completer, opts correct.Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tracker: tracker, llm: llm, opts: opts, logger: logger}
}

// Tracker exposes job state to readers.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Submit queues a job and returns its id. The job outlives ctx.
func (s *Service) Submit(ctx context.Context, up Upload) (string, error) {
	snap, err := s.tracker.Create(ctx, up.Name, i18n.T(ctx, "JobQueued"))
	if err != nil {
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(bg, snap.ID, up)
	}()
	return snap.ID, nil
}

// Wait blocks until every submitted job finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Artifact returns the corrected workbook of a completed job.
func (s *Service) Artifact(ctx context.Context, id string) ([]byte, string, error) {
	return s.tracker.Artifact(ctx, id)
}

// Run drives job id from queued to complete or error.
func (s *Service) Run(ctx context.Context, id string, up Upload) error {
	logger := s.logger.With("job_id", id, "file", up.Name)
	err := s.run(ctx, id, up, logger)
	if err != nil {
		msg := i18n.Td(ctx, "JobFailed", map[string]any{"Error": err.Error()})
		if errors.Is(err, model.ErrCancelled) {
			msg = i18n.T(ctx, "JobCancelled")
		}
		if _, ferr := s.tracker.Fail(ctx, id, msg); ferr != nil {
			logger.Debug("fail job", "error", ferr)
		}
		logger.Warn("ai job failed", "error", err)
	}
	return err
}

func (s *Service) run(ctx context.Context, id string, up Upload, logger *slog.Logger) error {
	update := func(progress int, message, logLine string, stats *model.JobStats) {
		patch := Patch{Progress: session.Ptr(progress), Phase: session.Ptr(model.PhaseRunning), Stats: stats}
		if message != "" {
			patch.Message = session.Ptr(message)
		}
		if _, err := s.tracker.Update(ctx, id, patch, logLine); err != nil {
			logger.Debug("update job", "error", err)
		}
	}
	cancelled := func() bool { return s.tracker.Cancelled(id) }

	update(0, i18n.T(ctx, "JobReading"), "", nil)
	wb, err := sheet.Read(ctx, up.Data, sheet.Options{Cancelled: cancelled, Logger: logger})
	if err != nil {
		return err
	}

	items := Items(wb.Rows)
	stats := model.JobStats{TotalRows: len(items)}
	for _, it := range items {
		if it.Kind.IsMCQ() {
			stats.MCQRows++
		}
	}
	if len(items) == 0 {
		msg := i18n.T(ctx, "JobNoRows")
		_, err := s.tracker.Complete(ctx, id, stats, up.Data, msg)
		return err
	}

	// Cancellation is honored up to here. Dispatch always runs to the end.
	if cancelled() {
		return model.ErrCancelled
	}
	update(progressRead, "", "", &stats)

	opts := s.opts
	opts.Instructions = up.Instructions
	opts.Fast = up.Fast
	opts.Logger = logger
	orch := correct.New(s.llm, opts)

	var mu sync.Mutex
	rep := orch.Run(ctx, items, func(p correct.Progress) {
		mu.Lock()
		defer mu.Unlock()
		stats.ProcessedBatches = p.Batches
		stats.TotalBatches = p.TotalBatches
		span := progressWrite - progressRead
		pct := progressRead
		if p.TotalItems > 0 {
			pct += span * p.Items / p.TotalItems
		}
		var msg string
		switch p.Stage {
		case correct.StageBatches:
			msg = i18n.Td(ctx, "JobBatchProgress", map[string]any{"Done": p.Batches, "Total": p.TotalBatches})
		case correct.StageForceFix:
			msg = i18n.T(ctx, "JobForceFix")
		case correct.StageEnhance:
			msg = i18n.T(ctx, "JobEnhance")
		}
		update(min(pct, progressWrite), msg, "", session.Ptr(stats))
	})

	stats.TotalBatches = rep.TotalBatches
	stats.ProcessedBatches = rep.TotalBatches
	stats.ErrorCount = rep.Failed
	stats.FixedCount = len(rep.Results)
	update(progressWrite, i18n.T(ctx, "JobWriting"), "", &stats)

	fixes := make([]sheet.Fix, len(rep.Results))
	for i, res := range rep.Results {
		fixes[i] = sheet.Fix{Row: wb.Rows[i], Result: res}
	}
	out, err := sheet.WriteCorrected(up.Data, wb, fixes)
	if err != nil {
		return err
	}

	msg := i18n.Tp(ctx, "JobComplete", stats.FixedCount)
	if _, err := s.tracker.Complete(ctx, id, stats, out, msg); err != nil {
		return err
	}
	logger.Info("ai job complete", "rows", stats.TotalRows, "failed_batches_items", rep.Failed,
		"force_fixed", rep.ForceFixed, "fallbacks", rep.Fallbacks, "enhanced", rep.Enhanced)
	return nil
}

// Items builds one BatchItem per row. Item ids are row positions so results
// map straight back to wb.Rows.
func Items(rows []model.RawRow) []model.BatchItem {
	items := make([]model.BatchItem, len(rows))
	for i, raw := range rows {
		r := raw.Row
		text := r.Get(canon.KeyText)
		if c := r.Get(canon.KeyCaseText); c != "" && raw.Kind.IsClinical() {
			if text == "" {
				text = c
			} else {
				text = c + "\n\n" + text
			}
		}
		var options, letters []string
		if raw.Kind.IsMCQ() {
			for j, key := range canon.OptionKeys {
				if v := r.Get(key); v != "" {
					options = append(options, v)
					letters = append(letters, canon.OptionLetter(j))
				}
			}
		}
		items[i] = model.BatchItem{
			ID:                strconv.Itoa(i),
			Kind:              raw.Kind,
			QuestionText:      text,
			Options:           options,
			OptionLetters:     letters,
			ProvidedAnswerRaw: r.Get(canon.KeyAnswer),
			CourseReminder:    r.Get(canon.KeyReminder),
		}
	}
	return items
}
