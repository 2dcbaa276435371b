// Package importer runs the spreadsheet import pipeline: read, validate,
// optionally repair with AI, check duplicates and commit in one transaction.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/qbank/internal/correct"
	"github.com/pavelanni/qbank/internal/dedup"
	"github.com/pavelanni/qbank/internal/i18n"
	"github.com/pavelanni/qbank/internal/model"
	"github.com/pavelanni/qbank/internal/plan"
	"github.com/pavelanni/qbank/internal/session"
	"github.com/pavelanni/qbank/internal/sheet"
	"github.com/pavelanni/qbank/internal/store"
)

// DefaultCommitTimeout bounds the commit transaction. Large files need a
// generous value.
const DefaultCommitTimeout = 10 * time.Minute

// Progress bands of the pipeline, in percent.
const (
	progressRead   = 30
	progressPlan   = 40
	progressRepair = 60
	progressDedup  = 70
	progressDone   = 100
)

// Snapshot is the observable state of an import.
type Snapshot = session.Snapshot[model.ImportStats]

// Registry tracks import sessions.
type Registry = session.Registry[model.ImportStats]

// Corrector repairs rows queued by validation.
type Corrector interface {
	Run(ctx context.Context, items []model.BatchItem, progress func(correct.Progress)) correct.Report
}

// Config tunes a Service.
type Config struct {
	CommitTimeout time.Duration
	InsertChunk   int
	LookupChunk   int
	ProgressEvery int
}

// Upload is a submitted workbook.
type Upload struct {
	Name     string
	Data     []byte
	AIRepair bool
}

// Service runs imports in the background and reports through a Registry.
type Service struct {
	store     *store.Store
	sessions  *Registry
	corrector Corrector
	cfg       Config
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewService wires the pipeline. A nil corrector repairs queued rows with
// local fallbacks only.
func NewService(st *store.Store, sessions *Registry, corrector Corrector, cfg Config, logger *slog.Logger) *Service {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.InsertChunk <= 0 {
		cfg.InsertChunk = DefaultInsertChunk
	}
	if cfg.LookupChunk <= 0 {
		cfg.LookupChunk = dedup.DefaultChunk
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, sessions: sessions, corrector: corrector, cfg: cfg, logger: logger}
}

// Submit registers a session and starts the import in the background. The
// worker keeps ctx values (such as the localizer) but not its cancellation.
func (s *Service) Submit(ctx context.Context, up Upload) (string, error) {
	snap, err := s.sessions.Create(Snapshot{
		Phase:   model.PhaseValidating,
		Message: i18n.T(ctx, "ImportQueued"),
	})
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

// Import runs an import synchronously and returns its final snapshot.
func (s *Service) Import(ctx context.Context, up Upload) (Snapshot, error) {
	snap, err := s.sessions.Create(Snapshot{Phase: model.PhaseValidating, Message: i18n.T(ctx, "ImportQueued")})
	if err != nil {
		return Snapshot{}, err
	}
	runErr := s.Run(ctx, snap.ID, up)
	final, err := s.sessions.Get(snap.ID)
	if err != nil {
		return Snapshot{}, err
	}
	return final, runErr
}

// Wait blocks until every submitted import finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Run drives session id through the whole pipeline and leaves it in phase
// complete. The returned error is also reflected in the session.
func (s *Service) Run(ctx context.Context, id string, up Upload) error {
	r := &run{Service: s, ctx: ctx, id: id, logger: s.logger.With("session_id", id, "file", up.Name)}
	err := r.execute(up)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrCancelled):
		msg := i18n.T(ctx, "ImportCancelled")
		if _, uerr := s.sessions.Update(id, session.Patch[model.ImportStats]{
			Phase:   session.Ptr(model.PhaseComplete),
			Message: session.Ptr(msg),
		}, msg); uerr != nil {
			r.logger.Debug("session update", "error", uerr)
		}
	default:
		// Failure details were logged by the stage that failed.
		r.logger.Warn("import failed", "error", err)
	}
	return err
}

type run struct {
	*Service
	ctx    context.Context
	id     string
	logger *slog.Logger
	stats  model.ImportStats
}

func (r *run) update(progress int, phase model.Phase, message, logLine string) {
	patch := session.Patch[model.ImportStats]{
		Progress: session.Ptr(progress),
		Phase:    session.Ptr(phase),
		Stats:    session.Ptr(r.stats),
	}
	if message != "" {
		patch.Message = session.Ptr(message)
	}
	if _, err := r.sessions.Update(r.id, patch, logLine); err != nil {
		r.logger.Debug("session update", "error", err)
	}
}

func (r *run) log(line string) {
	if _, err := r.sessions.Update(r.id, session.Patch[model.ImportStats]{}, line); err != nil {
		r.logger.Debug("session update", "error", err)
	}
}

func (r *run) finish(failed bool, message, logLine string) {
	patch := session.Patch[model.ImportStats]{
		Phase:   session.Ptr(model.PhaseComplete),
		Message: session.Ptr(message),
		Stats:   session.Ptr(r.stats),
		Failed:  session.Ptr(failed),
	}
	if !failed {
		patch.Progress = session.Ptr(progressDone)
	}
	if _, err := r.sessions.Update(r.id, patch, logLine); err != nil {
		r.logger.Debug("session update", "error", err)
	}
}

func (r *run) cancelled() bool {
	return r.sessions.Cancelled(r.id)
}

func (r *run) fail(err error) error {
	msg := i18n.Td(r.ctx, "ImportFailed", map[string]any{"Error": err.Error()})
	r.finish(true, msg, msg)
	return err
}

func (r *run) execute(up Upload) error {
	ctx := r.ctx
	r.update(0, model.PhaseValidating, i18n.T(ctx, "ImportReading"), "")
	r.logger.Info("import started", "bytes", len(up.Data), "ai_repair", up.AIRepair)

	hash := sha256.Sum256(up.Data)
	fileHash := hex.EncodeToString(hash[:])
	if prev, err := r.store.LastImportByHash(ctx, fileHash); err != nil {
		r.logger.Warn("import history lookup", "error", err)
	} else if prev != nil {
		r.log(i18n.Td(ctx, "ImportPreviouslyImported", map[string]any{"Date": prev.ImportedAt.Format(time.DateTime)}))
	}

	// Read: 0-30.
	wb, err := sheet.Read(ctx, up.Data, sheet.Options{
		ProgressEvery: r.cfg.ProgressEvery,
		Cancelled:     r.cancelled,
		Logger:        r.logger,
		OnProgress: func(n int) {
			r.stats.RowsSeen = n
			r.update(progressRead*n/(n+1000), model.PhaseValidating, i18n.Tp(ctx, "ImportRowsRead", n), "")
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrCancelled) {
			return err
		}
		return r.fail(err)
	}
	r.stats.RowsSeen = wb.RowsSeen
	for _, name := range wb.Skipped {
		r.log(i18n.Td(ctx, "ImportSkippedSheet", map[string]any{"Name": name}))
	}
	r.update(progressRead, model.PhaseValidating, i18n.T(ctx, "ImportPlanning"), i18n.Tp(ctx, "ImportRowsRead", wb.RowsSeen))

	// Plan: 30-40.
	p, err := plan.Build(ctx, wb.Rows, plan.Options{AIRepair: up.AIRepair, Cancelled: r.cancelled})
	if err != nil {
		if errors.Is(err, model.ErrCancelled) {
			return err
		}
		return r.fail(err)
	}
	for _, w := range p.Warnings {
		r.log(w)
	}
	r.stats.Planned = len(p.Questions)
	r.update(progressPlan, model.PhaseValidating, "", "")

	// Repair: 40-60. Skipped when the import is going to fail anyway.
	if len(p.Repairs) > 0 && len(p.Errors) == 0 {
		if r.cancelled() {
			return model.ErrCancelled
		}
		r.repair(p)
	}
	r.update(progressRepair, model.PhaseValidating, "", "")

	// Duplicates: 60-70.
	if r.cancelled() {
		return model.ErrCancelled
	}
	r.update(progressRepair, model.PhaseValidating, i18n.T(ctx, "ImportCheckingDuplicates"), "")
	dupErr := dedup.Check(ctx, r.store, p.Questions, r.cfg.LookupChunk)
	var dups *model.DuplicateError
	if dupErr != nil && !errors.As(dupErr, &dups) {
		return r.fail(dupErr)
	}
	if p.Err() != nil || !dups.Empty() {
		return r.reject(p, dups)
	}
	r.update(progressDedup, model.PhaseValidating, "", "")

	// Commit: 70-100. Cancellation is not honored past this point.
	if r.cancelled() {
		return model.ErrCancelled
	}
	total := len(p.Questions)
	r.update(progressDedup, model.PhaseImporting, i18n.Tp(ctx, "ImportCommitting", total), "")

	var committed model.ImportStats
	err = r.store.WithTx(ctx, r.cfg.CommitTimeout, func(tx *store.Tx) error {
		var err error
		committed, err = Commit(ctx, tx, p, r.cfg.InsertChunk, func(done, total int) {
			r.stats.Imported = done
			pct := progressDedup + (progressDone-progressDedup)*done/max(total, 1)
			r.update(min(pct, progressDone-1), model.PhaseImporting,
				i18n.Td(ctx, "ImportCommitProgress", map[string]any{"Done": done, "Total": total}), "")
		})
		return err
	})
	if err != nil {
		r.stats.Imported = 0
		txErr := &model.TransactionError{Err: err}
		msg := i18n.Td(ctx, "ImportTransactionFailed", map[string]any{"Error": err.Error()})
		r.finish(true, msg, txErr.Error())
		return txErr
	}

	committed.RowsSeen = r.stats.RowsSeen
	committed.Planned = r.stats.Planned
	r.stats = committed

	if err := r.store.RecordImport(ctx, model.ImportRecord{
		SessionID:  r.id,
		FileName:   up.Name,
		FileHash:   fileHash,
		Imported:   committed.Imported,
		ImportedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("record import history", "error", err)
	}

	msg := i18n.Tp(ctx, "ImportComplete", committed.Imported)
	r.finish(false, msg, msg)
	r.logger.Info("import complete", "imported", committed.Imported, "fixed", committed.Fixed)
	return nil
}

// repair sends queued rows through the corrector and merges the results.
// Rows the corrections leave unusable become validation errors.
func (r *run) repair(p *plan.Plan) {
	ctx := r.ctx
	items := plan.RepairItems(p)
	r.update(progressPlan, model.PhaseValidating, i18n.Tp(ctx, "ImportAIRepairStart", len(items)), "")

	var results []model.CorrectionResult
	fallbacks := 0
	if r.corrector == nil {
		for _, it := range items {
			results = append(results, correct.Fallback(it, nil))
		}
		fallbacks = len(items)
	} else {
		rep := r.corrector.Run(ctx, items, func(pr correct.Progress) {
			if pr.TotalItems == 0 {
				return
			}
			span := progressRepair - progressPlan
			r.update(progressPlan+span*pr.Items/pr.TotalItems, model.PhaseValidating, "", "")
		})
		results = rep.Results
		fallbacks = rep.Fallbacks
	}
	plan.ApplyCorrections(p, results)

	fixed := 0
	for _, idx := range p.Repairs {
		if p.Questions[idx].Fixed {
			fixed++
		}
	}
	r.log(i18n.Td(ctx, "ImportAIRepairDone", map[string]any{"Fixed": fixed, "Fallbacks": fallbacks}))
}

// reject ends a session whose rows failed validation or duplicate checks.
// Every offending row is logged so one resubmission can fix them all.
func (r *run) reject(p *plan.Plan, dups *model.DuplicateError) error {
	ctx := r.ctx
	for _, e := range p.Errors {
		r.log(e.Error())
	}
	if !dups.Empty() {
		if len(dups.InFile) > 0 {
			r.log(i18n.Tp(ctx, "ImportDuplicatesInFile", len(dups.InFile)))
			for _, d := range dups.InFile {
				r.log(d.Error())
			}
		}
		if len(dups.InStorage) > 0 {
			r.log(i18n.Tp(ctx, "ImportDuplicatesInStorage", len(dups.InStorage)))
			for _, d := range dups.InStorage {
				r.log(d.Error())
			}
		}
	}

	var msg string
	var err error
	switch {
	case p.Err() != nil:
		msg = i18n.Tp(ctx, "ImportValidationFailed", len(p.Errors))
		err = p.Err()
		if !dups.Empty() {
			err = errors.Join(err, dups)
		}
	default:
		msg = i18n.T(ctx, "ImportDuplicatesFailed")
		err = dups
	}
	r.finish(true, msg, "")
	r.logger.Info("import rejected", "invalid_rows", len(p.Errors), "error", fmt.Sprint(err))
	return err
}
