package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pavelanni/qbank/internal/model"
	"github.com/pavelanni/qbank/internal/session"
)

// Snapshot is the observable state of an AI job.
type Snapshot = session.Snapshot[model.JobStats]

// Patch updates an AI job.
type Patch = session.Patch[model.JobStats]

// Recorder keeps a durable copy of every job so its state survives the
// volatile registry (sweeps, restarts).
type Recorder interface {
	SaveAIJob(ctx context.Context, rec model.AIJobRecord) error
	GetAIJob(ctx context.Context, id string) (*model.AIJobRecord, error)
}

// Tracker mirrors every job mutation from a volatile registry to a Recorder.
// Reads prefer the volatile entry, which is always at least as current.
type Tracker struct {
	sessions *session.Registry[model.JobStats]
	recorder Recorder
	logger   *slog.Logger
}

// NewTracker returns a Tracker. recorder may be nil, in which case jobs live
// only as long as the registry keeps them.
func NewTracker(sessions *session.Registry[model.JobStats], recorder Recorder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{sessions: sessions, recorder: recorder, logger: logger}
}

// Create registers a queued job for fileName.
func (t *Tracker) Create(ctx context.Context, fileName, message string) (Snapshot, error) {
	snap, err := t.sessions.Create(Snapshot{Phase: model.PhaseQueued, Message: message})
	if err != nil {
		return Snapshot{}, err
	}
	t.mirror(ctx, snap, fileName, nil)
	return snap, nil
}

// Update applies patch and mirrors the result.
func (t *Tracker) Update(ctx context.Context, id string, patch Patch, logLine string) (Snapshot, error) {
	snap, err := t.sessions.Update(id, patch, logLine)
	if err != nil {
		return Snapshot{}, err
	}
	t.mirror(ctx, snap, "", nil)
	return snap, nil
}

// Complete marks the job complete and stores its corrected workbook.
func (t *Tracker) Complete(ctx context.Context, id string, stats model.JobStats, artifact []byte, message string) (Snapshot, error) {
	snap, err := t.sessions.Update(id, Patch{
		Progress: session.Ptr(100),
		Phase:    session.Ptr(model.PhaseComplete),
		Message:  session.Ptr(message),
		Stats:    session.Ptr(stats),
	}, message)
	if err != nil {
		return Snapshot{}, err
	}
	t.mirror(ctx, snap, "", artifact)
	return snap, nil
}

// Fail moves the job to the error phase.
func (t *Tracker) Fail(ctx context.Context, id, message string) (Snapshot, error) {
	return t.Update(ctx, id, Patch{
		Phase:   session.Ptr(model.PhaseError),
		Message: session.Ptr(message),
		Failed:  session.Ptr(true),
	}, message)
}

// Get returns the current state of a job, falling back to the durable
// record when the registry no longer has it.
func (t *Tracker) Get(ctx context.Context, id string) (Snapshot, error) {
	snap, err := t.sessions.Get(id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, model.ErrSessionNotFound) {
		return Snapshot{}, err
	}
	rec, err := t.record(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return fromRecord(*rec), nil
}

// Artifact returns the corrected workbook and the original file name of a
// completed job.
func (t *Tracker) Artifact(ctx context.Context, id string) ([]byte, string, error) {
	rec, err := t.record(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !rec.HasArtifact() {
		return nil, rec.FileName, ErrNotReady
	}
	return rec.Artifact, rec.FileName, nil
}

// Cancel flags the job. Dispatch already in flight is not interrupted.
func (t *Tracker) Cancel(id string) (bool, error) {
	return t.sessions.Cancel(id)
}

// Cancelled reports whether the job was flagged.
func (t *Tracker) Cancelled(id string) bool {
	return t.sessions.Cancelled(id)
}

// Subscribe forwards volatile state changes of a job.
func (t *Tracker) Subscribe(id string) (<-chan Snapshot, func()) {
	return t.sessions.Subscribe(id)
}

// Sweep drops finished jobs from the volatile registry. Durable records are
// pruned separately.
func (t *Tracker) Sweep(ttl time.Duration) int {
	return t.sessions.Sweep(ttl)
}

func (t *Tracker) record(ctx context.Context, id string) (*model.AIJobRecord, error) {
	if t.recorder == nil {
		return nil, model.ErrSessionNotFound
	}
	rec, err := t.recorder.GetAIJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, model.ErrSessionNotFound
	}
	return rec, nil
}

// mirror saves snap durably. Recorder failures are logged, never returned:
// the volatile registry stays authoritative while the job runs.
func (t *Tracker) mirror(ctx context.Context, snap Snapshot, fileName string, artifact []byte) {
	if t.recorder == nil {
		return
	}
	rec := model.AIJobRecord{
		ID:          snap.ID,
		FileName:    fileName,
		Progress:    snap.Progress,
		Phase:       snap.Phase,
		Message:     snap.Message,
		Logs:        snap.Logs,
		Stats:       snap.Stats,
		Artifact:    artifact,
		CreatedAt:   snap.CreatedAt,
		LastUpdated: snap.LastUpdated,
	}
	if err := t.recorder.SaveAIJob(ctx, rec); err != nil {
		t.logger.Warn("mirror ai job", "job_id", snap.ID, "error", err)
	}
}

func fromRecord(rec model.AIJobRecord) Snapshot {
	return Snapshot{
		ID:          rec.ID,
		Progress:    rec.Progress,
		Phase:       rec.Phase,
		Message:     rec.Message,
		Logs:        rec.Logs,
		Stats:       rec.Stats,
		Failed:      rec.Phase == model.PhaseError,
		CreatedAt:   rec.CreatedAt,
		LastUpdated: rec.LastUpdated,
	}
}
