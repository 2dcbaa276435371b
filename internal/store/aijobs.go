package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/qbank/internal/model"
)

// SaveAIJob upserts the durable copy of an AI job. A nil artifact keeps the
// one already stored.
func (s *Store) SaveAIJob(ctx context.Context, rec model.AIJobRecord) error {
	logs, err := json.Marshal(nonNil(rec.Logs))
	if err != nil {
		return err
	}
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return err
	}
	var artifact any
	if len(rec.Artifact) > 0 {
		artifact = rec.Artifact
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_jobs (id, file_name, progress, phase, message, logs, stats, artifact, created_at, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			progress = excluded.progress,
			phase = excluded.phase,
			message = excluded.message,
			logs = excluded.logs,
			stats = excluded.stats,
			artifact = COALESCE(excluded.artifact, ai_jobs.artifact),
			last_updated = excluded.last_updated`,
		rec.ID, rec.FileName, rec.Progress, rec.Phase, rec.Message, string(logs), string(stats),
		artifact, rec.CreatedAt.UTC(), rec.LastUpdated.UTC(),
	)
	return err
}

// GetAIJob returns the durable copy of an AI job, or nil if not found.
func (s *Store) GetAIJob(ctx context.Context, id string) (*model.AIJobRecord, error) {
	var (
		rec         model.AIJobRecord
		logs, stats string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, progress, phase, message, logs, stats, artifact, created_at, last_updated
		 FROM ai_jobs WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.FileName, &rec.Progress, &rec.Phase, &rec.Message, &logs, &stats,
		&rec.Artifact, &rec.CreatedAt, &rec.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(logs), &rec.Logs); err != nil {
		return nil, fmt.Errorf("job %s logs: %w", id, err)
	}
	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return nil, fmt.Errorf("job %s stats: %w", id, err)
	}
	return &rec, nil
}

// PruneAIJobs removes finished jobs last updated before cutoff and returns
// how many were deleted.
func (s *Store) PruneAIJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_jobs WHERE phase IN (?, ?) AND last_updated < ?`,
		model.PhaseComplete, model.PhaseError, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
