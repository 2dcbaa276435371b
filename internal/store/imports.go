package store

import (
	"context"
	"database/sql"

	"github.com/pavelanni/qbank/internal/model"
)

// RecordImport stores the history entry of a finished import.
func (s *Store) RecordImport(ctx context.Context, rec model.ImportRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imports (session_id, file_name, file_hash, imported, imported_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET imported = excluded.imported, imported_at = excluded.imported_at`,
		rec.SessionID, rec.FileName, rec.FileHash, rec.Imported, rec.ImportedAt.UTC(),
	)
	return err
}

// LastImportByHash returns the most recent import of a file with the given
// content hash, or nil if the file was never imported.
func (s *Store) LastImportByHash(ctx context.Context, hash string) (*model.ImportRecord, error) {
	var rec model.ImportRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, file_name, file_hash, imported, imported_at
		 FROM imports WHERE file_hash = ? ORDER BY imported_at DESC LIMIT 1`, hash,
	).Scan(&rec.SessionID, &rec.FileName, &rec.FileHash, &rec.Imported, &rec.ImportedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}
