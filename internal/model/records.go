package model

import "time"

// AIJobRecord is the durable copy of an AI correction job.
type AIJobRecord struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	Progress    int       `json:"progress"`
	Phase       Phase     `json:"phase"`
	Message     string    `json:"message"`
	Logs        []string  `json:"logs"`
	Stats       JobStats  `json:"stats"`
	Artifact    []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// HasArtifact reports whether a corrected workbook is available.
func (r AIJobRecord) HasArtifact() bool {
	return r.Phase == PhaseComplete && len(r.Artifact) > 0
}

// ImportRecord is the history entry written after a successful import.
type ImportRecord struct {
	SessionID  string    `json:"session_id"`
	FileName   string    `json:"file_name"`
	FileHash   string    `json:"file_hash"`
	Imported   int       `json:"imported"`
	ImportedAt time.Time `json:"imported_at"`
}
