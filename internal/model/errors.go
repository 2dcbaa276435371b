package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotFound is returned for unknown or swept session ids.
var ErrSessionNotFound = errors.New("session not found")

// RowError locates a problem in the submitted workbook.
type RowError struct {
	Sheet   string
	Row     int
	Message string
}

func (e RowError) Error() string {
	return fmt.Sprintf("sheet %q row %d: %s", e.Sheet, e.Row, e.Message)
}

// ValidationError aggregates every row that failed validation.
type ValidationError struct {
	Rows []RowError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d invalid rows: %s", len(e.Rows), joinRows(e.Rows))
}

// Duplicate is one duplicated row.
type Duplicate struct {
	Sheet string
	Row   int
	// FirstRow is the earlier row in the same file; 0 for storage hits.
	FirstSheet string
	FirstRow   int
	// ExistingID is the stored question id; 0 for in-file hits.
	ExistingID int64
}

func (d Duplicate) Error() string {
	if d.ExistingID != 0 {
		return fmt.Sprintf("sheet %q row %d: already imported as question %d", d.Sheet, d.Row, d.ExistingID)
	}
	return fmt.Sprintf("sheet %q row %d: duplicate of sheet %q row %d", d.Sheet, d.Row, d.FirstSheet, d.FirstRow)
}

// DuplicateError reports in-file and in-storage collisions separately.
type DuplicateError struct {
	InFile    []Duplicate
	InStorage []Duplicate
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%d duplicates in file, %d already imported", len(e.InFile), len(e.InStorage))
}

// Empty reports whether no duplicate was found.
func (e *DuplicateError) Empty() bool {
	return e == nil || len(e.InFile)+len(e.InStorage) == 0
}

// TransactionError wraps any failure of the commit transaction.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return "commit transaction: " + e.Err.Error()
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func joinRows(rows []RowError) string {
	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, r.Error())
	}
	return strings.Join(parts, "; ")
}

// ErrCancelled is returned when a session was cancelled between units of work.
var ErrCancelled = errors.New("cancelled")
