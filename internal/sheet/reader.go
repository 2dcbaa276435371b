// Package sheet reads question workbooks into canonical rows and writes
// corrected copies back.
package sheet

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/qbank/internal/canon"
	"github.com/pavelanni/qbank/internal/model"
)

const defaultProgressEvery = 250

// Options tunes Read.
type Options struct {
	// OnProgress receives the running count of data rows seen.
	OnProgress func(rowsSeen int)
	// ProgressEvery bounds how often OnProgress fires.
	ProgressEvery int
	// Cancelled is polled between sheets.
	Cancelled func() bool
	Logger    *slog.Logger
}

// Sheet describes one recognized sheet.
type Sheet struct {
	Name    string
	Kind    model.SheetKind
	Header  []string       // canonical keys, "" for blank header cells
	Columns map[string]int // canonical key → 0-based column
}

// Workbook is the result of reading a file.
type Workbook struct {
	Sheets   []Sheet
	Rows     []model.RawRow
	Skipped  []string
	RowsSeen int
}

// Sheet returns the sheet with the given name.
func (w *Workbook) Sheet(name string) (Sheet, bool) {
	for _, s := range w.Sheets {
		if s.Name == name {
			return s, true
		}
	}
	return Sheet{}, false
}

// Read parses workbook bytes. Sheets are visited in canonical kind order and,
// within a kind, in file order. Fully blank rows are dropped.
func Read(ctx context.Context, data []byte, opts Options) (*Workbook, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = defaultProgressEvery
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	byKind := make(map[model.SheetKind][]string)
	wb := &Workbook{}
	for _, name := range f.GetSheetList() {
		kind, ok := canon.ResolveSheetKind(name)
		if !ok {
			logger.Info("skipping unrecognized sheet", "sheet", name)
			wb.Skipped = append(wb.Skipped, name)
			continue
		}
		byKind[kind] = append(byKind[kind], name)
	}

	for _, kind := range model.SheetKinds {
		for _, name := range byKind[kind] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if opts.Cancelled != nil && opts.Cancelled() {
				return nil, model.ErrCancelled
			}

			rows, err := f.GetRows(name)
			if err != nil {
				return nil, fmt.Errorf("read sheet %q: %w", name, err)
			}
			if len(rows) == 0 {
				logger.Info("empty sheet", "sheet", name)
				continue
			}

			sh := Sheet{Name: name, Kind: kind, Columns: make(map[string]int)}
			for col, raw := range rows[0] {
				key := ""
				if strings.TrimSpace(raw) != "" {
					key = canon.CanonicalizeHeader(raw)
				}
				sh.Header = append(sh.Header, key)
				if _, seen := sh.Columns[key]; key != "" && !seen {
					sh.Columns[key] = col
				}
			}
			wb.Sheets = append(wb.Sheets, sh)

			for i, cells := range rows[1:] {
				wb.RowsSeen++
				if wb.RowsSeen%every == 0 && opts.OnProgress != nil {
					opts.OnProgress(wb.RowsSeen)
				}
				row, blank := canonicalRow(sh.Header, cells)
				if blank {
					continue
				}
				wb.Rows = append(wb.Rows, model.RawRow{
					Kind:  kind,
					Sheet: name,
					Index: i + 2,
					Row:   row,
				})
			}
			logger.Debug("read sheet", "sheet", name, "kind", kind, "rows", len(rows)-1)
		}
	}
	if opts.OnProgress != nil {
		opts.OnProgress(wb.RowsSeen)
	}
	return wb, nil
}

func canonicalRow(header []string, cells []string) (model.CanonicalRow, bool) {
	row := model.NewCanonicalRow()
	blank := true
	for col, cell := range cells {
		v := strings.TrimSpace(cell)
		if v != "" {
			blank = false
		}
		if col >= len(header) || header[col] == "" {
			continue
		}
		row.Set(header[col], v)
	}
	return row, blank
}
