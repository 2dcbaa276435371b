// Package sheettest builds in-memory workbooks for tests.
package sheettest

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

// Sheet is a named grid of cells; the first row is the header.
type Sheet struct {
	Name string
	Rows [][]string
}

// Workbook returns xlsx bytes containing the given sheets in order.
func Workbook(t testing.TB, sheets ...Sheet) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for _, sh := range sheets {
		if _, err := f.NewSheet(sh.Name); err != nil {
			t.Fatalf("NewSheet(%q): %v", sh.Name, err)
		}
		for i, row := range sh.Rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				t.Fatalf("CoordinatesToCellName: %v", err)
			}
			vals := make([]any, len(row))
			for j, v := range row {
				vals[j] = v
			}
			if err := f.SetSheetRow(sh.Name, cell, &vals); err != nil {
				t.Fatalf("SetSheetRow(%q): %v", sh.Name, err)
			}
		}
	}
	if len(sheets) > 0 && sheets[0].Name != "Sheet1" {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			t.Fatalf("DeleteSheet: %v", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf.Bytes()
}

// Cell reads one cell from xlsx bytes.
func Cell(t testing.TB, data []byte, sheet, cell string) string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer func() { _ = f.Close() }()
	v, err := f.GetCellValue(sheet, cell)
	if err != nil {
		t.Fatalf("GetCellValue(%s!%s): %v", sheet, cell, err)
	}
	return v
}

// MCQHeader is a typical multiple-choice header row.
var MCQHeader = []string{"Matière", "Cours", "Question n°", "Texte de la question", "A", "B", "C", "D", "E", "Réponse", "Source"}

// QROCHeader is a typical open-answer header row.
var QROCHeader = []string{"Matière", "Cours", "Question n°", "Texte de la question", "Réponse", "Source"}
