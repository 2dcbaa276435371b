package sheet

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/qbank/internal/canon"
	"github.com/pavelanni/qbank/internal/model"
)

// Fix is a correction to write back into the source row.
type Fix struct {
	Row    model.RawRow
	Result model.CorrectionResult
}

// WriteCorrected applies fixes to a copy of the original workbook and returns
// the new file bytes. An explanation column is appended to any sheet that
// lacks one.
func WriteCorrected(data []byte, wb *Workbook, fixes []Fix) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	explCols := make(map[string]int)
	for _, fx := range fixes {
		sh, ok := wb.Sheet(fx.Row.Sheet)
		if !ok {
			return nil, fmt.Errorf("unknown sheet %q", fx.Row.Sheet)
		}
		col, ok := explCols[sh.Name]
		if !ok {
			col, err = explanationColumn(f, sh)
			if err != nil {
				return nil, err
			}
			explCols[sh.Name] = col
		}
		if err := applyFix(f, sh, fx, col); err != nil {
			return nil, fmt.Errorf("sheet %q row %d: %w", sh.Name, fx.Row.Index, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func explanationColumn(f *excelize.File, sh Sheet) (int, error) {
	if col, ok := sh.Columns[canon.KeyExplanation]; ok {
		return col, nil
	}
	col := len(sh.Header)
	if err := setCell(f, sh.Name, col, 1, "Explication"); err != nil {
		return 0, err
	}
	return col, nil
}

func applyFix(f *excelize.File, sh Sheet, fx Fix, explCol int) error {
	res := fx.Result
	row := fx.Row.Index

	if res.FixedText != "" {
		key := canon.KeyText
		if _, ok := sh.Columns[key]; !ok && sh.Kind.IsClinical() {
			key = canon.KeyCaseText
		}
		if col, ok := sh.Columns[key]; ok {
			if err := setCell(f, sh.Name, col, row, res.FixedText); err != nil {
				return err
			}
		}
	}

	if sh.Kind.IsMCQ() {
		letters := presentLetters(fx.Row.Row)
		if len(res.FixedOptions) > 0 {
			letters = letters[:0]
			for i, opt := range res.FixedOptions {
				if i >= len(canon.OptionKeys) {
					break
				}
				col, ok := sh.Columns[canon.OptionKeys[i]]
				if !ok {
					continue
				}
				if err := setCell(f, sh.Name, col, row, opt); err != nil {
					return err
				}
				letters = append(letters, canon.OptionLetter(i))
			}
		}
		var answer []string
		for _, idx := range res.CorrectAnswers {
			if idx >= 0 && idx < len(letters) {
				answer = append(answer, letters[idx])
			}
		}
		if col, ok := sh.Columns[canon.KeyAnswer]; ok && len(answer) > 0 {
			if err := setCell(f, sh.Name, col, row, strings.Join(answer, ", ")); err != nil {
				return err
			}
		}
	} else if res.FixedAnswer != "" {
		if col, ok := sh.Columns[canon.KeyAnswer]; ok {
			if err := setCell(f, sh.Name, col, row, res.FixedAnswer); err != nil {
				return err
			}
		}
	}

	if expl := explanationText(res); expl != "" {
		return setCell(f, sh.Name, explCol, row, expl)
	}
	return nil
}

// presentLetters returns the letters of the non-blank option cells, which is
// the space correct-answer indices refer to.
func presentLetters(row model.CanonicalRow) []string {
	var letters []string
	for i, key := range canon.OptionKeys {
		if row.Get(key) != "" {
			letters = append(letters, canon.OptionLetter(i))
		}
	}
	return letters
}

func explanationText(res model.CorrectionResult) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(res.GlobalExplanation))
	for i, e := range res.OptionExplanations {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(canon.OptionLetter(i) + ": " + e)
	}
	return sb.String()
}

func setCell(f *excelize.File, sheetName string, col, row int, value string) error {
	cell, err := excelize.CoordinatesToCellName(col+1, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheetName, cell, value)
}
