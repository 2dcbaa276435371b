// Package dedup finds questions that repeat inside a workbook or that were
// already imported.
package dedup

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pavelanni/qbank/internal/canon"
	"github.com/pavelanni/qbank/internal/model"
)

// DefaultChunk bounds the number of texts sent in one storage lookup.
const DefaultChunk = 500

// Lookup is the read-only part of the persistence gateway used for
// duplicate checks.
type Lookup interface {
	// FindLecture returns the id of an existing lecture, or ok=false when
	// the specialty or the lecture does not exist yet.
	FindLecture(ctx context.Context, specialty, lecture string) (id int64, ok bool, err error)
	// ExistingQuestions returns the questions of a lecture whose text is in texts.
	ExistingQuestions(ctx context.Context, lectureID int64, texts []string) ([]model.Question, error)
}

// Key identifies a question for duplicate detection.
type Key string

// Fingerprint builds the duplicate key of a planned question.
func Fingerprint(q model.PlannedQuestion) Key {
	return fingerprint(q.SpecialtyName, q.LectureTitle, q.Kind, q.CaseText, q.Text,
		q.CorrectAnswers, q.AnswerText, q.Number, q.Session, q.CourseReminder)
}

func storedFingerprint(specialty, lecture string, q model.Question) Key {
	return fingerprint(specialty, lecture, q.Kind, q.CaseText, q.Text,
		q.CorrectAnswers, q.AnswerText, q.Number, q.Session, q.CourseReminder)
}

func fingerprint(specialty, lecture string, kind model.SheetKind, caseText, text string,
	answers []int, answerText string, number *int, session, reminder string,
) Key {
	sorted := slices.Clone(answers)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	ans := make([]string, len(sorted))
	for i, a := range sorted {
		ans[i] = strconv.Itoa(a)
	}

	// Clinical questions often repeat short prompts ("Diagnostic ?") across
	// cases, so the case text is part of their identity.
	body := canon.NormalizeText(text)
	if kind.IsClinical() && caseText != text {
		body = canon.NormalizeText(caseText) + "\x1e" + body
	}

	num := ""
	if number != nil {
		num = strconv.Itoa(*number)
	}
	parts := []string{
		canon.NormalizeText(specialty),
		canon.NormalizeText(lecture),
		string(kind),
		body,
		strings.Join(ans, ","),
		canon.NormalizeText(answerText),
		num,
		canon.NormalizeText(session),
		canon.NormalizeText(reminder),
	}
	return Key(strings.Join(parts, "\x1f"))
}

// InFile flags every question whose fingerprint already occurred earlier in
// the slice. Only the later occurrence is reported.
func InFile(questions []model.PlannedQuestion) []model.Duplicate {
	type origin struct {
		sheet string
		row   int
	}
	seen := make(map[Key]origin, len(questions))
	var dups []model.Duplicate
	for _, q := range questions {
		k := Fingerprint(q)
		if first, ok := seen[k]; ok {
			dups = append(dups, model.Duplicate{Sheet: q.Sheet, Row: q.Row, FirstSheet: first.sheet, FirstRow: first.row})
			continue
		}
		seen[k] = origin{sheet: q.Sheet, row: q.Row}
	}
	return dups
}

// AgainstStorage compares questions with what is already stored for their
// lecture. Lectures that do not exist yet are skipped since nothing can
// collide with them.
func AgainstStorage(ctx context.Context, lookup Lookup, questions []model.PlannedQuestion, chunk int) ([]model.Duplicate, error) {
	if chunk <= 0 {
		chunk = DefaultChunk
	}

	type pair struct{ specialty, lecture string }
	var order []pair
	groups := make(map[pair][]int)
	for i, q := range questions {
		p := pair{q.SpecialtyName, q.LectureTitle}
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], i)
	}

	var dups []model.Duplicate
	for _, p := range order {
		lectureID, ok, err := lookup.FindLecture(ctx, p.specialty, p.lecture)
		if err != nil {
			return nil, fmt.Errorf("find lecture %q/%q: %w", p.specialty, p.lecture, err)
		}
		if !ok {
			continue
		}

		idxs := groups[p]
		texts := make([]string, 0, len(idxs))
		seenText := make(map[string]bool, len(idxs))
		for _, i := range idxs {
			t := questions[i].Text
			if !seenText[t] {
				seenText[t] = true
				texts = append(texts, t)
			}
		}

		existing := make(map[Key]int64)
		for start := 0; start < len(texts); start += chunk {
			end := min(start+chunk, len(texts))
			found, err := lookup.ExistingQuestions(ctx, lectureID, texts[start:end])
			if err != nil {
				return nil, fmt.Errorf("existing questions for lecture %d: %w", lectureID, err)
			}
			for _, sq := range found {
				k := storedFingerprint(p.specialty, p.lecture, sq)
				if _, ok := existing[k]; !ok {
					existing[k] = sq.ID
				}
			}
		}

		for _, i := range idxs {
			q := questions[i]
			if id, ok := existing[Fingerprint(q)]; ok {
				dups = append(dups, model.Duplicate{Sheet: q.Sheet, Row: q.Row, ExistingID: id})
			}
		}
	}
	return dups, nil
}

// Check runs both passes. It returns a *model.DuplicateError when any
// duplicate was found, and a plain error when the lookup failed.
func Check(ctx context.Context, lookup Lookup, questions []model.PlannedQuestion, chunk int) error {
	de := &model.DuplicateError{InFile: InFile(questions)}
	if lookup != nil {
		stored, err := AgainstStorage(ctx, lookup, questions, chunk)
		if err != nil {
			return err
		}
		de.InStorage = stored
	}
	if de.Empty() {
		return nil
	}
	return de
}
