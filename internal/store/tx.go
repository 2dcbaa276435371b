package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/qbank/internal/model"
)

// insertBatch is the number of rows per multi-row INSERT. Each row binds 16
// parameters, which keeps a statement well under SQLite's variable limit.
const insertBatch = 500

// Tx is a write transaction over the content hierarchy.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// WithTx runs fn inside one transaction bounded by timeout. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, timeout time.Duration, fn func(*Tx) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, now: time.Now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ResolveLevel returns the id of the named level, creating it when missing.
func (t *Tx) ResolveLevel(ctx context.Context, name string, order int) (int64, bool, error) {
	return t.resolve(ctx,
		`SELECT id FROM levels WHERE name = ?`, []any{name},
		`INSERT INTO levels (name, sort_order) VALUES (?, ?)`, []any{name, order})
}

// ResolveSemester returns the id of the named semester of a level, creating
// it when missing.
func (t *Tx) ResolveSemester(ctx context.Context, levelID int64, name string, order int) (int64, bool, error) {
	return t.resolve(ctx,
		`SELECT id FROM semesters WHERE level_id = ? AND name = ?`, []any{levelID, name},
		`INSERT INTO semesters (level_id, name, sort_order) VALUES (?, ?, ?)`, []any{levelID, name, order})
}

// ResolveSpecialty returns the id of the named specialty, creating it when
// missing. levelID and semesterID are only used on creation.
func (t *Tx) ResolveSpecialty(ctx context.Context, name string, levelID, semesterID *int64) (int64, bool, error) {
	return t.resolve(ctx,
		`SELECT id FROM specialties WHERE name = ?`, []any{name},
		`INSERT INTO specialties (name, level_id, semester_id) VALUES (?, ?, ?)`, []any{name, nullID(levelID), nullID(semesterID)})
}

// ResolveLecture returns the id of the titled lecture of a specialty,
// creating it when missing.
func (t *Tx) ResolveLecture(ctx context.Context, specialtyID int64, title string) (int64, bool, error) {
	return t.resolve(ctx,
		`SELECT id FROM lectures WHERE specialty_id = ? AND title = ?`, []any{specialtyID, title},
		`INSERT INTO lectures (specialty_id, title) VALUES (?, ?)`, []any{specialtyID, title})
}

func (t *Tx) resolve(ctx context.Context, selectQ string, selectArgs []any, insertQ string, insertArgs []any) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, selectQ, selectArgs...).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, err
	}
	res, err := t.tx.ExecContext(ctx, insertQ, insertArgs...)
	if err != nil {
		return 0, false, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// InsertQuestions bulk-inserts questions with multi-row statements.
func (t *Tx) InsertQuestions(ctx context.Context, questions []model.Question) error {
	now := t.now()
	for start := 0; start < len(questions); start += insertBatch {
		end := min(start+insertBatch, len(questions))
		batch := questions[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO questions (lecture_id, kind, number, session, text, options, correct_answers,
			answer_text, course_reminder, explanation, media_url, case_number, case_text, case_question,
			fixed, created_at) VALUES `)
		args := make([]any, 0, len(batch)*16)
		for i, q := range batch {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(" + placeholders(16) + ")")

			options, err := json.Marshal(nonNil(q.Options))
			if err != nil {
				return err
			}
			answers, err := json.Marshal(nonNilInts(q.CorrectAnswers))
			if err != nil {
				return err
			}
			createdAt := q.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			args = append(args, q.LectureID, q.Kind, nullInt(q.Number), q.Session, q.Text,
				string(options), string(answers), q.AnswerText, q.CourseReminder, q.Explanation,
				q.MediaURL, nullInt(q.CaseNumber), q.CaseText, nullInt(q.CaseQuestion), q.Fixed, createdAt)
		}
		if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert questions %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func nullID(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
