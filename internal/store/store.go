// Package store is the SQLite persistence gateway for the question bank.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/qbank/internal/model"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout is how long a connection waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Options tunes the database connection.
type Options struct {
	// BusyTimeout is the max wait for a write lock before SQLITE_BUSY.
	BusyTimeout time.Duration
}

type Store struct {
	db *sql.DB
}

func New(dbPath string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		dbPath, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; also keeps a :memory: database on one connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS semesters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		UNIQUE (level_id, name),
		FOREIGN KEY (level_id) REFERENCES levels(id)
	);

	CREATE TABLE IF NOT EXISTS specialties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		level_id INTEGER,
		semester_id INTEGER,
		FOREIGN KEY (level_id) REFERENCES levels(id),
		FOREIGN KEY (semester_id) REFERENCES semesters(id)
	);

	CREATE TABLE IF NOT EXISTS lectures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		specialty_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		UNIQUE (specialty_id, title),
		FOREIGN KEY (specialty_id) REFERENCES specialties(id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lecture_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		number INTEGER,
		session TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answers TEXT NOT NULL DEFAULT '[]',
		answer_text TEXT NOT NULL DEFAULT '',
		course_reminder TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		case_number INTEGER,
		case_text TEXT NOT NULL DEFAULT '',
		case_question INTEGER,
		fixed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (lecture_id) REFERENCES lectures(id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_lecture_text ON questions(lecture_id, text);

	CREATE TABLE IF NOT EXISTS ai_jobs (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT '[]',
		stats TEXT NOT NULL DEFAULT '{}',
		artifact BLOB,
		created_at DATETIME NOT NULL,
		last_updated DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imports (
		session_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL,
		imported INTEGER NOT NULL DEFAULT 0,
		imported_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_imports_hash ON imports(file_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

const questionColumns = `id, lecture_id, kind, number, session, text, options, correct_answers,
	answer_text, course_reminder, explanation, media_url, case_number, case_text, case_question,
	fixed, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(sc rowScanner) (model.Question, error) {
	var (
		q                             model.Question
		number, caseNum, caseQuestion sql.NullInt64
		options, answers              string
	)
	err := sc.Scan(&q.ID, &q.LectureID, &q.Kind, &number, &q.Session, &q.Text, &options, &answers,
		&q.AnswerText, &q.CourseReminder, &q.Explanation, &q.MediaURL, &caseNum, &q.CaseText, &caseQuestion,
		&q.Fixed, &q.CreatedAt)
	if err != nil {
		return q, err
	}
	q.Number = intPtr(number)
	q.CaseNumber = intPtr(caseNum)
	q.CaseQuestion = intPtr(caseQuestion)
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return q, fmt.Errorf("question %d options: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(answers), &q.CorrectAnswers); err != nil {
		return q, fmt.Errorf("question %d answers: %w", q.ID, err)
	}
	return q, nil
}

func scanQuestions(rows *sql.Rows) ([]model.Question, error) {
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListQuestions returns the questions of a lecture in insertion order.
func (s *Store) ListQuestions(ctx context.Context, lectureID int64) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE lecture_id = ? ORDER BY id`, lectureID)
	if err != nil {
		return nil, err
	}
	return scanQuestions(rows)
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// FindLecture returns the id of the lecture titled lecture under the
// specialty named specialty. ok is false when either does not exist.
func (s *Store) FindLecture(ctx context.Context, specialty, lecture string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT l.id FROM lectures l
		 JOIN specialties s ON s.id = l.specialty_id
		 WHERE s.name = ? AND l.title = ?`, specialty, lecture,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ExistingQuestions returns the questions of a lecture whose text exactly
// matches one of texts. Callers bound len(texts).
func (s *Store) ExistingQuestions(ctx context.Context, lectureID int64, texts []string) ([]model.Question, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(texts)+1)
	args = append(args, lectureID)
	for _, t := range texts {
		args = append(args, t)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE lecture_id = ? AND text IN (`+placeholders(len(texts))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanQuestions(rows)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
