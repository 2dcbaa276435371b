package model

import (
	"time"
)

// SheetKind is the canonical kind of a workbook sheet.
type SheetKind string

const (
	// KindMCQ is a plain multiple-choice sheet.
	KindMCQ SheetKind = "qcm"
	// KindQROC is a plain open-answer sheet.
	KindQROC SheetKind = "qroc"
	// KindClinicalMCQ is a multiple-choice sheet grouped by clinical case.
	KindClinicalMCQ SheetKind = "cas_qcm"
	// KindClinicalQROC is an open-answer sheet grouped by clinical case.
	KindClinicalQROC SheetKind = "cas_qroc"
)

// SheetKinds lists the canonical kinds in processing order.
var SheetKinds = []SheetKind{KindMCQ, KindQROC, KindClinicalMCQ, KindClinicalQROC}

// IsMCQ reports whether questions of this kind carry lettered options.
func (k SheetKind) IsMCQ() bool {
	return k == KindMCQ || k == KindClinicalMCQ
}

// IsClinical reports whether questions of this kind belong to a clinical case.
func (k SheetKind) IsClinical() bool {
	return k == KindClinicalMCQ || k == KindClinicalQROC
}

// CanonicalRow is one data row keyed by canonical header, in column order.
type CanonicalRow struct {
	keys   []string
	values map[string]string
}

// NewCanonicalRow returns an empty row.
func NewCanonicalRow() CanonicalRow {
	return CanonicalRow{values: make(map[string]string)}
}

// Set stores a value. A key set twice keeps its first position and the
// first non-blank value.
func (r *CanonicalRow) Set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	old, ok := r.values[key]
	if !ok {
		r.keys = append(r.keys, key)
		r.values[key] = value
		return
	}
	if old == "" {
		r.values[key] = value
	}
}

// Get returns the value for key, or "" when absent.
func (r CanonicalRow) Get(key string) string {
	return r.values[key]
}

// Keys returns the keys in column order.
func (r CanonicalRow) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of keys.
func (r CanonicalRow) Len() int {
	return len(r.keys)
}

// RawRow is a canonicalized data row together with its origin.
type RawRow struct {
	Kind  SheetKind
	Sheet string
	Index int // 1-based spreadsheet row number
	Row   CanonicalRow
}

// PlannedQuestion is a validated row ready for duplicate checks and commit.
type PlannedQuestion struct {
	Kind           SheetKind
	Sheet          string
	Row            int
	SpecialtyName  string
	LectureTitle   string
	LevelName      string
	SemesterOrder  int // 0 when absent
	Text           string
	Options        []string // mcq kinds only
	OptionLetters  []string // sheet letter of each entry in Options
	CorrectAnswers []int    // mcq kinds only
	AnswerText     string   // qroc kinds only
	AnswerRaw      string
	CourseReminder string
	Explanation    string
	Number         *int
	Session        string
	MediaURL       string
	CaseNumber     *int
	CaseText       string
	CaseQuestion   *int
	InlineImage    bool
	Fixed          bool
}

// Level is the top of the content hierarchy.
type Level struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// Semester belongs to a level.
type Semester struct {
	ID      int64  `json:"id"`
	LevelID int64  `json:"level_id"`
	Name    string `json:"name"`
	Order   int    `json:"order"`
}

// Specialty optionally belongs to a level and semester.
type Specialty struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	LevelID    *int64 `json:"level_id,omitempty"`
	SemesterID *int64 `json:"semester_id,omitempty"`
}

// Lecture belongs to a specialty.
type Lecture struct {
	ID          int64  `json:"id"`
	SpecialtyID int64  `json:"specialty_id"`
	Title       string `json:"title"`
}

// Question is a persisted question.
type Question struct {
	ID             int64     `json:"id"`
	LectureID      int64     `json:"lecture_id"`
	Kind           SheetKind `json:"kind"`
	Number         *int      `json:"number,omitempty"`
	Session        string    `json:"session,omitempty"`
	Text           string    `json:"text"`
	Options        []string  `json:"options,omitempty"`
	CorrectAnswers []int     `json:"correct_answers,omitempty"`
	AnswerText     string    `json:"answer_text,omitempty"`
	CourseReminder string    `json:"course_reminder,omitempty"`
	Explanation    string    `json:"explanation,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	CaseNumber     *int      `json:"case_number,omitempty"`
	CaseText       string    `json:"case_text,omitempty"`
	CaseQuestion   *int      `json:"case_question_number,omitempty"`
	Fixed          bool      `json:"fixed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Phase is the lifecycle phase of an import session or AI job.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseImporting  Phase = "importing"
	PhaseQueued     Phase = "queued"
	PhaseRunning    Phase = "running"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// Terminal reports whether no further transitions follow this phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// ImportStats summarizes an import session.
type ImportStats struct {
	RowsSeen           int `json:"rows_seen"`
	Planned            int `json:"planned"`
	Imported           int `json:"imported"`
	LevelsCreated      int `json:"levels_created"`
	SemestersCreated   int `json:"semesters_created"`
	SpecialtiesCreated int `json:"specialties_created"`
	LecturesCreated    int `json:"lectures_created"`
	ClinicalCases      int `json:"clinical_cases"`
	InlineImages       int `json:"inline_images"`
	Fixed              int `json:"fixed"`
}

// JobStats summarizes an AI correction job.
type JobStats struct {
	TotalRows        int `json:"total_rows"`
	MCQRows          int `json:"mcq_rows"`
	ProcessedBatches int `json:"processed_batches"`
	TotalBatches     int `json:"total_batches"`
	FixedCount       int `json:"fixed_count"`
	ErrorCount       int `json:"error_count"`
}

// BatchItem is one row submitted to the completion service.
type BatchItem struct {
	ID           string    `json:"id"`
	Kind         SheetKind `json:"kind"`
	QuestionText string    `json:"question"`
	Options      []string  `json:"options,omitempty"`
	// OptionLetters holds the sheet letter of each option when blank option
	// cells were skipped.
	OptionLetters     []string `json:"option_letters,omitempty"`
	ProvidedAnswerRaw string   `json:"provided_answer,omitempty"`
	CourseReminder    string   `json:"course_reminder,omitempty"`
}

// ResultStatus is the outcome of one correction.
type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// ResultSource records which recovery step produced a result.
type ResultSource string

const (
	SourceBatch    ResultSource = "batch"
	SourceForceFix ResultSource = "force_fix"
	SourceFallback ResultSource = "fallback"
)

// CorrectionResult is the completion service's verdict for one BatchItem.
type CorrectionResult struct {
	ID                 string       `json:"id"`
	Status             ResultStatus `json:"status"`
	FixedText          string       `json:"fixed_text,omitempty"`
	FixedOptions       []string     `json:"fixed_options,omitempty"`
	CorrectAnswers     []int        `json:"correct_answers,omitempty"`
	FixedAnswer        string       `json:"fixed_answer,omitempty"`
	OptionExplanations []string     `json:"option_explanations,omitempty"`
	GlobalExplanation  string       `json:"global_explanation,omitempty"`
	Error              string       `json:"error,omitempty"`
	Source             ResultSource `json:"-"`
}
