// Package plan turns canonical rows into validated planned questions and
// collects the hierarchy names the commit will need.
package plan

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/qbank/internal/canon"
	"github.com/pavelanni/qbank/internal/model"
)

// Options controls Build.
type Options struct {
	// AIRepair queues rows with missing options/answers for correction
	// instead of rejecting them.
	AIRepair bool
	// Cancelled is polled between rows.
	Cancelled func() bool
}

// LevelToken is a normalized level hint.
type LevelToken struct {
	Name  string
	Order int
}

// SemesterToken is a normalized semester hint under a level.
type SemesterToken struct {
	Level string
	Name  string
	Order int
}

// Plan is the output of Build.
type Plan struct {
	Questions []model.PlannedQuestion
	// Specialties in first-seen order.
	Specialties []string
	// Lectures maps a specialty to its lecture titles in first-seen order.
	Lectures  map[string][]string
	Levels    []LevelToken
	Semesters []SemesterToken
	// Repairs holds indexes into Questions that need AI correction.
	Repairs  []int
	Errors   []model.RowError
	Warnings []string
}

// Err returns a *model.ValidationError when any row failed.
func (p *Plan) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	return &model.ValidationError{Rows: p.Errors}
}

type sheetState struct {
	specialty string
	lecture   string
	caseNum   *int
	caseText  string
}

// Build validates every row. It never stops at the first bad row so that all
// problems are reported together.
func Build(ctx context.Context, rows []model.RawRow, opts Options) (*Plan, error) {
	p := &Plan{Lectures: make(map[string][]string)}
	states := make(map[string]*sheetState)
	seenSpecialty := make(map[string]bool)
	seenLecture := make(map[string]map[string]bool)
	seenLevel := make(map[string]bool)
	seenSemester := make(map[string]bool)

	for i, raw := range rows {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if opts.Cancelled != nil && opts.Cancelled() {
			return nil, model.ErrCancelled
		}

		st := states[raw.Sheet]
		if st == nil {
			st = &sheetState{}
			states[raw.Sheet] = st
		}

		q, needsRepair, errs := planRow(raw, st, opts.AIRepair)
		if len(errs) > 0 {
			for _, msg := range errs {
				p.Errors = append(p.Errors, model.RowError{Sheet: raw.Sheet, Row: raw.Index, Message: msg})
			}
			continue
		}

		if lvl := raw.Row.Get(canon.KeyLevel); lvl != "" {
			tok, ok := NormalizeLevel(lvl)
			if !ok {
				p.Warnings = append(p.Warnings, model.RowError{Sheet: raw.Sheet, Row: raw.Index, Message: "unrecognized level " + strconv.Quote(lvl) + " ignored"}.Error())
			} else {
				q.LevelName = tok.Name
				if !seenLevel[tok.Name] {
					seenLevel[tok.Name] = true
					p.Levels = append(p.Levels, tok)
				}
			}
		}
		if sem := raw.Row.Get(canon.KeySemester); sem != "" && q.LevelName != "" {
			order, ok := NormalizeSemester(sem)
			if !ok {
				p.Warnings = append(p.Warnings, model.RowError{Sheet: raw.Sheet, Row: raw.Index, Message: "unrecognized semester " + strconv.Quote(sem) + " ignored"}.Error())
			} else {
				q.SemesterOrder = order
				key := q.LevelName + "/" + strconv.Itoa(order)
				if !seenSemester[key] {
					seenSemester[key] = true
					p.Semesters = append(p.Semesters, SemesterToken{Level: q.LevelName, Name: SemesterName(order), Order: order})
				}
			}
		}

		if !seenSpecialty[q.SpecialtyName] {
			seenSpecialty[q.SpecialtyName] = true
			p.Specialties = append(p.Specialties, q.SpecialtyName)
			seenLecture[q.SpecialtyName] = make(map[string]bool)
		}
		if !seenLecture[q.SpecialtyName][q.LectureTitle] {
			seenLecture[q.SpecialtyName][q.LectureTitle] = true
			p.Lectures[q.SpecialtyName] = append(p.Lectures[q.SpecialtyName], q.LectureTitle)
		}

		if needsRepair {
			p.Repairs = append(p.Repairs, len(p.Questions))
		}
		p.Questions = append(p.Questions, q)
	}
	return p, nil
}

func planRow(raw model.RawRow, st *sheetState, aiRepair bool) (model.PlannedQuestion, bool, []string) {
	r := raw.Row
	var errs []string

	if v := r.Get(canon.KeySpecialty); v != "" {
		st.specialty = v
	}
	if v := r.Get(canon.KeyLecture); v != "" {
		st.lecture = v
	}

	q := model.PlannedQuestion{
		Kind:           raw.Kind,
		Sheet:          raw.Sheet,
		Row:            raw.Index,
		SpecialtyName:  st.specialty,
		LectureTitle:   st.lecture,
		Text:           r.Get(canon.KeyText),
		CourseReminder: r.Get(canon.KeyReminder),
		Explanation:    r.Get(canon.KeyExplanation),
		Session:        r.Get(canon.KeySession),
		MediaURL:       r.Get(canon.KeyImage),
		AnswerRaw:      r.Get(canon.KeyAnswer),
	}
	if q.SpecialtyName == "" {
		errs = append(errs, "missing specialty")
	}
	if q.LectureTitle == "" {
		errs = append(errs, "missing lecture")
	}

	var err error
	if q.Number, err = parseOptionalInt(r.Get(canon.KeyNumber)); err != nil {
		errs = append(errs, "invalid question number "+strconv.Quote(r.Get(canon.KeyNumber)))
	}

	if raw.Kind.IsClinical() {
		caseNum, err := parseOptionalInt(r.Get(canon.KeyCaseNumber))
		if err != nil {
			errs = append(errs, "invalid case number "+strconv.Quote(r.Get(canon.KeyCaseNumber)))
		}
		caseText := r.Get(canon.KeyCaseText)
		switch {
		case caseNum != nil && (st.caseNum == nil || *caseNum != *st.caseNum):
			st.caseNum = caseNum
			st.caseText = caseText
		case caseText != "":
			st.caseText = caseText
		}
		q.CaseNumber = st.caseNum
		q.CaseText = st.caseText
		if q.CaseNumber == nil {
			errs = append(errs, "missing case number")
		}
		if q.CaseQuestion, err = parseOptionalInt(r.Get(canon.KeyCaseQuestion)); err != nil {
			errs = append(errs, "invalid case question number "+strconv.Quote(r.Get(canon.KeyCaseQuestion)))
		}
		if q.Text == "" {
			q.Text = q.CaseText
		}
	}

	q.InlineImage = q.MediaURL != "" || inlineImageRe.MatchString(q.Text)
	if q.Text == "" && q.CaseText == "" && q.MediaURL == "" {
		errs = append(errs, "missing question text")
	}

	needsRepair := false
	if raw.Kind.IsMCQ() {
		for i, key := range canon.OptionKeys {
			if v := r.Get(key); v != "" {
				q.Options = append(q.Options, v)
				q.OptionLetters = append(q.OptionLetters, canon.OptionLetter(i))
			}
		}
		answers, bad := ParseAnswerLetters(r, canon.StripAnswerPrefix(q.AnswerRaw))
		q.CorrectAnswers = answers
		switch {
		case len(q.Options) == 0 && !aiRepair:
			errs = append(errs, "mcq has no options")
		case len(bad) > 0 && !aiRepair:
			errs = append(errs, "invalid answer letters "+strings.Join(bad, ","))
		case len(answers) == 0 && !aiRepair:
			errs = append(errs, "mcq has no valid correct answer")
		case len(q.Options) == 0 || len(bad) > 0 || len(answers) == 0:
			needsRepair = true
		}
	} else {
		q.AnswerText = canon.StripAnswerPrefix(q.AnswerRaw)
		if q.AnswerText == "" {
			if aiRepair {
				needsRepair = true
			} else {
				errs = append(errs, "qroc has no answer")
			}
		}
	}

	return q, needsRepair, errs
}

var inlineImageRe = regexp.MustCompile(`(?i)!\[[^\]]*\]\([^)]+\)|<img\s`)

// ParseAnswerLetters parses an answer cell such as "A, C" or "ACD" into
// indexes over the non-blank options of row. Letters pointing at blank
// options and tokens that are not option letters are returned in bad.
func ParseAnswerLetters(row model.CanonicalRow, raw string) (indexes []int, bad []string) {
	pos := make(map[string]int)
	n := 0
	for i, key := range canon.OptionKeys {
		if row.Get(key) != "" {
			pos[canon.OptionLetter(i)] = n
			n++
		}
	}

	letters, bad := canon.AnswerLetters(raw)
	seen := make(map[int]bool)
	for _, letter := range letters {
		idx, ok := pos[letter]
		if !ok {
			bad = append(bad, letter)
			continue
		}
		if !seen[idx] {
			seen[idx] = true
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	return indexes, bad
}

func parseOptionalInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	// Spreadsheets often store integers as "12.0".
	s = strings.TrimSuffix(s, ".0")
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
