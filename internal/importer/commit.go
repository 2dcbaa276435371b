package importer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pavelanni/qbank/internal/model"
	"github.com/pavelanni/qbank/internal/plan"
)

// DefaultInsertChunk is the number of questions inserted between progress
// reports.
const DefaultInsertChunk = 1000

// Gateway is the transactional side of the persistence layer. Every call
// runs inside the same transaction.
type Gateway interface {
	ResolveLevel(ctx context.Context, name string, order int) (int64, bool, error)
	ResolveSemester(ctx context.Context, levelID int64, name string, order int) (int64, bool, error)
	ResolveSpecialty(ctx context.Context, name string, levelID, semesterID *int64) (int64, bool, error)
	ResolveLecture(ctx context.Context, specialtyID int64, title string) (int64, bool, error)
	InsertQuestions(ctx context.Context, questions []model.Question) error
}

// Commit resolves or creates the hierarchy of p and inserts its questions,
// grouped by lecture and chunked. progress receives the inserted count after
// each chunk. Any error leaves the caller to roll back.
func Commit(ctx context.Context, gw Gateway, p *plan.Plan, chunk int, progress func(done, total int)) (model.ImportStats, error) {
	if chunk <= 0 {
		chunk = DefaultInsertChunk
	}
	if progress == nil {
		progress = func(int, int) {}
	}
	var stats model.ImportStats

	levelIDs := make(map[string]int64, len(p.Levels))
	for _, l := range p.Levels {
		id, created, err := gw.ResolveLevel(ctx, l.Name, l.Order)
		if err != nil {
			return stats, fmt.Errorf("level %q: %w", l.Name, err)
		}
		levelIDs[l.Name] = id
		if created {
			stats.LevelsCreated++
		}
	}

	semesterIDs := make(map[string]int64, len(p.Semesters))
	for _, s := range p.Semesters {
		levelID, ok := levelIDs[s.Level]
		if !ok {
			return stats, fmt.Errorf("semester %q: unknown level %q", s.Name, s.Level)
		}
		id, created, err := gw.ResolveSemester(ctx, levelID, s.Name, s.Order)
		if err != nil {
			return stats, fmt.Errorf("semester %s/%s: %w", s.Level, s.Name, err)
		}
		semesterIDs[semesterKey(s.Level, s.Order)] = id
		if created {
			stats.SemestersCreated++
		}
	}

	// A specialty takes its level and semester from the first row naming it.
	firstRow := make(map[string]model.PlannedQuestion, len(p.Specialties))
	for _, q := range p.Questions {
		if _, ok := firstRow[q.SpecialtyName]; !ok {
			firstRow[q.SpecialtyName] = q
		}
	}

	lectureIDs := make(map[string]int64)
	for _, name := range p.Specialties {
		var levelID, semesterID *int64
		if q, ok := firstRow[name]; ok && q.LevelName != "" {
			if id, ok := levelIDs[q.LevelName]; ok {
				levelID = &id
			}
			if id, ok := semesterIDs[semesterKey(q.LevelName, q.SemesterOrder)]; ok && q.SemesterOrder > 0 {
				semesterID = &id
			}
		}
		specID, created, err := gw.ResolveSpecialty(ctx, name, levelID, semesterID)
		if err != nil {
			return stats, fmt.Errorf("specialty %q: %w", name, err)
		}
		if created {
			stats.SpecialtiesCreated++
		}

		for _, title := range p.Lectures[name] {
			id, created, err := gw.ResolveLecture(ctx, specID, title)
			if err != nil {
				return stats, fmt.Errorf("lecture %q/%q: %w", name, title, err)
			}
			lectureIDs[lectureKey(name, title)] = id
			if created {
				stats.LecturesCreated++
			}
		}
	}

	// Group by lecture, keeping file order inside each group.
	var order []int64
	groups := make(map[int64][]model.Question)
	cases := make(map[string]bool)
	for _, q := range p.Questions {
		id, ok := lectureIDs[lectureKey(q.SpecialtyName, q.LectureTitle)]
		if !ok {
			return stats, fmt.Errorf("sheet %q row %d: lecture %q was not resolved", q.Sheet, q.Row, q.LectureTitle)
		}
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], toQuestion(id, q))

		if q.Kind.IsClinical() && q.CaseNumber != nil {
			cases[q.Sheet+"\x00"+q.SpecialtyName+"\x00"+q.LectureTitle+"\x00"+strconv.Itoa(*q.CaseNumber)] = true
		}
		if q.InlineImage {
			stats.InlineImages++
		}
		if q.Fixed {
			stats.Fixed++
		}
	}
	stats.ClinicalCases = len(cases)

	total := len(p.Questions)
	buf := make([]model.Question, 0, min(chunk, total))
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := gw.InsertQuestions(ctx, buf); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
		stats.Imported += len(buf)
		buf = buf[:0]
		progress(stats.Imported, total)
		return nil
	}
	for _, id := range order {
		for _, q := range groups[id] {
			buf = append(buf, q)
			if len(buf) == chunk {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
		// Chunks never span two lectures.
		if err := flush(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func toQuestion(lectureID int64, q model.PlannedQuestion) model.Question {
	return model.Question{
		LectureID:      lectureID,
		Kind:           q.Kind,
		Number:         q.Number,
		Session:        q.Session,
		Text:           q.Text,
		Options:        q.Options,
		CorrectAnswers: q.CorrectAnswers,
		AnswerText:     q.AnswerText,
		CourseReminder: q.CourseReminder,
		Explanation:    q.Explanation,
		MediaURL:       q.MediaURL,
		CaseNumber:     q.CaseNumber,
		CaseText:       q.CaseText,
		CaseQuestion:   q.CaseQuestion,
		Fixed:          q.Fixed,
	}
}

func lectureKey(specialty, title string) string {
	return specialty + "\x00" + title
}

func semesterKey(level string, order int) string {
	return level + "/" + strconv.Itoa(order)
}
