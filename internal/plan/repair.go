package plan

import (
	"strconv"
	"strings"

	"github.com/pavelanni/qbank/internal/model"
)

// RepairItems builds one BatchItem per question queued for repair. Item ids
// are the question's index in p.Questions.
func RepairItems(p *Plan) []model.BatchItem {
	items := make([]model.BatchItem, 0, len(p.Repairs))
	for _, idx := range p.Repairs {
		q := p.Questions[idx]
		text := q.Text
		if q.CaseText != "" && q.CaseText != q.Text {
			text = q.CaseText + "\n\n" + q.Text
		}
		items = append(items, model.BatchItem{
			ID:                strconv.Itoa(idx),
			Kind:              q.Kind,
			QuestionText:      text,
			Options:           append([]string(nil), q.Options...),
			OptionLetters:     append([]string(nil), q.OptionLetters...),
			ProvidedAnswerRaw: q.AnswerRaw,
			CourseReminder:    q.CourseReminder,
		})
	}
	return items
}

// ApplyCorrections merges results into the repaired questions and marks them
// fixed. A result that still leaves a question unusable is recorded as a row
// error.
func ApplyCorrections(p *Plan, results []model.CorrectionResult) {
	byID := make(map[string]model.CorrectionResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	for _, idx := range p.Repairs {
		q := &p.Questions[idx]
		res, ok := byID[strconv.Itoa(idx)]
		if !ok || res.Status != model.StatusOK {
			p.Errors = append(p.Errors, model.RowError{Sheet: q.Sheet, Row: q.Row, Message: "no correction available"})
			continue
		}

		if t := strings.TrimSpace(res.FixedText); t != "" && q.CaseText == "" {
			q.Text = t
		}
		if q.Explanation == "" {
			q.Explanation = strings.TrimSpace(res.GlobalExplanation)
		}

		if q.Kind.IsMCQ() {
			if len(res.FixedOptions) > 0 {
				q.Options = append([]string(nil), res.FixedOptions...)
				q.OptionLetters = nil
			}
			var answers []int
			for _, a := range res.CorrectAnswers {
				if a >= 0 && a < len(q.Options) {
					answers = append(answers, a)
				}
			}
			if len(q.Options) == 0 || len(answers) == 0 {
				p.Errors = append(p.Errors, model.RowError{Sheet: q.Sheet, Row: q.Row, Message: "correction left mcq without options or answers"})
				continue
			}
			q.CorrectAnswers = answers
		} else {
			q.AnswerText = strings.TrimSpace(res.FixedAnswer)
			if q.AnswerText == "" {
				p.Errors = append(p.Errors, model.RowError{Sheet: q.Sheet, Row: q.Row, Message: "correction left qroc without answer"})
				continue
			}
		}
		q.Fixed = true
	}
}
