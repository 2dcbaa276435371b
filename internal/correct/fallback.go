package correct

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/qbank/internal/canon"
	"github.com/pavelanni/qbank/internal/model"
)

// ChooseVariant picks an entry of pool from a hash of seed, moving forward
// past entries already in used. When every entry is used it returns the
// hashed entry. The same inputs always give the same output.
func ChooseVariant(seed string, pool []string, used map[string]bool) string {
	if len(pool) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(seed))
	start := int(h.Sum32() % uint32(len(pool)))
	for i := 0; i < len(pool); i++ {
		v := pool[(start+i)%len(pool)]
		if !used[v] {
			return v
		}
	}
	return pool[start]
}

var openers = []string{
	"D'après l'énoncé,",
	"Au vu des propositions,",
	"En se fondant sur le texte de la question,",
	"Par cohérence avec l'énoncé,",
	"À défaut de correction disponible,",
}

// defaultOptions is used for a multiple-choice item that arrived without
// any option.
var defaultOptions = []string{"Vrai", "Faux"}

// Fallback builds a local correction from the item's own content. It never
// fails and always reports status ok. used tracks openers already handed out
// so consecutive fallbacks read differently; it may be nil.
func Fallback(item model.BatchItem, used map[string]bool) model.CorrectionResult {
	opener := ChooseVariant(item.ID+"\x00"+item.QuestionText, openers, used)
	if used != nil {
		used[opener] = true
		if len(used) >= len(openers) {
			clear(used)
		}
	}

	res := model.CorrectionResult{
		ID:     item.ID,
		Status: model.StatusOK,
		Source: model.SourceFallback,
	}

	if item.Kind.IsMCQ() {
		options := item.Options
		letters := item.OptionLetters
		if len(options) == 0 {
			options = defaultOptions
			letters = nil
			res.FixedOptions = append([]string(nil), defaultOptions...)
		}
		if len(letters) != len(options) {
			letters = make([]string, len(options))
			for i := range options {
				letters[i] = canon.OptionLetter(i)
			}
		}
		answers := providedAnswers(item.ProvidedAnswerRaw, letters)
		if len(answers) == 0 {
			answers = []int{longestOption(options)}
		}
		res.CorrectAnswers = answers

		picked := make([]string, len(answers))
		for i, a := range answers {
			picked[i] = fmt.Sprintf("%s (%s)", letters[a], truncate(options[a], 60))
		}
		res.GlobalExplanation = fmt.Sprintf("%s la réponse retenue est %s. Cette correction a été générée automatiquement et doit être vérifiée.",
			opener, strings.Join(picked, ", "))
		return res
	}

	answer := canon.StripAnswerPrefix(item.ProvidedAnswerRaw)
	if answer == "" {
		answer = firstSentence(item.CourseReminder)
	}
	if answer == "" {
		answer = "Voir le cours : " + truncate(strings.TrimSpace(item.QuestionText), 80)
	}
	res.FixedAnswer = answer
	res.GlobalExplanation = fmt.Sprintf("%s la réponse attendue est « %s ». Cette correction a été générée automatiquement et doit être vérifiée.",
		opener, truncate(answer, 120))
	return res
}

// providedAnswers reads the author's answer cell. letters holds the sheet
// letter of each option, so a blank option cell shifts nothing.
func providedAnswers(raw string, letters []string) []int {
	pos := make(map[string]int, len(letters))
	for i, l := range letters {
		pos[l] = i
	}
	found, _ := canon.AnswerLetters(canon.StripAnswerPrefix(raw))
	seen := make(map[int]bool)
	var out []int
	for _, l := range found {
		if idx, ok := pos[l]; ok && !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	slices.Sort(out)
	return out
}

func longestOption(options []string) int {
	best := 0
	for i, o := range options {
		if utf8.RuneCountInString(o) > utf8.RuneCountInString(options[best]) {
			best = i
		}
	}
	return best
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		s = s[:i]
	}
	return truncate(strings.TrimSpace(s), 200)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
