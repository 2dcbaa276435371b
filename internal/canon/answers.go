package canon

import (
	"regexp"
	"strings"
)

var answerPrefixRe = regexp.MustCompile(`(?i)^(r[ée]ponses?|r[ée]p|answer)\s*[:\-–]\s*`)

// StripAnswerPrefix trims boilerplate such as "Réponse :" from an answer cell.
func StripAnswerPrefix(s string) string {
	s = strings.TrimSpace(s)
	s = answerPrefixRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Words joining letters in answers such as "A et C".
var answerConjunctions = map[string]bool{"ET": true, "OU": true, "AND": true, "OR": true}

// AnswerLetters splits an answer cell such as "A, C", "ACD" or "A et C" into
// option letters in cell order. A token holding anything other than the
// letters A to E is returned whole in bad.
func AnswerLetters(raw string) (letters, bad []string) {
	tokens := strings.FieldsFunc(strings.ToUpper(raw), func(r rune) bool {
		switch r {
		case ',', ';', '/', '-', '+', '&', '.', ' ', '\t', '\n':
			return true
		}
		return false
	})
	for _, tok := range tokens {
		if answerConjunctions[tok] {
			continue
		}
		if strings.Trim(tok, "ABCDE") != "" {
			bad = append(bad, tok)
			continue
		}
		for _, c := range tok {
			letters = append(letters, string(c))
		}
	}
	return letters, bad
}
