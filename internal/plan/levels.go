package plan

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/qbank/internal/canon"
)

var (
	levelRe    = regexp.MustCompile(`^(pcem|dcem|p|d)([1-4])$`)
	semesterRe = regexp.MustCompile(`^(s|semestre|semester|sem)?([12])(er|re|ere|eme|e|nd)?$`)
)

// NormalizeLevel maps loose spellings ("pcem 1", "P1", "DCEM-2") onto the
// level tokens PCEM1..PCEM2 and DCEM1..DCEM4.
func NormalizeLevel(s string) (LevelToken, bool) {
	compact := strings.ReplaceAll(canon.Normalize(s), " ", "")
	m := levelRe.FindStringSubmatch(compact)
	if m == nil {
		return LevelToken{}, false
	}
	year, _ := strconv.Atoi(m[2])
	switch m[1] {
	case "pcem", "p":
		if year > 2 {
			return LevelToken{}, false
		}
		return LevelToken{Name: "PCEM" + m[2], Order: year}, true
	default:
		return LevelToken{Name: "DCEM" + m[2], Order: 2 + year}, true
	}
}

// NormalizeSemester maps "S1", "semestre 2", "1er" and similar onto 1 or 2.
func NormalizeSemester(s string) (int, bool) {
	compact := strings.ReplaceAll(canon.Normalize(s), " ", "")
	switch compact {
	case "premier", "first":
		return 1, true
	case "second", "deuxieme":
		return 2, true
	}
	m := semesterRe.FindStringSubmatch(compact)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[2])
	return n, true
}

// SemesterName is the stored name of a semester order.
func SemesterName(order int) string {
	return "S" + strconv.Itoa(order)
}
