// Package canon maps loosely written sheet names and column headers onto a
// fixed vocabulary. Every function here is pure.
package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/qbank/internal/model"
)

// Canonical header keys.
const (
	KeySpecialty    = "matiere"
	KeyLecture      = "cours"
	KeyNumber       = "question n"
	KeyText         = "texte de la question"
	KeyCaseNumber   = "cas n"
	KeyCaseText     = "texte du cas"
	KeyCaseQuestion = "question cas n"
	KeySession      = "source"
	KeyOptionA      = "option a"
	KeyOptionB      = "option b"
	KeyOptionC      = "option c"
	KeyOptionD      = "option d"
	KeyOptionE      = "option e"
	KeyAnswer       = "reponse"
	KeyReminder     = "rappel du cours"
	KeyExplanation  = "explication"
	KeyLevel        = "niveau"
	KeySemester     = "semestre"
	KeyImage        = "image"
)

// OptionKeys lists the lettered option columns in order.
var OptionKeys = []string{KeyOptionA, KeyOptionB, KeyOptionC, KeyOptionD, KeyOptionE}

var headerAliases = map[string]string{
	"matiere":               KeySpecialty,
	"matieres":              KeySpecialty,
	"specialite":            KeySpecialty,
	"specialty":             KeySpecialty,
	"module":                KeySpecialty,
	"unite":                 KeySpecialty,
	"cours":                 KeyLecture,
	"lecon":                 KeyLecture,
	"chapitre":              KeyLecture,
	"lecture":               KeyLecture,
	"titre du cours":        KeyLecture,
	"question n":            KeyNumber,
	"question no":           KeyNumber,
	"question num":          KeyNumber,
	"question numero":       KeyNumber,
	"numero de la question": KeyNumber,
	"numero":                KeyNumber,
	"n question":            KeyNumber,
	"texte de la question":  KeyText,
	"texte question":        KeyText,
	"question":              KeyText,
	"enonce":                KeyText,
	"question text":         KeyText,
	"cas n":                 KeyCaseNumber,
	"cas no":                KeyCaseNumber,
	"numero du cas":         KeyCaseNumber,
	"case n":                KeyCaseNumber,
	"texte du cas":          KeyCaseText,
	"texte cas":             KeyCaseText,
	"cas clinique":          KeyCaseText,
	"enonce du cas":         KeyCaseText,
	"case text":             KeyCaseText,
	"question cas n":        KeyCaseQuestion,
	"question du cas n":     KeyCaseQuestion,
	"n question cas":        KeyCaseQuestion,
	"source":                KeySession,
	"session":               KeySession,
	"examen":                KeySession,
	"option a":              KeyOptionA,
	"option b":              KeyOptionB,
	"option c":              KeyOptionC,
	"option d":              KeyOptionD,
	"option e":              KeyOptionE,
	"proposition a":         KeyOptionA,
	"proposition b":         KeyOptionB,
	"proposition c":         KeyOptionC,
	"proposition d":         KeyOptionD,
	"proposition e":         KeyOptionE,
	"choix a":               KeyOptionA,
	"choix b":               KeyOptionB,
	"choix c":               KeyOptionC,
	"choix d":               KeyOptionD,
	"choix e":               KeyOptionE,
	"a":                     KeyOptionA,
	"b":                     KeyOptionB,
	"c":                     KeyOptionC,
	"d":                     KeyOptionD,
	"e":                     KeyOptionE,
	"reponse":               KeyAnswer,
	"reponses":              KeyAnswer,
	"reponse s":             KeyAnswer,
	"bonne reponse":         KeyAnswer,
	"bonnes reponses":       KeyAnswer,
	"reponse correcte":      KeyAnswer,
	"reponses correctes":    KeyAnswer,
	"answer":                KeyAnswer,
	"rappel du cours":       KeyReminder,
	"rappel de cours":       KeyReminder,
	"rappel":                KeyReminder,
	"explication":           KeyExplanation,
	"explications":          KeyExplanation,
	"explanation":           KeyExplanation,
	"niveau":                KeyLevel,
	"level":                 KeyLevel,
	"annee":                 KeyLevel,
	"semestre":              KeySemester,
	"semester":              KeySemester,
	"sem":                   KeySemester,
	"image":                 KeyImage,
	"images":                KeyImage,
	"media":                 KeyImage,
	"image url":             KeyImage,
	"lien image":            KeyImage,
}

var sheetAliases = map[string]model.SheetKind{
	"qcm":                  model.KindMCQ,
	"qcms":                 model.KindMCQ,
	"mcq":                  model.KindMCQ,
	"qroc":                 model.KindQROC,
	"qrocs":                model.KindQROC,
	"qroc s":               model.KindQROC,
	"cas qcm":              model.KindClinicalMCQ,
	"cas qcms":             model.KindClinicalMCQ,
	"cas clinique qcm":     model.KindClinicalMCQ,
	"cas cliniques qcm":    model.KindClinicalMCQ,
	"cas clinique qcms":    model.KindClinicalMCQ,
	"qcm cas clinique":     model.KindClinicalMCQ,
	"clinical mcq":         model.KindClinicalMCQ,
	"cas qroc":             model.KindClinicalQROC,
	"cas qrocs":            model.KindClinicalQROC,
	"cas clinique qroc":    model.KindClinicalQROC,
	"cas cliniques qroc":   model.KindClinicalQROC,
	"cas clinique qrocs":   model.KindClinicalQROC,
	"qroc cas clinique":    model.KindClinicalQROC,
	"clinical qroc":        model.KindClinicalQROC,
	"cas cliniques qroc s": model.KindClinicalQROC,
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases s, strips diacritics, turns punctuation into spaces
// and collapses whitespace.
func Normalize(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	var sb strings.Builder
	sb.Grow(len(out))
	for _, r := range out {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// CanonicalizeHeader maps a raw header to its canonical key. Unknown headers
// are returned trimmed but otherwise verbatim.
func CanonicalizeHeader(raw string) string {
	if key, ok := headerAliases[Normalize(raw)]; ok {
		return key
	}
	return strings.TrimSpace(raw)
}

// ResolveSheetKind maps a sheet name to a canonical kind.
func ResolveSheetKind(name string) (model.SheetKind, bool) {
	kind, ok := sheetAliases[Normalize(name)]
	if !ok {
		return "", false
	}
	return kind, true
}

// NormalizeText folds text for content comparison: diacritics and case are
// ignored and whitespace collapsed, punctuation is kept.
func NormalizeText(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// OptionLetter returns the letter of the i-th option column (0 → "A").
func OptionLetter(i int) string {
	return string(rune('A' + i))
}
