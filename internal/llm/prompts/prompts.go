// Package prompts renders the system prompts sent to the completion service.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	userInstructionsRegex   = regexp.MustCompile(`(?i)</?\s*user-instructions\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxInstructionRunes bounds free-text instructions pasted by users.
const maxInstructionRunes = 2000

// Kind selects a prompt template.
type Kind string

const (
	// Batch corrects a batch of items and may report per-item errors.
	Batch Kind = "batch"
	// ForceFix corrects a single item and must not report an error.
	ForceFix Kind = "force_fix"
	// Enhance rewrites explanations judged too short.
	Enhance Kind = "enhance"
)

var kinds = []Kind{Batch, ForceFix, Enhance}

// Data holds template data.
type Data struct {
	Instructions string
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Kind]*template.Template
)

// Load parses the prompt templates from fsys, or from the embedded defaults
// when fsys is nil. Only the first call has an effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		if fsys == nil {
			fsys = templateFS
		}
		templates = make(map[Kind]*template.Template)
		for _, k := range kinds {
			file := "templates/" + string(k) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(k)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[k] = tmpl
		}
	})
	return loadErr
}

// Build renders the system prompt of the given kind. Instructions are
// sanitized first.
func Build(kind Kind, data Data) (string, error) {
	if err := Load(nil); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[kind]
	if !ok {
		return "", errors.New("invalid prompt kind: " + string(kind))
	}

	data.Instructions = SanitizeInstructions(data.Instructions)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SanitizeInstructions strips tags that could break out of the instruction
// block and truncates overly long input.
func SanitizeInstructions(s string) string {
	s = userInstructionsRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > maxInstructionRunes {
		runes := []rune(s)
		s = string(runes[:maxInstructionRunes]) + "\n[Instructions truncated]"
	}
	return s
}
