package correct

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pavelanni/qbank/internal/model"
)

// answerIndex accepts 0, "0" or "A" for the first option.
type answerIndex int

func (a *answerIndex) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*a = answerIndex(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("answer index %s: %w", b, err)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		*a = answerIndex(n)
		return nil
	}
	if len(s) == 1 {
		c := strings.ToUpper(s)[0]
		if c >= 'A' && c <= 'Z' {
			*a = answerIndex(c - 'A')
			return nil
		}
	}
	return fmt.Errorf("answer index %q", s)
}

type wireResult struct {
	ID                 json.RawMessage `json:"id"`
	Status             string          `json:"status"`
	FixedText          string          `json:"fixed_text"`
	FixedOptions       []string        `json:"fixed_options"`
	CorrectAnswers     []answerIndex   `json:"correct_answers"`
	FixedAnswer        string          `json:"fixed_answer"`
	OptionExplanations []string        `json:"option_explanations"`
	GlobalExplanation  string          `json:"global_explanation"`
	Error              string          `json:"error"`
}

func (w wireResult) result() model.CorrectionResult {
	r := model.CorrectionResult{
		ID:                 rawID(w.ID),
		Status:             model.ResultStatus(strings.ToLower(strings.TrimSpace(w.Status))),
		FixedText:          w.FixedText,
		FixedOptions:       w.FixedOptions,
		FixedAnswer:        w.FixedAnswer,
		OptionExplanations: w.OptionExplanations,
		GlobalExplanation:  w.GlobalExplanation,
		Error:              w.Error,
	}
	if r.Status == "" {
		r.Status = model.StatusOK
	}
	for _, a := range w.CorrectAnswers {
		r.CorrectAnswers = append(r.CorrectAnswers, int(a))
	}
	return r
}

// rawID accepts ids sent back as strings or numbers.
func rawID(b json.RawMessage) string {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(b))
}

// ErrUnparseable is returned when no JSON payload could be recovered.
var ErrUnparseable = errors.New("unparseable completion")

// ParseResults decodes a completion into results. It accepts
// {"results": [...]}, a bare array or a single result object, and falls back
// to the JSON found between the first opening and last closing bracket when
// the model wrapped its answer in prose.
func ParseResults(raw string) ([]model.CorrectionResult, error) {
	if res, err := parseStrict([]byte(strings.TrimSpace(raw))); err == nil {
		return res, nil
	}
	if salvaged, ok := salvage(raw); ok {
		if res, err := parseStrict([]byte(salvaged)); err == nil {
			return res, nil
		}
	}
	return nil, ErrUnparseable
}

func parseStrict(b []byte) ([]model.CorrectionResult, error) {
	if len(b) == 0 {
		return nil, ErrUnparseable
	}
	var wire []wireResult
	switch b[0] {
	case '[':
		if err := json.Unmarshal(b, &wire); err != nil {
			return nil, err
		}
	case '{':
		var env struct {
			Results []wireResult `json:"results"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		wire = env.Results
		if wire == nil {
			var single wireResult
			if err := json.Unmarshal(b, &single); err != nil {
				return nil, err
			}
			if len(single.ID) == 0 {
				return nil, ErrUnparseable
			}
			wire = []wireResult{single}
		}
	default:
		return nil, ErrUnparseable
	}

	out := make([]model.CorrectionResult, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.result())
	}
	return out, nil
}

func salvage(raw string) (string, bool) {
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if raw[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(raw, closer)
	if end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
