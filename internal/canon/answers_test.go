package canon

import (
	"slices"
	"testing"
)

func TestStripAnswerPrefix(t *testing.T) {
	tests := map[string]string{
		"  Réponse: Foo  ": "Foo",
		"réponse : Foo":    "Foo",
		"REPONSES- a, b":   "a, b",
		"Answer: 42":       "42",
		"Réponse :":        "",
		"Repos strict":     "Repos strict",
		"Foo":              "Foo",
		"   ":              "",
	}
	for in, want := range tests {
		if got := StripAnswerPrefix(in); got != want {
			t.Errorf("StripAnswerPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAnswerLetters(t *testing.T) {
	tests := []struct {
		in      string
		letters []string
		bad     []string
	}{
		{"A, C", []string{"A", "C"}, nil},
		{"acd", []string{"A", "C", "D"}, nil},
		{"A et C", []string{"A", "C"}, nil},
		{"B ou D.", []string{"B", "D"}, nil},
		{"A, F", []string{"A"}, []string{"F"}},
		{"Aucune", nil, []string{"AUCUNE"}},
		{"", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			letters, bad := AnswerLetters(tt.in)
			if !slices.Equal(letters, tt.letters) {
				t.Errorf("letters = %v, want %v", letters, tt.letters)
			}
			if !slices.Equal(bad, tt.bad) {
				t.Errorf("bad = %v, want %v", bad, tt.bad)
			}
		})
	}
}
