package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/qbank/internal/correct"
	"github.com/pavelanni/qbank/internal/model"
	"github.com/pavelanni/qbank/internal/session"
	"github.com/pavelanni/qbank/internal/sheet/sheettest"
	"github.com/pavelanni/qbank/internal/store"
)

func newTestService(t *testing.T, corrector Corrector) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := session.NewRegistry(session.NewMemoryStore[model.ImportStats](), time.Now)
	return NewService(st, reg, corrector, Config{InsertChunk: 100}, nil), st
}

func questionCount(t *testing.T, st *store.Store) int {
	t.Helper()
	n, err := st.QuestionCount(context.Background())
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	return n
}

func logsContain(logs []string, sub string) bool {
	for _, l := range logs {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestImportReportsInvalidAndDuplicateRowsTogether(t *testing.T) {
	svc, st := newTestService(t, nil)
	data := sheettest.Workbook(t, sheettest.Sheet{Name: "qcm", Rows: [][]string{
		sheettest.MCQHeader,
		{"Cardio", "HTA", "1", "Quel est le seuil ?", "140/90", "120/80", "", "", "", "A", "2023"},
		{"Cardio", "HTA", "1", "Quel est le seuil ?", "140/90", "120/80", "", "", "", "A", "2023"},
		{"Cardio", "HTA", "3", "Question sans choix", "", "", "", "", "", "A", "2023"},
	}})

	snap, err := svc.Import(context.Background(), Upload{Name: "bank.xlsx", Data: data})
	if err == nil {
		t.Fatal("expected import to fail")
	}
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError in %v", err)
	}
	var derr *model.DuplicateError
	if !errors.As(err, &derr) || len(derr.InFile) != 1 {
		t.Errorf("expected one in-file duplicate in %v", err)
	}

	if snap.Phase != model.PhaseComplete || !snap.Failed {
		t.Errorf("phase=%s failed=%v, want complete and failed", snap.Phase, snap.Failed)
	}
	if !logsContain(snap.Logs, "row 3") || !logsContain(snap.Logs, "row 4") {
		t.Errorf("expected rows 3 and 4 in logs, got %q", snap.Logs)
	}
	if n := questionCount(t, st); n != 0 {
		t.Errorf("stored %d questions, want 0", n)
	}
}

func TestImportCommitsHierarchyAndStats(t *testing.T) {
	svc, st := newTestService(t, nil)
	data := sheettest.Workbook(t,
		sheettest.Sheet{Name: "qcm", Rows: [][]string{
			sheettest.MCQHeader,
			{"Cardio", "HTA", "1", "Q1", "a", "b", "", "", "", "A", "2023"},
			{"", "", "2", "Q2 ![schéma](img.png)", "a", "b", "c", "", "", "B, C", "2023"},
		}},
		sheettest.Sheet{Name: "qroc", Rows: [][]string{
			sheettest.QROCHeader,
			{"Cardio", "IC", "1", "Traitement ?", "Diurétiques", "2023"},
		}},
		sheettest.Sheet{Name: "Cas clinique QROC", Rows: [][]string{
			{"Matière", "Cours", "Cas n°", "Texte du cas", "Texte de la question", "Réponse"},
			{"Cardio", "IC", "1", "Patient de 60 ans", "Diagnostic ?", "IC gauche"},
			{"Cardio", "IC", "", "", "Examen ?", "Échographie"},
		}},
	)

	snap, err := svc.Import(context.Background(), Upload{Name: "bank.xlsx", Data: data})
	if err != nil {
		t.Fatalf("Import: %v (logs %q)", err, snap.Logs)
	}
	if snap.Failed || snap.Progress != 100 {
		t.Errorf("failed=%v progress=%d", snap.Failed, snap.Progress)
	}
	want := model.ImportStats{
		RowsSeen:           5,
		Planned:            5,
		Imported:           5,
		SpecialtiesCreated: 1,
		LecturesCreated:    2,
		ClinicalCases:      1,
		InlineImages:       1,
	}
	if snap.Stats != want {
		t.Errorf("stats = %+v, want %+v", snap.Stats, want)
	}
	if n := questionCount(t, st); n != 5 {
		t.Errorf("stored %d questions, want 5", n)
	}

	// The same file again collides with every stored row.
	_, err = svc.Import(context.Background(), Upload{Name: "bank.xlsx", Data: data})
	var derr *model.DuplicateError
	if !errors.As(err, &derr) || len(derr.InStorage) != 5 {
		t.Fatalf("expected 5 storage duplicates, got %v", err)
	}
	if n := questionCount(t, st); n != 5 {
		t.Errorf("stored %d questions after rejected import, want 5", n)
	}
}

func TestImportHonorsCancelBeforeCommit(t *testing.T) {
	svc, st := newTestService(t, nil)
	data := sheettest.Workbook(t, sheettest.Sheet{Name: "qcm", Rows: [][]string{
		sheettest.MCQHeader,
		{"Cardio", "HTA", "1", "Q1", "a", "b", "", "", "", "A", "2023"},
	}})

	snap, err := svc.sessions.Create(Snapshot{Phase: model.PhaseValidating})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, err := svc.sessions.Cancel(snap.ID); !ok || err != nil {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}

	if err := svc.Run(context.Background(), snap.ID, Upload{Name: "bank.xlsx", Data: data}); !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	got, _ := svc.sessions.Get(snap.ID)
	if got.Phase != model.PhaseComplete || !got.Cancelled {
		t.Errorf("phase=%s cancelled=%v", got.Phase, got.Cancelled)
	}
	if n := questionCount(t, st); n != 0 {
		t.Errorf("stored %d questions, want 0", n)
	}
}

// cancelOnImport raises the cancel flag as soon as a session enters the
// importing phase, from inside the worker's own update.
type cancelOnImport struct {
	session.Store[model.ImportStats]
}

func (c cancelOnImport) Update(id string, fn func(*Snapshot)) (Snapshot, error) {
	return c.Store.Update(id, func(s *Snapshot) {
		fn(s)
		if s.Phase == model.PhaseImporting {
			s.Cancelled = true
		}
	})
}

func TestImportIgnoresCancelDuringCommit(t *testing.T) {
	st, err := store.New(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := session.NewRegistry[model.ImportStats](cancelOnImport{session.NewMemoryStore[model.ImportStats]()}, time.Now)
	svc := NewService(st, reg, nil, Config{InsertChunk: 100}, nil)

	rows := [][]string{sheettest.MCQHeader}
	for i := range 250 {
		rows = append(rows, []string{"Cardio", "HTA", fmt.Sprint(i + 1), fmt.Sprintf("Question %d", i), "a", "b", "", "", "", "A", "2023"})
	}
	data := sheettest.Workbook(t, sheettest.Sheet{Name: "qcm", Rows: rows})

	snap, err := svc.Import(context.Background(), Upload{Name: "big.xlsx", Data: data})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !snap.Cancelled {
		t.Fatal("expected the cancel flag to be set during commit")
	}
	if snap.Phase != model.PhaseComplete || snap.Failed || snap.Progress != 100 {
		t.Errorf("phase=%s failed=%v progress=%d, want complete, not failed, 100", snap.Phase, snap.Failed, snap.Progress)
	}
	if snap.Stats.Imported != 250 {
		t.Errorf("imported %d, want 250", snap.Stats.Imported)
	}
	if n := questionCount(t, st); n != 250 {
		t.Errorf("stored %d questions, want 250", n)
	}
}

type unreachable struct{ calls atomic.Int32 }

func (u *unreachable) Complete(context.Context, string, string) (string, error) {
	u.calls.Add(1)
	return "", errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func TestImportRepairsWithFallbackWhenServiceUnreachable(t *testing.T) {
	llm := &unreachable{}
	orch := correct.New(llm, correct.Options{Fast: true, Retry: &correct.RetryPolicy{Retryable: correct.IsTransient}})
	svc, st := newTestService(t, orch)
	data := sheettest.Workbook(t, sheettest.Sheet{Name: "qroc", Rows: [][]string{
		{"Matière", "Cours", "Question n°", "Texte de la question", "Réponse", "Rappel du cours"},
		{"Cardio", "HTA", "1", "Traitement de première intention ?", "", "Les IEC sont le premier choix. Ils sont bien tolérés."},
	}})

	snap, err := svc.Import(context.Background(), Upload{Name: "bank.xlsx", Data: data, AIRepair: true})
	if err != nil {
		t.Fatalf("Import: %v (logs %q)", err, snap.Logs)
	}
	if llm.calls.Load() == 0 {
		t.Error("expected the completion service to be tried")
	}
	if snap.Stats.Fixed != 1 {
		t.Errorf("fixed = %d, want 1", snap.Stats.Fixed)
	}

	var lectureID int64
	if lectureID, _, err = st.FindLecture(context.Background(), "Cardio", "HTA"); err != nil {
		t.Fatalf("FindLecture: %v", err)
	}
	qs, err := st.ListQuestions(context.Background(), lectureID)
	if err != nil || len(qs) != 1 {
		t.Fatalf("ListQuestions: %v, %d rows", err, len(qs))
	}
	if !qs[0].Fixed || qs[0].AnswerText != "Les IEC sont le premier choix" {
		t.Errorf("stored question fixed=%v answer=%q", qs[0].Fixed, qs[0].AnswerText)
	}
}

func TestSubmitRunsInBackground(t *testing.T) {
	svc, st := newTestService(t, nil)
	data := sheettest.Workbook(t, sheettest.Sheet{Name: "qcm", Rows: [][]string{
		sheettest.MCQHeader,
		{"Cardio", "HTA", "1", "Q1", "a", "b", "", "", "", "A", "2023"},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := svc.Submit(ctx, Upload{Name: "bank.xlsx", Data: data})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The request going away must not stop the import.
	cancel()
	svc.Wait()

	snap, err := svc.sessions.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Phase != model.PhaseComplete || snap.Failed {
		t.Errorf("phase=%s failed=%v logs=%q", snap.Phase, snap.Failed, snap.Logs)
	}
	if n := questionCount(t, st); n != 1 {
		t.Errorf("stored %d questions, want 1", n)
	}
}

func TestImportIsAllOrNothing(t *testing.T) {
	svc, st := newTestService(t, nil)
	rows := [][]string{sheettest.MCQHeader}
	for i := range 1000 {
		rows = append(rows, []string{"Cardio", "HTA", fmt.Sprint(i + 1), fmt.Sprintf("Question %d", i), "a", "b", "", "", "", "A", "2023"})
	}
	data := sheettest.Workbook(t, sheettest.Sheet{Name: "qcm", Rows: rows})

	snap, err := svc.Import(context.Background(), Upload{Name: "big.xlsx", Data: data})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if snap.Stats.Imported != 1000 {
		t.Errorf("imported %d, want 1000", snap.Stats.Imported)
	}
	if n := questionCount(t, st); n != 1000 {
		t.Errorf("stored %d questions, want 1000", n)
	}
}
