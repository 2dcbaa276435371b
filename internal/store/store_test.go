package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/qbank/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", Options{})
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intp(n int) *int { return &n }

// seedLecture creates Cardio/HTA and returns the lecture id.
func seedLecture(t *testing.T, s *Store) int64 {
	t.Helper()
	var lectureID int64
	err := s.WithTx(context.Background(), time.Second, func(tx *Tx) error {
		specID, _, err := tx.ResolveSpecialty(context.Background(), "Cardio", nil, nil)
		if err != nil {
			return err
		}
		lectureID, _, err = tx.ResolveLecture(context.Background(), specID, "HTA")
		return err
	})
	if err != nil {
		t.Fatalf("seedLecture: %v", err)
	}
	return lectureID
}

func TestResolveCreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, time.Second, func(tx *Tx) error {
		levelID, created, err := tx.ResolveLevel(ctx, "PCEM1", 1)
		if err != nil || !created {
			t.Fatalf("ResolveLevel first: id=%d created=%v err=%v", levelID, created, err)
		}
		again, created, err := tx.ResolveLevel(ctx, "PCEM1", 1)
		if err != nil || created || again != levelID {
			t.Fatalf("ResolveLevel second: id=%d created=%v err=%v", again, created, err)
		}

		semID, created, err := tx.ResolveSemester(ctx, levelID, "S1", 1)
		if err != nil || !created {
			t.Fatalf("ResolveSemester: %v", err)
		}
		specID, created, err := tx.ResolveSpecialty(ctx, "Cardio", &levelID, &semID)
		if err != nil || !created {
			t.Fatalf("ResolveSpecialty: %v", err)
		}
		if _, created, err := tx.ResolveLecture(ctx, specID, "HTA"); err != nil || !created {
			t.Fatalf("ResolveLecture: %v", err)
		}
		if _, created, err := tx.ResolveLecture(ctx, specID, "HTA"); err != nil || created {
			t.Fatalf("ResolveLecture second: created=%v err=%v", created, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	id, ok, err := s.FindLecture(ctx, "Cardio", "HTA")
	if err != nil || !ok || id == 0 {
		t.Fatalf("FindLecture: id=%d ok=%v err=%v", id, ok, err)
	}
	if _, ok, _ := s.FindLecture(ctx, "Cardio", "IC"); ok {
		t.Error("unknown lecture should not be found")
	}
	if _, ok, _ := s.FindLecture(ctx, "Pneumo", "HTA"); ok {
		t.Error("lecture under another specialty should not be found")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, time.Second, func(tx *Tx) error {
		specID, _, err := tx.ResolveSpecialty(ctx, "Cardio", nil, nil)
		if err != nil {
			return err
		}
		lectureID, _, err := tx.ResolveLecture(ctx, specID, "HTA")
		if err != nil {
			return err
		}
		if err := tx.InsertQuestions(ctx, []model.Question{{LectureID: lectureID, Kind: model.KindQROC, Text: "Q", AnswerText: "A"}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	count, err := s.QuestionCount(ctx)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 questions after rollback, got %d", count)
	}
	if _, ok, _ := s.FindLecture(ctx, "Cardio", "HTA"); ok {
		t.Error("hierarchy should be rolled back too")
	}
}

func TestInsertQuestionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lectureID := seedLecture(t, s)

	in := []model.Question{
		{LectureID: lectureID, Kind: model.KindMCQ, Number: intp(1), Session: "2023", Text: "Q1",
			Options: []string{"a", "b"}, CorrectAnswers: []int{1}, Explanation: "because"},
		{LectureID: lectureID, Kind: model.KindClinicalQROC, Text: "Q2", AnswerText: "IC",
			CaseNumber: intp(3), CaseText: "Patient", CaseQuestion: intp(2), Fixed: true},
	}
	err := s.WithTx(ctx, time.Second, func(tx *Tx) error { return tx.InsertQuestions(ctx, in) })
	if err != nil {
		t.Fatalf("InsertQuestions: %v", err)
	}

	got, err := s.ListQuestions(ctx, lectureID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(got))
	}
	q1, q2 := got[0], got[1]
	if q1.Number == nil || *q1.Number != 1 || q1.Session != "2023" {
		t.Errorf("q1 metadata wrong: %+v", q1)
	}
	if len(q1.Options) != 2 || q1.Options[1] != "b" || len(q1.CorrectAnswers) != 1 || q1.CorrectAnswers[0] != 1 {
		t.Errorf("q1 options/answers wrong: %v %v", q1.Options, q1.CorrectAnswers)
	}
	if q1.Fixed {
		t.Error("q1 should not be fixed")
	}
	if !q2.Fixed || q2.AnswerText != "IC" || *q2.CaseNumber != 3 || *q2.CaseQuestion != 2 || q2.Number != nil {
		t.Errorf("q2 wrong: %+v", q2)
	}
	if q2.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestInsertQuestionsSpansStatements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lectureID := seedLecture(t, s)

	n := insertBatch*2 + 7
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{LectureID: lectureID, Kind: model.KindQROC, Text: "Q", AnswerText: "A", Number: intp(i)}
	}
	if err := s.WithTx(ctx, 5*time.Second, func(tx *Tx) error { return tx.InsertQuestions(ctx, qs) }); err != nil {
		t.Fatalf("InsertQuestions: %v", err)
	}
	count, _ := s.QuestionCount(ctx)
	if count != n {
		t.Errorf("expected %d questions, got %d", n, count)
	}
}

func TestExistingQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lectureID := seedLecture(t, s)

	err := s.WithTx(ctx, time.Second, func(tx *Tx) error {
		return tx.InsertQuestions(ctx, []model.Question{
			{LectureID: lectureID, Kind: model.KindQROC, Text: "Q1", AnswerText: "A"},
			{LectureID: lectureID, Kind: model.KindQROC, Text: "Q2", AnswerText: "B"},
			{LectureID: lectureID, Kind: model.KindQROC, Text: "Q3", AnswerText: "C"},
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name  string
		texts []string
		want  int
	}{
		{"none", nil, 0},
		{"one", []string{"Q2"}, 1},
		{"some missing", []string{"Q1", "Q3", "Q9"}, 2},
		{"exact match only", []string{"q1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ExistingQuestions(ctx, lectureID, tt.texts)
			if err != nil {
				t.Fatalf("ExistingQuestions: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestUniqueNamesSurfaceAsErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLecture(t, s)

	err := s.WithTx(ctx, time.Second, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `INSERT INTO specialties (name) VALUES (?)`, "Cardio")
		return err
	})
	if err == nil {
		t.Fatal("expected a unique constraint error")
	}
}

func TestAIJobRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetAIJob(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("GetAIJob missing: %v %v", got, err)
	}

	created := time.Now().Add(-2 * time.Hour)
	rec := model.AIJobRecord{
		ID: "job-1", FileName: "f.xlsx", Progress: 40, Phase: model.PhaseRunning,
		Message: "batch 2/5", Logs: []string{"started"}, Stats: model.JobStats{TotalRows: 10, TotalBatches: 5},
		CreatedAt: created, LastUpdated: created,
	}
	if err := s.SaveAIJob(ctx, rec); err != nil {
		t.Fatalf("SaveAIJob: %v", err)
	}

	rec.Phase = model.PhaseComplete
	rec.Progress = 100
	rec.Artifact = []byte("xlsx bytes")
	rec.Logs = append(rec.Logs, "done")
	if err := s.SaveAIJob(ctx, rec); err != nil {
		t.Fatalf("SaveAIJob update: %v", err)
	}

	// A later save without artifact keeps the stored one.
	rec.Artifact = nil
	rec.Message = "complete"
	if err := s.SaveAIJob(ctx, rec); err != nil {
		t.Fatalf("SaveAIJob no artifact: %v", err)
	}

	got, err = s.GetAIJob(ctx, "job-1")
	if err != nil || got == nil {
		t.Fatalf("GetAIJob: %v", err)
	}
	if got.Phase != model.PhaseComplete || got.Progress != 100 || got.Message != "complete" {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(got.Logs) != 2 || got.Stats.TotalBatches != 5 {
		t.Errorf("logs/stats not persisted: %v %+v", got.Logs, got.Stats)
	}
	if !got.HasArtifact() || string(got.Artifact) != "xlsx bytes" {
		t.Errorf("artifact lost: %q", got.Artifact)
	}

	running := model.AIJobRecord{ID: "job-2", Phase: model.PhaseRunning, CreatedAt: created, LastUpdated: created}
	if err := s.SaveAIJob(ctx, running); err != nil {
		t.Fatalf("SaveAIJob running: %v", err)
	}

	n, err := s.PruneAIJobs(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneAIJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned job, got %d", n)
	}
	if got, _ := s.GetAIJob(ctx, "job-2"); got == nil {
		t.Error("running job must survive pruning")
	}
}

func TestImportHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LastImportByHash(ctx, "abc")
	if err != nil || got != nil {
		t.Fatalf("LastImportByHash empty: %v %v", got, err)
	}

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"s1", "s2"} {
		err := s.RecordImport(ctx, model.ImportRecord{
			SessionID: id, FileName: "bank.xlsx", FileHash: "abc", Imported: 10 + i,
			ImportedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordImport: %v", err)
		}
	}

	got, err = s.LastImportByHash(ctx, "abc")
	if err != nil || got == nil {
		t.Fatalf("LastImportByHash: %v", err)
	}
	if got.SessionID != "s2" || got.Imported != 11 {
		t.Errorf("expected latest import s2, got %+v", got)
	}
}
