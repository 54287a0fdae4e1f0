package repository

import (
	"context"
	"testing"

	"github.com/NGC-337-2/secure-health-api/internal/domain"
)

func newTestJournalRepository(t *testing.T) *JournalRepository {
	t.Helper()
	repo, err := NewJournalRepository(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewJournalRepository failed: %v", err)
	}
	return repo
}

func testRun(id string) *domain.RotationRun {
	return &domain.RotationRun{
		ID:       id,
		OldKeyID: "key-old",
		NewKeyID: "key-new",
		State:    domain.RotationStateKeyGenerated,
	}
}

func TestJournalRepository_CreateAndActiveRun(t *testing.T) {
	ctx := context.Background()
	repo := newTestJournalRepository(t)

	// 実行がなければnil
	run, err := repo.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if run != nil {
		t.Fatalf("expected no active run, got %+v", run)
	}

	if err := repo.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	run, err = repo.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if run == nil {
		t.Fatal("expected active run, got nil")
	}
	if run.ID != "run-1" {
		t.Errorf("run id mismatch: got %s", run.ID)
	}
	if run.State != domain.RotationStateKeyGenerated {
		t.Errorf("state mismatch: got %s", run.State)
	}
	if run.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}
}

func TestJournalRepository_UpdateRunState(t *testing.T) {
	ctx := context.Background()
	repo := newTestJournalRepository(t)

	if err := repo.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := repo.UpdateRunState(ctx, "run-1", domain.RotationStateReencrypting, ""); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}

	run, err := repo.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if run.State != domain.RotationStateReencrypting {
		t.Errorf("state mismatch: got %s", run.State)
	}
	// SQLiteでも時刻カラムがtime.Timeとして読み戻せること
	if run.StartedAt.IsZero() || run.UpdatedAt.IsZero() {
		t.Errorf("time columns not scanned back: started_at=%v updated_at=%v", run.StartedAt, run.UpdatedAt)
	}

	// 終端状態に入るとActiveRunから消える
	if err := repo.UpdateRunState(ctx, "run-1", domain.RotationStateDone, ""); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}
	run, err = repo.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("expected no active run after done, got %+v", run)
	}
}

func TestJournalRepository_FailedRunIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := newTestJournalRepository(t)

	if err := repo.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := repo.UpdateRunState(ctx, "run-1", domain.RotationStateFailed, "decrypt failed"); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}

	run, err := repo.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("failed run must not be active, got %+v", run)
	}

	runs, err := repo.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Detail != "decrypt failed" {
		t.Errorf("detail mismatch: got %q", runs[0].Detail)
	}
}

func TestJournalRepository_MarkRecord(t *testing.T) {
	ctx := context.Background()
	repo := newTestJournalRepository(t)

	if err := repo.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := repo.MarkRecord(ctx, "run-1", "rec-1", domain.MigrationStateStaged); err != nil {
		t.Fatalf("MarkRecord failed: %v", err)
	}
	if err := repo.MarkRecord(ctx, "run-1", "rec-2", domain.MigrationStateStaged); err != nil {
		t.Fatalf("MarkRecord failed: %v", err)
	}
	// 同じレコードへの記録は上書き
	if err := repo.MarkRecord(ctx, "run-1", "rec-1", domain.MigrationStateCommitted); err != nil {
		t.Fatalf("MarkRecord failed: %v", err)
	}

	states, err := repo.RecordStates(ctx, "run-1")
	if err != nil {
		t.Fatalf("RecordStates failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 records, got %d", len(states))
	}
	if states["rec-1"] != domain.MigrationStateCommitted {
		t.Errorf("rec-1 state mismatch: got %s", states["rec-1"])
	}
	if states["rec-2"] != domain.MigrationStateStaged {
		t.Errorf("rec-2 state mismatch: got %s", states["rec-2"])
	}

	counts, err := repo.CountRecords(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if counts[domain.MigrationStateCommitted] != 1 || counts[domain.MigrationStateStaged] != 1 {
		t.Errorf("counts mismatch: got %+v", counts)
	}
}

func TestJournalRepository_RecordStatesIsolatedByRun(t *testing.T) {
	ctx := context.Background()
	repo := newTestJournalRepository(t)

	if err := repo.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := repo.MarkRecord(ctx, "run-1", "rec-1", domain.MigrationStateCommitted); err != nil {
		t.Fatalf("MarkRecord failed: %v", err)
	}

	states, err := repo.RecordStates(ctx, "run-2")
	if err != nil {
		t.Fatalf("RecordStates failed: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no records for other run, got %d", len(states))
	}
}

func TestJournalRepository_Runs_Order(t *testing.T) {
	ctx := context.Background()
	repo := newTestJournalRepository(t)

	for _, id := range []string{"run-1", "run-2"} {
		if err := repo.CreateRun(ctx, testRun(id)); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		if err := repo.UpdateRunState(ctx, id, domain.RotationStateDone, ""); err != nil {
			t.Fatalf("UpdateRunState failed: %v", err)
		}
	}

	runs, err := repo.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].StartedAt.Before(runs[1].StartedAt) {
		t.Error("runs not ordered by started_at descending")
	}
}
