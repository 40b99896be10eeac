package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroidsdev/steroids/internal/model"
)

func TestOpenProjectStoreAndClose(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "steroids.db")

	s, err := OpenProjectStore(dbPath)
	if err != nil {
		t.Fatalf("OpenProjectStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpenProjectStoreReadOnlyBeforeInit(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "steroids.db")

	if _, err := OpenProjectStoreReadOnly(dbPath); err == nil {
		t.Fatal("expected ErrSchemaNotInitialized opening a nonexistent store read-only")
	}
}

func TestOpenProjectStoreReadOnlyAfterInit(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "steroids.db")

	s := openTestProjectStore(t, dbPath)
	s.Close()

	ro, err := OpenProjectStoreReadOnly(dbPath)
	if err != nil {
		t.Fatalf("OpenProjectStoreReadOnly failed: %v", err)
	}
	defer ro.Close()

	ctx := context.Background()
	if _, err := ro.Queries().ListSections(ctx); err != nil {
		t.Fatalf("read-only ListSections failed: %v", err)
	}

	err = ro.Queries().CreateSection(ctx, model.Section{ID: "s1", Name: "one", CreatedAt: time.Now()})
	if err == nil {
		t.Fatal("expected write on read-only store to fail")
	}
}

func TestSectionAndTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestProjectStore(t, filepath.Join(t.TempDir(), "steroids.db"))
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	sec := model.Section{ID: "sec-1", Name: "auth", Position: 0, Priority: model.PriorityHigh, CreatedAt: now}
	if err := s.Queries().CreateSection(ctx, sec); err != nil {
		t.Fatalf("CreateSection failed: %v", err)
	}

	got, err := s.Queries().GetSection(ctx, "sec-1")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	if got.Name != "auth" {
		t.Errorf("Name mismatch: got %s, want auth", got.Name)
	}

	task := model.Task{
		ID:        "task-1",
		Title:     "implement login",
		Status:    model.TaskPending,
		SectionID: &sec.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Queries().CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	pending, err := s.Queries().ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("ListPendingTasks failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "task-1" {
		t.Fatalf("expected exactly task-1 pending, got %+v", pending)
	}

	if err := s.Queries().UpdateTaskStatus(ctx, "task-1", model.TaskInProgress, 0, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	updated, err := s.Queries().GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if updated.Status != model.TaskInProgress {
		t.Errorf("status mismatch: got %s, want in_progress", updated.Status)
	}

	pendingAfter, err := s.Queries().ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("ListPendingTasks failed: %v", err)
	}
	if len(pendingAfter) != 0 {
		t.Errorf("expected no pending tasks after transition, got %d", len(pendingAfter))
	}
}

func TestAuditEntriesAppendOnly(t *testing.T) {
	t.Parallel()
	s := openTestProjectStore(t, filepath.Join(t.TempDir(), "steroids.db"))
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	task := model.Task{ID: "task-1", Title: "t", Status: model.TaskPending, CreatedAt: now, UpdatedAt: now}
	if err := s.Queries().CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	fromStatus := model.TaskPending
	entry := model.AuditEntry{
		ID:         "audit-1",
		TaskID:     "task-1",
		FromStatus: &fromStatus,
		ToStatus:   model.TaskInProgress,
		Actor:      "runner-1",
		ActorType:  model.ActorOrchestrator,
		CreatedAt:  now,
	}
	if err := s.Queries().InsertAuditEntry(ctx, entry); err != nil {
		t.Fatalf("InsertAuditEntry failed: %v", err)
	}

	entries, err := s.Queries().ListAuditEntries(ctx, "task-1")
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].FromStatus == nil || *entries[0].FromStatus != model.TaskPending {
		t.Error("from_status not preserved")
	}
}

func TestDisputeLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestProjectStore(t, filepath.Join(t.TempDir(), "steroids.db"))
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	task := model.Task{ID: "task-1", Title: "t", Status: model.TaskReview, CreatedAt: now, UpdatedAt: now}
	if err := s.Queries().CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	d := model.Dispute{
		ID:        "dispute-1",
		TaskID:    "task-1",
		Type:      model.DisputeMajor,
		Status:    model.DisputeOpen,
		Reason:    "reviewer rejected 16 times",
		CreatedBy: "orchestrator",
		CreatedAt: now,
	}
	if err := s.Queries().CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	open, err := s.Queries().OpenDisputeForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("OpenDisputeForTask failed: %v", err)
	}
	if open == nil {
		t.Fatal("expected an open dispute")
	}

	if err := s.Queries().ResolveDispute(ctx, "dispute-1", model.ResolutionApprove, "manual override", "human-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	stillOpen, err := s.Queries().OpenDisputeForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("OpenDisputeForTask failed: %v", err)
	}
	if stillOpen != nil {
		t.Error("expected no open dispute after resolution")
	}
}

func TestIncidentsUnresolvedList(t *testing.T) {
	t.Parallel()
	s := openTestProjectStore(t, filepath.Join(t.TempDir(), "steroids.db"))
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	taskID := "task-1"
	inc := model.Incident{
		ID:         "inc-1",
		TaskID:     &taskID,
		Failure:    model.FailureOrphaned,
		DetectedAt: now,
		Details:    "{}",
	}
	if err := s.Queries().CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident failed: %v", err)
	}

	unresolved, err := s.Queries().ListUnresolvedIncidents(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedIncidents failed: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved incident, got %d", len(unresolved))
	}

	if err := s.Queries().ResolveIncident(ctx, "inc-1", "runner restarted", now.Add(time.Minute)); err != nil {
		t.Fatalf("ResolveIncident failed: %v", err)
	}

	unresolvedAfter, err := s.Queries().ListUnresolvedIncidents(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedIncidents failed: %v", err)
	}
	if len(unresolvedAfter) != 0 {
		t.Errorf("expected 0 unresolved incidents after resolving, got %d", len(unresolvedAfter))
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := openTestProjectStore(t, filepath.Join(t.TempDir(), "steroids.db"))
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	wantErr := errTxFailed
	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.CreateSection(ctx, model.Section{ID: "sec-1", Name: "x", CreatedAt: now}); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := s.Queries().GetSection(ctx, "sec-1"); err == nil {
		t.Error("expected section insert to be rolled back")
	}
}

func openTestProjectStore(t *testing.T, dbPath string) *ProjectStore {
	t.Helper()
	s, err := OpenProjectStore(dbPath)
	if err != nil {
		t.Fatalf("OpenProjectStore failed: %v", err)
	}
	return s
}
