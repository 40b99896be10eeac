package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

func TestTransitionHappyPath(t *testing.T) {
	t.Parallel()
	m := openTestMachine(t, 15)
	ctx := context.Background()
	mustCreateTask(t, m, "t1")

	if _, err := m.Transition(ctx, TransitionInput{
		TaskID: "t1", To: model.TaskInProgress, Actor: "runner-1", ActorType: model.ActorCoder,
	}); err != nil {
		t.Fatalf("pending->in_progress failed: %v", err)
	}

	got, err := m.Queries.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskInProgress {
		t.Errorf("status mismatch: got %s", got.Status)
	}

	history, err := m.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(history))
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	t.Parallel()
	m := openTestMachine(t, 15)
	ctx := context.Background()
	mustCreateTask(t, m, "t1")

	_, err := m.Transition(ctx, TransitionInput{TaskID: "t1", To: model.TaskCompleted, Actor: "x", ActorType: model.ActorReviewer})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for pending->completed, got %v", err)
	}
}

func TestTransitionRejectsOnTerminal(t *testing.T) {
	t.Parallel()
	m := openTestMachine(t, 15)
	ctx := context.Background()
	mustCreateTask(t, m, "t1")

	if err := m.Skip(ctx, "t1", "human", model.ActorHuman, "not needed"); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}

	_, err := m.Transition(ctx, TransitionInput{TaskID: "t1", To: model.TaskInProgress, Actor: "x", ActorType: model.ActorCoder})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestRejectionEscalatesDisputeAtThreshold(t *testing.T) {
	t.Parallel()
	m := openTestMachine(t, 3)
	ctx := context.Background()
	mustCreateTask(t, m, "t1")

	if _, err := m.Transition(ctx, TransitionInput{TaskID: "t1", To: model.TaskInProgress, Actor: "coder", ActorType: model.ActorCoder}); err != nil {
		t.Fatalf("to in_progress failed: %v", err)
	}
	if _, err := m.Transition(ctx, TransitionInput{TaskID: "t1", To: model.TaskReview, Actor: "coder", ActorType: model.ActorCoder}); err != nil {
		t.Fatalf("to review failed: %v", err)
	}

	var disputeID string
	for i := 0; i < 3; i++ {
		var err error
		disputeID, err = m.Transition(ctx, TransitionInput{
			TaskID: "t1", To: model.TaskInProgress, Actor: "reviewer", ActorType: model.ActorReviewer, Rejected: true,
		})
		if err != nil {
			t.Fatalf("rejection %d failed: %v", i, err)
		}
		if i < 2 && disputeID != "" {
			t.Fatalf("expected no dispute before threshold at rejection %d", i)
		}
		if i < 2 {
			if _, err := m.Transition(ctx, TransitionInput{TaskID: "t1", To: model.TaskReview, Actor: "coder", ActorType: model.ActorCoder}); err != nil {
				t.Fatalf("back to review failed: %v", err)
			}
		}
	}
	if disputeID == "" {
		t.Fatal("expected a dispute to be created once rejection_count hit the threshold")
	}

	dispute, err := m.Queries.OpenDisputeForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("OpenDisputeForTask failed: %v", err)
	}
	if dispute == nil || dispute.ID != disputeID {
		t.Fatalf("expected matching open dispute, got %+v", dispute)
	}
}

func mustCreateTask(t *testing.T, m *Machine, id string) {
	t.Helper()
	now := m.Clock.Now()
	if err := m.Queries.CreateTask(context.Background(), model.Task{
		ID: id, Title: id, Status: model.TaskPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", id, err)
	}
}

func openTestMachine(t *testing.T, disputeThreshold int) *Machine {
	t.Helper()
	s, err := store.OpenProjectStore(filepath.Join(t.TempDir(), "steroids.db"))
	if err != nil {
		t.Fatalf("OpenProjectStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := NewMachine(s.Queries(), disputeThreshold)
	m.Clock = clockutil.NewFakeClock(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	return m
}
