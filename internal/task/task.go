// Package task implements the task state machine of spec.md §4.1: the
// legal transitions between pending/in_progress/review/completed/skipped/
// failed, the append-only audit trail each transition writes, rejection
// counting, and automatic dispute escalation once a task's rejection count
// crosses the configured threshold.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

var (
	ErrIllegalTransition = errors.New("task: illegal status transition")
	ErrAlreadyTerminal   = errors.New("task: already in a terminal status")
)

// transitions maps a source status to the statuses it may legally move to.
// A task in a terminal status (completed/skipped/failed) has no outgoing
// edges: spec.md §4.1 invariant 1.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskPending:    {model.TaskInProgress, model.TaskSkipped},
	model.TaskInProgress: {model.TaskReview, model.TaskFailed},
	model.TaskReview:     {model.TaskCompleted, model.TaskInProgress, model.TaskFailed, model.TaskSkipped},
}

func legal(from, to model.TaskStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Machine drives transitions for a single project store, writing audit
// entries and escalating disputes as a side effect of the transition that
// crosses the rejection threshold.
type Machine struct {
	Queries          *store.Queries
	Clock            clockutil.Clock
	IDs              idgen.Generator
	DisputeThreshold int
}

// NewMachine constructs a Machine with real clock/id generators; tests
// substitute clockutil.FakeClock and a deterministic idgen.Generator.
func NewMachine(q *store.Queries, disputeThreshold int) *Machine {
	return &Machine{
		Queries:          q,
		Clock:            clockutil.RealClock{},
		IDs:              idgen.Default,
		DisputeThreshold: disputeThreshold,
	}
}

// TransitionInput describes one requested status change.
type TransitionInput struct {
	TaskID          string
	To              model.TaskStatus
	Actor           string
	ActorType       model.ActorType
	Model           *string
	Notes           string
	CommitSHA       string
	DurationSeconds float64
	// Rejected marks a review->in_progress transition as a reviewer
	// rejection, which increments rejection_count. If this rejection
	// crosses DisputeThreshold, Transition overrides the requested target
	// with the review->completed (disputed) escalation instead.
	Rejected bool
	// Disputed marks a reviewer "dispute" verdict: an immediate
	// review->completed (disputed) escalation regardless of rejection
	// count. Does not affect rejection_count (spec.md §9 testable
	// property 2 ties rejection_count strictly to review->in_progress
	// transitions).
	Disputed bool
}

// Transition validates and applies a single status change, appending the
// audit entry in the same call. It returns the escalated dispute id, if
// this transition escalated to a dispute (either a direct reviewer dispute
// verdict, or a rejection that crossed the rejection threshold).
func (m *Machine) Transition(ctx context.Context, in TransitionInput) (disputeID string, err error) {
	current, err := m.Queries.GetTask(ctx, in.TaskID)
	if err != nil {
		return "", fmt.Errorf("get task %s: %w", in.TaskID, err)
	}

	if current.Status.Terminal() {
		return "", ErrAlreadyTerminal
	}

	to := in.To
	actor := in.Actor
	actorType := in.ActorType
	notes := in.Notes
	rejectionDelta := 0

	escalationReason := ""
	if in.Disputed {
		escalationReason = fmt.Sprintf("reviewer flagged a direct dispute: %s", in.Notes)
	} else if in.Rejected {
		rejectionDelta = 1
		newCount := current.RejectionCount + 1
		if newCount >= m.DisputeThreshold {
			escalationReason = fmt.Sprintf("reviewer rejected %d times, exceeding threshold of %d", newCount, m.DisputeThreshold)
		}
	}
	escalating := escalationReason != ""
	if escalating {
		to = model.TaskCompleted
		actor = "orchestrator"
		actorType = model.ActorOrchestrator
		notes = "dispute escalated: " + escalationReason
	}

	if !legal(current.Status, to) {
		return "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, to)
	}

	now := m.Clock.Now()

	if escalating {
		existing, err := m.Queries.OpenDisputeForTask(ctx, in.TaskID)
		if err != nil {
			return "", fmt.Errorf("check existing dispute: %w", err)
		}
		if existing != nil {
			disputeID = existing.ID
		} else {
			d := model.Dispute{
				ID:        m.IDs.New(),
				TaskID:    in.TaskID,
				Type:      model.DisputeMajor,
				Status:    model.DisputeOpen,
				Reason:    escalationReason,
				CreatedBy: in.Actor,
				CreatedAt: now,
			}
			if err := m.Queries.CreateDispute(ctx, d); err != nil {
				return "", fmt.Errorf("create dispute: %w", err)
			}
			disputeID = d.ID
		}
	}

	if err := m.Queries.UpdateTaskStatus(ctx, in.TaskID, to, rejectionDelta, now); err != nil {
		return "", fmt.Errorf("update task status: %w", err)
	}

	from := current.Status
	entry := model.AuditEntry{
		ID:              m.IDs.New(),
		TaskID:          in.TaskID,
		FromStatus:      &from,
		ToStatus:        to,
		Actor:           actor,
		ActorType:       actorType,
		Model:           in.Model,
		Notes:           notes,
		CommitSHA:       in.CommitSHA,
		DurationSeconds: in.DurationSeconds,
		CreatedAt:       now,
	}
	if err := m.Queries.InsertAuditEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("insert audit entry: %w", err)
	}

	return disputeID, nil
}

// Skip transitions a single task to skipped; the other tasks of its
// section are not touched. Used by the coder/reviewer/human paths named in
// spec.md §4.1.
func (m *Machine) Skip(ctx context.Context, taskID, actor string, actorType model.ActorType, notes string) error {
	_, err := m.Transition(ctx, TransitionInput{
		TaskID: taskID, To: model.TaskSkipped, Actor: actor, ActorType: actorType, Notes: notes,
	})
	return err
}

// History returns the full audit trail for a task, oldest first.
func (m *Machine) History(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	return m.Queries.ListAuditEntries(ctx, taskID)
}

// Duration returns how long a task has spent in its current status.
func Duration(t model.Task, now time.Time) time.Duration {
	return now.Sub(t.UpdatedAt)
}
