// Package orchestrator implements the runner's main loop (spec.md §4.4):
// pick a task, acquire its locks, invoke the coder, run the post-coder
// decision, invoke the reviewer on submit, and apply the terminal
// transition atomically. One Loop corresponds to one runner process.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/lockmgr"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/postcoder"
	"github.com/steroidsdev/steroids/internal/provider"
	"github.com/steroidsdev/steroids/internal/section"
	"github.com/steroidsdev/steroids/internal/store"
	"github.com/steroidsdev/steroids/internal/task"
)

// HookEmitter is the seam to internal/hooks; the orchestrator only needs to
// fire named events with a payload, never the dispatcher's own config.
type HookEmitter interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// NoopEmitter discards every event; used when hooks aren't configured.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, string, map[string]any) {}

// errNoEligibleTask is returned internally by pickNext; Run treats it as
// "nothing to do this tick", not a loop-ending failure.
var errNoEligibleTask = errors.New("orchestrator: no eligible task")

// Config tunes the loop's retry/locking/heartbeat behavior. Defaults mirror
// spec.md §3's stated defaults.
type Config struct {
	RetryCap                     int
	DisputeThreshold             int
	TaskLockTTL                  time.Duration
	SectionLockTTL               time.Duration
	HeartbeatInterval            time.Duration
	CreditPauseHeartbeatInterval time.Duration
	PollInterval                 time.Duration
	CoderTimeout                 time.Duration
	ReviewerTimeout              time.Duration
	// CoderModel and ReviewerModel are passed through on every Invocation;
	// left empty, a provider.Invoker falls back to its own default.
	CoderModel    string
	ReviewerModel string
}

func DefaultConfig() Config {
	return Config{
		RetryCap:                     3,
		DisputeThreshold:             15,
		TaskLockTTL:                  15 * time.Minute,
		SectionLockTTL:               120 * time.Minute,
		HeartbeatInterval:            30 * time.Second,
		CreditPauseHeartbeatInterval: 30 * time.Second,
		PollInterval:                 5 * time.Second,
		CoderTimeout:                 30 * time.Minute,
		ReviewerTimeout:              15 * time.Minute,
	}
}

// ReviewerDecision is the parsed JSON a reviewer invocation prints to
// stdout (spec.md §4.4 step 8): {decision, notes, commit_sha?}.
type ReviewerDecision struct {
	Decision  string `json:"decision"` // approve | reject | dispute
	Notes     string `json:"notes"`
	CommitSHA string `json:"commit_sha"`
}

// Loop drives a single runner's iterations against one project store.
type Loop struct {
	Queries  *store.Queries
	RepoDir  string
	RunnerID string

	Locks    *lockmgr.Manager
	Machine  *task.Machine
	Coder    *provider.Gateway
	Reviewer *provider.Gateway
	Git      GitInspector
	Hooks    HookEmitter
	Logger   *zap.Logger
	Clock    clockutil.Clock
	IDs      idgen.Generator

	// Activity is the global store's Queries handle, used only to append to
	// activity_log (spec.md §4.4 step 9) on terminal transitions. NewLoop
	// leaves it nil since it's only given the project Queries; callers set
	// it explicitly, the same way they set Hooks and OnHeartbeat. A nil
	// Activity makes recordActivity a no-op rather than a panic, so tests
	// that don't care about the activity log don't need to wire one up.
	Activity *store.Queries

	Cfg Config

	// OnHeartbeat is invoked on every heartbeat tick, including during a
	// credit-pause, so liveness detectors never classify a paused runner
	// as stale (spec.md §4.4 step 10, §5 credit-pause note).
	OnHeartbeat func(ctx context.Context)
}

// NewLoop wires a Loop with production defaults; callers override fields
// (Coder/Reviewer gateways, Hooks) before calling Run.
func NewLoop(q *store.Queries, runnerID, repoDir string, locks *lockmgr.Manager, cfg Config) *Loop {
	return &Loop{
		Queries:  q,
		RepoDir:  repoDir,
		RunnerID: runnerID,
		Locks:    locks,
		Machine:  task.NewMachine(q, cfg.DisputeThreshold),
		Git:      NewGitInspector(),
		Hooks:    NoopEmitter{},
		Logger:   zap.NewNop(),
		Clock:    clockutil.RealClock{},
		IDs:      idgen.Default,
		Cfg:      cfg,
	}
}

// recordActivity appends the activity_log row spec.md §4.4 step 9 requires
// on every terminal transition (completed/failed/skipped): testable
// property 5 is a round-trip from a terminal transition to exactly one
// activity_log row carrying the same task id and final status.
func (l *Loop) recordActivity(ctx context.Context, t model.Task, finalStatus model.TaskStatus, actor string) error {
	if l.Activity == nil {
		return nil
	}
	return l.Activity.AppendActivity(ctx, model.ActivityLogEntry{
		ID:          l.IDs.New(),
		ProjectPath: l.RepoDir,
		TaskID:      t.ID,
		TaskTitle:   t.Title,
		FinalStatus: finalStatus,
		Actor:       actor,
		CreatedAt:   l.Clock.Now(),
	})
}

// Run iterates until shouldStop reports true or ctx is canceled, sleeping
// PollInterval between ticks that found no eligible work.
func (l *Loop) Run(ctx context.Context, shouldStop func() bool) error {
	for {
		if shouldStop() {
			return nil
		}

		didWork, err := l.runIteration(ctx)
		if err != nil {
			if errors.Is(err, provider.ErrCreditsPaused) {
				if pauseErr := l.waitForCredits(ctx, shouldStop); pauseErr != nil {
					return pauseErr
				}
				continue
			}
			l.Logger.Error("orchestrator iteration failed", zap.Error(err))
		}

		if !didWork {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.Cfg.PollInterval):
			}
		}
	}
}

// waitForCredits blocks, emitting heartbeats on its own cadence, until the
// coder gateway's breaker is no longer open (its open timeout has elapsed)
// or shouldStop fires. It makes no probe call itself; the next coder
// invocation is the probe.
func (l *Loop) waitForCredits(ctx context.Context, shouldStop func() bool) error {
	l.Logger.Warn("entering credit pause")
	ticker := time.NewTicker(l.Cfg.CreditPauseHeartbeatInterval)
	defer ticker.Stop()

	for {
		if shouldStop() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.OnHeartbeat != nil {
				l.OnHeartbeat(ctx)
			}
			if !l.Coder.Paused() {
				l.Logger.Info("credit pause lifted")
				return nil
			}
		}
	}
}

// runIteration performs one full pass of spec.md §4.4 steps 1-9 and
// reports whether it found and processed a task.
func (l *Loop) runIteration(ctx context.Context) (bool, error) {
	t, err := l.pickNext(ctx)
	if err != nil {
		if errors.Is(err, errNoEligibleTask) {
			return false, nil
		}
		return false, err
	}

	sectionLocked := t.SectionID != nil
	if sectionLocked {
		if err := l.Locks.AcquireSection(ctx, *t.SectionID, l.RunnerID); err != nil {
			return false, nil // section taken, try again next tick
		}
		defer l.Locks.ReleaseSection(ctx, *t.SectionID, l.RunnerID, false)
	}

	if err := l.Locks.AcquireTask(ctx, t.ID, l.RunnerID); err != nil {
		return false, nil
	}
	defer l.Locks.ReleaseTask(ctx, t.ID, l.RunnerID, false)

	if _, err := l.Machine.Transition(ctx, task.TransitionInput{
		TaskID: t.ID, To: model.TaskInProgress, Actor: "orchestrator", ActorType: model.ActorOrchestrator,
	}); err != nil {
		return false, fmt.Errorf("transition to in_progress: %w", err)
	}
	l.Hooks.Emit(ctx, "task.started", map[string]any{"task_id": t.ID})

	decision, err := l.runCoderWithRetries(ctx, t)
	if err != nil {
		return true, err
	}

	switch decision.Action {
	case postcoder.ActionError:
		if err := l.applyFailure(ctx, t, decision); err != nil {
			return true, err
		}
	case postcoder.ActionSubmit, postcoder.ActionStageCommitSubmit:
		if err := l.runReviewAndFinalize(ctx, t, decision); err != nil {
			return true, err
		}
	case postcoder.ActionRetry:
		// retry cap exhausted without resolving: treat as a failure so the
		// task doesn't spin forever under a single lock hold.
		if err := l.applyFailure(ctx, t, postcoder.Decision{
			IncidentKind: "retry_cap_exhausted",
			Reason:       "exceeded retry cap without a submit or error signal",
		}); err != nil {
			return true, err
		}
	default:
		panic("orchestrator: cannot forget a case")
	}

	return true, nil
}

// pickNext scans pending tasks in priority order and returns the first one
// whose section dependencies are satisfied (spec.md §4.4 step 1). Section
// and task lock availability is checked by the caller at acquire time, not
// here, since availability can change between the scan and the acquire.
func (l *Loop) pickNext(ctx context.Context) (model.Task, error) {
	pending, err := l.Queries.ListPendingTasks(ctx)
	if err != nil {
		return model.Task{}, fmt.Errorf("list pending tasks: %w", err)
	}

	for _, t := range pending {
		if t.SectionID == nil {
			return t, nil
		}
		unblocked, err := section.Unblocked(ctx, l.Queries, *t.SectionID)
		if err != nil {
			return model.Task{}, err
		}
		if unblocked {
			return t, nil
		}
	}
	return model.Task{}, errNoEligibleTask
}

// runCoderWithRetries invokes the coder, feeding each retry's git baseRef
// forward, until the post-coder decision is something other than retry or
// the retry cap is hit.
func (l *Loop) runCoderWithRetries(ctx context.Context, t model.Task) (postcoder.Decision, error) {
	baseRef, err := l.Git.HeadSHA(ctx, l.RepoDir)
	if err != nil {
		baseRef = ""
	}

	var decision postcoder.Decision
	for attempt := 0; attempt <= l.Cfg.RetryCap; attempt++ {
		prompt, err := l.buildCoderPrompt(ctx, t, attempt)
		if err != nil {
			return postcoder.Decision{}, fmt.Errorf("build coder prompt: %w", err)
		}

		invStart := l.Clock.Now()
		res, invErr := l.Coder.Invoke(ctx, provider.Invocation{
			Role:    "coder",
			Model:   l.Cfg.CoderModel,
			Prompt:  prompt,
			TaskID:  t.ID,
			Timeout: l.Cfg.CoderTimeout,
			Cwd:     l.RepoDir,
		})
		duration := l.Clock.Now().Sub(invStart)

		timedOut := errors.Is(invErr, context.DeadlineExceeded)
		exitCode := res.ExitCode
		if invErr != nil && !timedOut {
			if errors.Is(invErr, provider.ErrCreditsPaused) {
				return postcoder.Decision{}, invErr
			}
			exitCode = 1
		}

		inv := model.TaskInvocation{
			ID:         l.IDs.New(),
			TaskID:     t.ID,
			Role:       model.RoleCoder,
			ExitCode:   exitCode,
			DurationMS: duration.Milliseconds(),
			Success:    invErr == nil,
			TimedOut:   timedOut,
			CreatedAt:  l.Clock.Now(),
		}
		if err := l.Queries.InsertInvocation(ctx, inv); err != nil {
			return postcoder.Decision{}, fmt.Errorf("insert coder invocation: %w", err)
		}

		gitState, gitErr := l.Git.Snapshot(ctx, l.RepoDir, baseRef)
		if gitErr != nil {
			return postcoder.Decision{}, fmt.Errorf("git snapshot: %w", gitErr)
		}

		decision = postcoder.Decide(postcoder.DecisionInput{
			ExitCode:        exitCode,
			TimedOut:        timedOut,
			PartialProgress: gitState.UncommittedChanges || len(gitState.NewCommits) > 0,
			Git:             gitState,
			RejectionCount:  t.RejectionCount,
			StdoutTail:      tail(res.Output, 2048),
		})

		if decision.Action == postcoder.ActionStageCommitSubmit {
			sha, err := l.Git.CommitAll(ctx, l.RepoDir, fmt.Sprintf("steroids: complete task %s", t.ID))
			if err != nil {
				return postcoder.Decision{}, fmt.Errorf("commit on coder's behalf: %w", err)
			}
			decision.CommitSHA = sha
		}

		if decision.Action != postcoder.ActionRetry {
			return decision, nil
		}

		baseRef, _ = l.Git.HeadSHA(ctx, l.RepoDir)
	}

	return decision, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// buildCoderPrompt assembles the coder's invocation prompt from the task's
// source file plus, on a retry, the reviewer's most recent rejection notes
// so the coder never has to rediscover feedback it already received.
func (l *Loop) buildCoderPrompt(ctx context.Context, t model.Task, attempt int) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the coder for task %q (id %s).\n\n", t.Title, t.ID)

	if t.SourceFile != "" {
		if content, err := os.ReadFile(t.SourceFile); err == nil {
			sb.WriteString(strings.TrimSpace(string(content)))
			sb.WriteString("\n\n")
		}
	}

	if attempt > 0 || t.RejectionCount > 0 {
		if notes, err := l.lastReviewerNotes(ctx, t.ID); err != nil {
			return "", err
		} else if notes != "" {
			fmt.Fprintf(&sb, "The reviewer rejected a previous attempt with this feedback:\n%s\n\n", notes)
		}
	}

	sb.WriteString("Implement the task in this repository, committing your work, then stop.\n")
	return sb.String(), nil
}

// buildReviewerPrompt hands the reviewer the task, what changed, and asks
// for the closed decision JSON the orchestrator parses (spec.md §4.4 step
// 8): {decision, notes, commit_sha?}.
func (l *Loop) buildReviewerPrompt(ctx context.Context, t model.Task, decision postcoder.Decision) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the reviewer for task %q (id %s).\n\n", t.Title, t.ID)

	if t.SourceFile != "" {
		if content, err := os.ReadFile(t.SourceFile); err == nil {
			sb.WriteString(strings.TrimSpace(string(content)))
			sb.WriteString("\n\n")
		}
	}

	if decision.CommitSHA != "" {
		fmt.Fprintf(&sb, "The coder committed %s to satisfy this task.\n", decision.CommitSHA)
	}
	fmt.Fprintf(&sb, "This is rejection attempt number %d for this task.\n\n", t.RejectionCount)
	sb.WriteString("Reply with exactly one JSON object: {\"decision\": \"approve\"|\"reject\"|\"dispute\", \"notes\": string, \"commit_sha\": string}.\n")
	return sb.String(), nil
}

// lastReviewerNotes returns the notes attached to the most recent
// reviewer-authored transition back to in_progress (i.e. the last
// rejection), or "" if the task has none yet.
func (l *Loop) lastReviewerNotes(ctx context.Context, taskID string) (string, error) {
	entries, err := l.Machine.History(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("load task history: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.ActorType == model.ActorReviewer && e.ToStatus == model.TaskInProgress {
			return e.Notes, nil
		}
	}
	return "", nil
}

// runReviewAndFinalize invokes the reviewer, parses its decision, and
// applies the terminal transition atomically (spec.md §4.4 steps 8-9).
func (l *Loop) runReviewAndFinalize(ctx context.Context, t model.Task, pcDecision postcoder.Decision) error {
	if pcDecision.CommitSHA != "" {
		if err := l.Queries.SetTaskCommitSHA(ctx, t.ID, pcDecision.CommitSHA, l.Clock.Now()); err != nil {
			return fmt.Errorf("set commit sha: %w", err)
		}
	}

	if _, err := l.Machine.Transition(ctx, task.TransitionInput{
		TaskID: t.ID, To: model.TaskReview, Actor: "orchestrator", ActorType: model.ActorOrchestrator,
		CommitSHA: pcDecision.CommitSHA,
	}); err != nil {
		return fmt.Errorf("transition to review: %w", err)
	}

	reviewerPrompt, err := l.buildReviewerPrompt(ctx, t, pcDecision)
	if err != nil {
		return fmt.Errorf("build reviewer prompt: %w", err)
	}

	invStart := l.Clock.Now()
	res, err := l.Reviewer.Invoke(ctx, provider.Invocation{
		Role:    "reviewer",
		Model:   l.Cfg.ReviewerModel,
		Prompt:  reviewerPrompt,
		TaskID:  t.ID,
		Timeout: l.Cfg.ReviewerTimeout,
		Cwd:     l.RepoDir,
	})
	duration := l.Clock.Now().Sub(invStart)
	if err != nil {
		return fmt.Errorf("invoke reviewer: %w", err)
	}

	if err := l.Queries.InsertInvocation(ctx, model.TaskInvocation{
		ID: l.IDs.New(), TaskID: t.ID, Role: model.RoleReviewer,
		ExitCode: res.ExitCode, DurationMS: duration.Milliseconds(), Success: true,
		CreatedAt: l.Clock.Now(),
	}); err != nil {
		return fmt.Errorf("insert reviewer invocation: %w", err)
	}

	var verdict ReviewerDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Output)), &verdict); err != nil {
		return fmt.Errorf("parse reviewer decision: %w", err)
	}

	switch verdict.Decision {
	case "approve":
		_, err := l.Machine.Transition(ctx, task.TransitionInput{
			TaskID: t.ID, To: model.TaskCompleted, Actor: "reviewer", ActorType: model.ActorReviewer,
			Notes: verdict.Notes, CommitSHA: verdict.CommitSHA,
		})
		if err != nil {
			return err
		}
		l.Hooks.Emit(ctx, "task.completed", map[string]any{"task_id": t.ID})
		if err := l.recordActivity(ctx, t, model.TaskCompleted, "reviewer"); err != nil {
			return err
		}
		return nil
	case "reject":
		disputeID, err := l.Machine.Transition(ctx, task.TransitionInput{
			TaskID: t.ID, To: model.TaskInProgress, Actor: "reviewer", ActorType: model.ActorReviewer,
			Notes: verdict.Notes, Rejected: true,
		})
		if err != nil {
			return err
		}
		if disputeID != "" {
			l.Hooks.Emit(ctx, "dispute.created", map[string]any{"task_id": t.ID, "dispute_id": disputeID, "notes": verdict.Notes})
			return l.recordActivity(ctx, t, model.TaskCompleted, "orchestrator")
		}
		l.Hooks.Emit(ctx, "task.rejected", map[string]any{"task_id": t.ID})
		return nil
	case "dispute":
		disputeID, err := l.Machine.Transition(ctx, task.TransitionInput{
			TaskID: t.ID, To: model.TaskCompleted, Actor: "reviewer", ActorType: model.ActorReviewer,
			Notes: verdict.Notes, Disputed: true,
		})
		if err != nil {
			return err
		}
		l.Hooks.Emit(ctx, "dispute.created", map[string]any{"task_id": t.ID, "dispute_id": disputeID, "notes": verdict.Notes})
		return l.recordActivity(ctx, t, model.TaskCompleted, "orchestrator")
	default:
		return fmt.Errorf("unrecognized reviewer decision %q", verdict.Decision)
	}
}

// applyFailure raises an incident and transitions the task to failed.
func (l *Loop) applyFailure(ctx context.Context, t model.Task, decision postcoder.Decision) error {
	if _, err := l.Machine.Transition(ctx, task.TransitionInput{
		TaskID: t.ID, To: model.TaskFailed, Actor: "orchestrator", ActorType: model.ActorOrchestrator,
		Notes: decision.Reason,
	}); err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}

	details, _ := json.Marshal(map[string]string{"kind": decision.IncidentKind, "reason": decision.Reason})
	taskID := t.ID
	if err := l.Queries.CreateIncident(ctx, model.Incident{
		ID:         l.IDs.New(),
		TaskID:     &taskID,
		Failure:    model.FailureTaskError,
		DetectedAt: l.Clock.Now(),
		Details:    string(details),
	}); err != nil {
		return fmt.Errorf("create incident: %w", err)
	}

	l.Hooks.Emit(ctx, "task.failed", map[string]any{"task_id": t.ID, "kind": decision.IncidentKind})
	return l.recordActivity(ctx, t, model.TaskFailed, "orchestrator")
}
