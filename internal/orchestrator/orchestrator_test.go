package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/lockmgr"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/postcoder"
	"github.com/steroidsdev/steroids/internal/provider"
	"github.com/steroidsdev/steroids/internal/store"
)

type fakeGit struct {
	commits  []string
	staged   bool
	commitSH string
}

func (g *fakeGit) Snapshot(ctx context.Context, repoDir, baseRef string) (postcoder.GitState, error) {
	return postcoder.GitState{NewCommits: g.commits, UncommittedChanges: g.staged}, nil
}

func (g *fakeGit) CommitAll(ctx context.Context, repoDir, message string) (string, error) {
	g.staged = false
	g.commits = append(g.commits, "staged-sha")
	return "staged-sha", nil
}

func (g *fakeGit) HeadSHA(ctx context.Context, repoDir string) (string, error) {
	return "head-sha", nil
}

type fakeInvoker struct {
	output string
}

func (f *fakeInvoker) Invoke(ctx context.Context, inv provider.Invocation) (provider.Result, error) {
	return provider.Result{Output: f.output, ExitCode: 0}, nil
}

func newTestGateway(output string) *provider.Gateway {
	return provider.NewGateway(&fakeInvoker{output: output}, provider.Config{
		RateLimit: rate.Inf, Burst: 1, BreakerFailures: 100, BreakerTimeout: time.Second,
	})
}

func openTestLoop(t *testing.T, coderOutput, reviewerOutput string, git GitInspector) (*Loop, *store.Queries) {
	t.Helper()
	s, err := store.OpenProjectStore(filepath.Join(t.TempDir(), "steroids.db"))
	if err != nil {
		t.Fatalf("OpenProjectStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	locks := lockmgr.New(s.DB(), 15*time.Minute, 120*time.Minute)
	cfg := DefaultConfig()
	cfg.RetryCap = 2
	cfg.PollInterval = time.Millisecond

	l := NewLoop(s.Queries(), "runner-1", t.TempDir(), locks, cfg)
	l.Clock = clockutil.NewFakeClock(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	l.Machine.Clock = l.Clock
	l.Git = git
	l.Coder = newTestGateway(coderOutput)
	l.Reviewer = newTestGateway(reviewerOutput)

	return l, s.Queries()
}

func mustCreateTask(t *testing.T, q *store.Queries, id string, now time.Time) {
	t.Helper()
	if err := q.CreateTask(context.Background(), model.Task{
		ID: id, Title: id, Status: model.TaskPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", id, err)
	}
}

func TestRunIterationSubmitsAndCompletesOnApprove(t *testing.T) {
	t.Parallel()
	git := &fakeGit{commits: []string{"abc123"}}
	l, q := openTestLoop(t, "implementation complete", `{"decision":"approve","notes":"looks good"}`, git)
	ctx := context.Background()
	mustCreateTask(t, q, "t1", l.Clock.Now())

	didWork, err := l.runIteration(ctx)
	if err != nil {
		t.Fatalf("runIteration failed: %v", err)
	}
	if !didWork {
		t.Fatal("expected the iteration to find and process a task")
	}

	got, err := q.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Fatalf("expected task completed, got %s", got.Status)
	}
}

func TestRunIterationRejectThenReinvokesCoder(t *testing.T) {
	t.Parallel()
	git := &fakeGit{commits: []string{"abc123"}}
	l, q := openTestLoop(t, "implementation complete", `{"decision":"reject","notes":"missing tests"}`, git)
	ctx := context.Background()
	mustCreateTask(t, q, "t1", l.Clock.Now())

	if _, err := l.runIteration(ctx); err != nil {
		t.Fatalf("runIteration failed: %v", err)
	}

	got, err := q.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskInProgress {
		t.Fatalf("expected task back in_progress after rejection, got %s", got.Status)
	}
	if got.RejectionCount != 1 {
		t.Fatalf("expected rejection_count 1, got %d", got.RejectionCount)
	}
}

func TestRunIterationExhaustsRetryCapAndFails(t *testing.T) {
	t.Parallel()
	git := &fakeGit{} // no commits, no changes, ever: every attempt decides retry
	l, q := openTestLoop(t, "still thinking", "", git)
	ctx := context.Background()
	mustCreateTask(t, q, "t1", l.Clock.Now())

	if _, err := l.runIteration(ctx); err != nil {
		t.Fatalf("runIteration failed: %v", err)
	}

	got, err := q.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskFailed {
		t.Fatalf("expected task failed after exhausting retry cap, got %s", got.Status)
	}

	incidents, err := q.ListUnresolvedIncidents(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedIncidents failed: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected one incident raised, got %d", len(incidents))
	}
}

func TestRunIterationNoEligibleTaskIsNotAnError(t *testing.T) {
	t.Parallel()
	l, _ := openTestLoop(t, "", "", &fakeGit{})
	didWork, err := l.runIteration(context.Background())
	if err != nil {
		t.Fatalf("expected no error when there is nothing pending, got %v", err)
	}
	if didWork {
		t.Fatal("expected no work to be reported when there are no tasks")
	}
}

func TestRunIterationDisputeVerdictCompletesTaskWithEscalation(t *testing.T) {
	t.Parallel()
	git := &fakeGit{commits: []string{"abc123"}}
	l, q := openTestLoop(t, "implementation complete", `{"decision":"dispute","notes":"scope disagreement"}`, git)
	ctx := context.Background()
	mustCreateTask(t, q, "t1", l.Clock.Now())

	if _, err := l.runIteration(ctx); err != nil {
		t.Fatalf("runIteration failed: %v", err)
	}

	got, err := q.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Fatalf("expected a direct dispute verdict to complete the task, got %s", got.Status)
	}
	if got.RejectionCount != 0 {
		t.Fatalf("a direct dispute must not touch rejection_count, got %d", got.RejectionCount)
	}

	dispute, err := q.OpenDisputeForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("OpenDisputeForTask failed: %v", err)
	}
	if dispute == nil {
		t.Fatal("expected an open dispute record")
	}

	history, err := l.Machine.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	last := history[len(history)-1]
	if last.Actor != "orchestrator" || last.ActorType != model.ActorOrchestrator {
		t.Fatalf("expected the escalation audit entry to be attributed to the orchestrator, got actor=%s type=%s", last.Actor, last.ActorType)
	}
}

func TestRunIterationApproveRecordsActivityLog(t *testing.T) {
	t.Parallel()
	git := &fakeGit{commits: []string{"abc123"}}
	l, q := openTestLoop(t, "implementation complete", `{"decision":"approve","notes":"looks good"}`, git)
	ctx := context.Background()
	mustCreateTask(t, q, "t1", l.Clock.Now())

	global, err := store.OpenGlobalStore(filepath.Join(t.TempDir(), "global.db"))
	if err != nil {
		t.Fatalf("OpenGlobalStore failed: %v", err)
	}
	t.Cleanup(func() { global.Close() })
	l.Activity = global.Queries()

	if _, err := l.runIteration(ctx); err != nil {
		t.Fatalf("runIteration failed: %v", err)
	}

	entries, err := global.Queries().ListActivity(ctx, l.RepoDir, 10)
	if err != nil {
		t.Fatalf("ListActivity failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one activity_log row, got %d", len(entries))
	}
	if entries[0].TaskID != "t1" || entries[0].FinalStatus != model.TaskCompleted {
		t.Fatalf("unexpected activity row: %+v", entries[0])
	}
}

func TestRunIterationSkipsTaskWithBlockedSection(t *testing.T) {
	t.Parallel()
	l, q := openTestLoop(t, "implementation complete", `{"decision":"approve"}`, &fakeGit{commits: []string{"abc"}})
	ctx := context.Background()
	now := l.Clock.Now()

	if err := q.CreateSection(ctx, model.Section{ID: "blocked", Name: "blocked", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSection(blocked) failed: %v", err)
	}
	if err := q.CreateSection(ctx, model.Section{ID: "gate", Name: "gate", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSection(gate) failed: %v", err)
	}
	if err := q.AddSectionDependency(ctx, "blocked", "gate"); err != nil {
		t.Fatalf("AddSectionDependency failed: %v", err)
	}
	gateSectionID := "gate"
	blockedSectionID := "blocked"
	if err := q.CreateTask(ctx, model.Task{ID: "gate-task", Title: "gate-task", Status: model.TaskPending, SectionID: &gateSectionID, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateTask(gate-task) failed: %v", err)
	}
	if err := q.CreateTask(ctx, model.Task{ID: "blocked-task", Title: "blocked-task", Status: model.TaskPending, SectionID: &blockedSectionID, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateTask(blocked-task) failed: %v", err)
	}

	didWork, err := l.runIteration(ctx)
	if err != nil {
		t.Fatalf("runIteration failed: %v", err)
	}
	if !didWork {
		t.Fatal("expected the gate task to be picked")
	}

	picked, err := q.GetTask(ctx, "gate-task")
	if err != nil {
		t.Fatalf("GetTask(gate-task) failed: %v", err)
	}
	if picked.Status == model.TaskPending {
		t.Fatal("expected gate-task to have been processed")
	}

	blockedStill, err := q.GetTask(ctx, "blocked-task")
	if err != nil {
		t.Fatalf("GetTask(blocked-task) failed: %v", err)
	}
	if blockedStill.Status != model.TaskPending {
		t.Fatalf("expected blocked-task to remain pending, got %s", blockedStill.Status)
	}
}
