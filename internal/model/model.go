// Package model defines the domain entities of the task state machine
// described in spec.md §3: sections, tasks, audit entries, invocations,
// locks, disputes, incidents, runners, activity log rows, and merge
// progress. These are plain structs resolved against the store by opaque
// id — there are no in-memory back-pointers between them (spec.md §9).
package model

import "time"

// TaskStatus is one of the states in the task lifecycle (spec.md §4.1).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskSkipped, TaskFailed:
		return true
	default:
		return false
	}
}

// ActorType classifies who drove a status transition.
type ActorType string

const (
	ActorHuman        ActorType = "human"
	ActorCoder        ActorType = "coder"
	ActorReviewer     ActorType = "reviewer"
	ActorOrchestrator ActorType = "orchestrator"
	ActorMerge        ActorType = "merge"
)

// Priority presets named in spec.md §3.
const (
	PriorityHigh   = 10
	PriorityMedium = 50
	PriorityLow    = 90
)

type Section struct {
	ID        string
	Name      string
	Position  int
	Priority  int
	Skipped   bool
	CreatedAt time.Time
}

// SectionDependency is a directed edge (section_id depends on
// depends_on_section_id); the set must remain a DAG (spec.md §3 invariant 4).
type SectionDependency struct {
	SectionID        string
	DependsOnSection string
}

type Task struct {
	ID              string
	Title           string
	Status          TaskStatus
	SectionID       *string
	SourceFile      string
	RejectionCount  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FilePath        *string
	FileContentHash *string
	FileCommitSHA   *string
}

type AuditEntry struct {
	ID              string
	TaskID          string
	FromStatus      *TaskStatus
	ToStatus        TaskStatus
	Actor           string
	ActorType       ActorType
	Model           *string
	Notes           string
	CommitSHA       string
	DurationSeconds float64
	CreatedAt       time.Time
}

// InvocationRole distinguishes coder from reviewer AI calls.
type InvocationRole string

const (
	RoleCoder    InvocationRole = "coder"
	RoleReviewer InvocationRole = "reviewer"
)

type TaskInvocation struct {
	ID              string
	TaskID          string
	Role            InvocationRole
	Provider        string
	Model           string
	ExitCode        int
	DurationMS      int64
	Success         bool
	TimedOut        bool
	RejectionNumber int
	CreatedAt       time.Time
}

type TaskLock struct {
	TaskID      string
	RunnerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

type SectionLock struct {
	SectionID  string
	RunnerID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

type DisputeType string

const (
	DisputeMajor  DisputeType = "major"
	DisputeMinor  DisputeType = "minor"
	DisputeSystem DisputeType = "system"
)

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
	DisputeDismissed DisputeStatus = "dismissed"
)

type DisputeResolution string

const (
	ResolutionApprove DisputeResolution = "approve"
	ResolutionReject  DisputeResolution = "reject"
	ResolutionSkip    DisputeResolution = "skip"
	ResolutionHuman   DisputeResolution = "human"
)

type Dispute struct {
	ID               string
	TaskID           string
	Type             DisputeType
	Status           DisputeStatus
	Reason           string
	CoderPosition    string
	ReviewerPosition string
	Resolution       *DisputeResolution
	ResolutionNotes  string
	CreatedBy        string
	ResolvedBy        string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

// FailureMode classifies an incident. The first five are the stuck-task
// detector's classes (spec.md §4.6); FailureTaskError covers an incident
// raised directly by the orchestrator when a task's post-coder decision is
// `error` (spec.md §4.4), which is a different axis (a single task's coder
// invocation failed) from runner/process health.
type FailureMode string

const (
	FailureOrphaned        FailureMode = "orphaned"
	FailureHanging         FailureMode = "hanging"
	FailureZombie          FailureMode = "zombie"
	FailureDead            FailureMode = "dead"
	FailureDBInconsistency FailureMode = "db_inconsistency"
	FailureTaskError       FailureMode = "task_error"
)

type Incident struct {
	ID         string
	TaskID     *string
	RunnerID   *string
	Failure    FailureMode
	DetectedAt time.Time
	ResolvedAt *time.Time
	Resolution string
	Details    string // JSON
}

type RunnerStatus string

const (
	RunnerIdle     RunnerStatus = "idle"
	RunnerRunning  RunnerStatus = "running"
	RunnerActive   RunnerStatus = "active"
	RunnerStopping RunnerStatus = "stopping"
	RunnerError    RunnerStatus = "error"
)

type Runner struct {
	ID            string
	Status        RunnerStatus
	PID           int
	ProjectPath   string
	CurrentTaskID *string
	StartedAt     time.Time
	HeartbeatAt   time.Time
	SectionID     *string
}

type ActivityLogEntry struct {
	ID           string
	ProjectPath  string
	TaskID       string
	TaskTitle    string
	FinalStatus  TaskStatus
	Actor        string
	CreatedAt    time.Time
}

type MergeCommitStatus string

const (
	MergeApplied  MergeCommitStatus = "applied"
	MergeConflict MergeCommitStatus = "conflict"
	MergeSkipped  MergeCommitStatus = "skipped"
)

type MergeProgress struct {
	SessionID    string
	WorkstreamID string
	Position     int
	Status       MergeCommitStatus
}
