// Package postcoder implements the post-coder decision state machine of
// spec.md §4.4: a pure function from a coder invocation's exit signals and
// the repository's git state to exactly one of a closed set of actions.
// Decision is a discriminated union in the Go style (spec.md §9): a
// consumer switches on Action and the default-case panic in
// internal/orchestrator makes a case added here later fail loudly at run
// time instead of being silently ignored.
package postcoder

import "strings"

// Action is the closed set of outcomes Decide can produce.
type Action int

const (
	ActionSubmit Action = iota
	ActionStageCommitSubmit
	ActionRetry
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionSubmit:
		return "submit"
	case ActionStageCommitSubmit:
		return "stage_commit_submit"
	case ActionRetry:
		return "retry"
	case ActionError:
		return "error"
	default:
		panic("postcoder: cannot forget a case")
	}
}

// Decision is the single outcome Decide returns. Only the fields relevant
// to Action are populated by convention (CommitSHA for the submit actions,
// IncidentKind for error).
type Decision struct {
	Action       Action
	NextStatus   string // model.TaskStatus value, kept as string to avoid an import cycle with internal/task
	CommitSHA    string
	IncidentKind string
	Reason       string
}

// GitState summarizes the repository since the loop iteration started.
type GitState struct {
	NewCommits        []string
	ChangedFiles      []string
	UncommittedChanges bool
}

// DecisionInput is everything the table in spec.md §4.4 switches on.
type DecisionInput struct {
	ExitCode       int
	TimedOut       bool
	PartialProgress bool // timeout occurred but some signal of forward progress was observed
	Git            GitState
	RejectionCount int
	StdoutTail     string
	StderrTail     string
}

var completionPhrases = []string{
	"changes ready",
	"implementation complete",
	"finished",
}

var fatalStderrPhrases = []string{
	"fatal",
	"permission denied",
}

func containsAny(haystack string, phrases []string) bool {
	lower := strings.ToLower(haystack)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func hasCompletionSignal(in DecisionInput) bool {
	return containsAny(in.StdoutTail, completionPhrases) || containsAny(in.StderrTail, completionPhrases)
}

func hasFatalSignal(in DecisionInput) bool {
	return containsAny(in.StderrTail, fatalStderrPhrases)
}

func hasContinuingSignal(in DecisionInput) bool {
	return strings.Contains(strings.ToLower(in.StdoutTail), "continuing")
}

// Decide applies the table in spec.md §4.4 to a single coder invocation's
// outcome. It never touches the store or the clock: callers own persisting
// the decision and advancing the loop.
func Decide(in DecisionInput) Decision {
	clean := in.ExitCode == 0
	hasCommits := len(in.Git.NewCommits) > 0
	hasChanges := len(in.Git.ChangedFiles) > 0 || in.Git.UncommittedChanges

	// submit: exit=0 and at least one new commit.
	if clean && hasCommits {
		return Decision{
			Action:     ActionSubmit,
			NextStatus: "review",
			CommitSHA:  in.Git.NewCommits[len(in.Git.NewCommits)-1],
			Reason:     "clean exit with new commits",
		}
	}

	// stage_commit_submit: exit=0, uncommitted changes, and the coder
	// signaled it believes the work is done.
	if clean && in.Git.UncommittedChanges && hasCompletionSignal(in) {
		return Decision{
			Action:     ActionStageCommitSubmit,
			NextStatus: "review",
			Reason:     "clean exit with uncommitted changes and a completion signal",
		}
	}

	// error: non-zero exit combined with a timeout, or non-zero exit with
	// no trace of work done, or a fatal phrase in stderr.
	if !clean && in.TimedOut {
		return Decision{Action: ActionError, NextStatus: "failed", IncidentKind: "coder_timeout_failure", Reason: "non-zero exit combined with timeout"}
	}
	if !clean && !hasCommits && !hasChanges {
		return Decision{Action: ActionError, NextStatus: "failed", IncidentKind: "coder_no_progress_failure", Reason: "non-zero exit with no commits or changes"}
	}
	if hasFatalSignal(in) {
		return Decision{Action: ActionError, NextStatus: "failed", IncidentKind: "coder_fatal_output", Reason: "fatal phrase observed in stderr"}
	}

	// Everything else retries: clean exit with nothing to show, a timeout
	// that nonetheless made partial progress, an explicit "continuing"
	// signal, or any state not covered above. This is also the tie-breaker
	// of last resort: conflicting signals fall through to retry rather than
	// error, since retry is the safer of the two under uncertainty.
	if clean && !hasCommits && !hasChanges {
		return Decision{Action: ActionRetry, NextStatus: "in_progress", Reason: "clean exit with no commits or changes"}
	}
	if in.TimedOut && in.PartialProgress {
		return Decision{Action: ActionRetry, NextStatus: "in_progress", Reason: "timeout with partial progress"}
	}
	if hasContinuingSignal(in) {
		return Decision{Action: ActionRetry, NextStatus: "in_progress", Reason: "output signals the coder is continuing"}
	}

	return Decision{Action: ActionRetry, NextStatus: "in_progress", Reason: "uncertain state, conflicting or incomplete signals"}
}
