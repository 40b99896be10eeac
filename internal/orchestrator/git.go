package orchestrator

import (
	"context"
	"os/exec"
	"strings"

	"github.com/steroidsdev/steroids/internal/postcoder"
)

// GitInspector is the seam between the orchestrator loop and the working
// tree's git state, so tests can substitute a fake instead of shelling out.
type GitInspector interface {
	// Snapshot reports what changed in repoDir since baseRef (typically the
	// HEAD commit recorded at the start of the loop iteration).
	Snapshot(ctx context.Context, repoDir, baseRef string) (postcoder.GitState, error)
	// CommitAll stages every change in repoDir and commits with message,
	// returning the new commit sha (ActionStageCommitSubmit, spec.md §4.4).
	CommitAll(ctx context.Context, repoDir, message string) (sha string, err error)
	// HeadSHA returns the current HEAD commit, used as baseRef going into
	// the next loop iteration.
	HeadSHA(ctx context.Context, repoDir string) (string, error)
}

// execGitInspector shells out to the system git binary, grounded on the
// git-status/git-commit invocations used by the executor in the retrieval
// pack's autonomous coding-loop examples.
type execGitInspector struct{}

// NewGitInspector returns the production GitInspector.
func NewGitInspector() GitInspector { return execGitInspector{} }

func (execGitInspector) run(ctx context.Context, repoDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoDir}, args...)...)
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

func (g execGitInspector) Snapshot(ctx context.Context, repoDir, baseRef string) (postcoder.GitState, error) {
	var state postcoder.GitState

	if baseRef != "" {
		commits, err := g.run(ctx, repoDir, "rev-list", baseRef+"..HEAD")
		if err != nil {
			return state, err
		}
		if commits != "" {
			state.NewCommits = strings.Split(commits, "\n")
		}
	}

	status, err := g.run(ctx, repoDir, "status", "--porcelain")
	if err != nil {
		return state, err
	}
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		state.UncommittedChanges = true
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			state.ChangedFiles = append(state.ChangedFiles, fields[len(fields)-1])
		}
	}

	return state, nil
}

func (g execGitInspector) CommitAll(ctx context.Context, repoDir, message string) (string, error) {
	if _, err := g.run(ctx, repoDir, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, repoDir, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.HeadSHA(ctx, repoDir)
}

func (g execGitInspector) HeadSHA(ctx context.Context, repoDir string) (string, error) {
	return g.run(ctx, repoDir, "rev-parse", "HEAD")
}
