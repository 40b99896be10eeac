package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/hang"
)

// CreditSignal describes how to recognize a provider's out-of-credits
// response from its subprocess exit code and trailing stderr, since every
// coder/reviewer CLI reports exhaustion differently and none of this is
// standardized across providers.
type CreditSignal struct {
	// ExitCodes are process exit codes that always mean credit exhaustion,
	// regardless of stderr content.
	ExitCodes []int
	// StderrContains is a list of case-insensitive substrings; if any is
	// found in the captured stderr tail, the invocation is treated as
	// credit-exhausted even on an exit code not listed above.
	StderrContains []string
}

func (s CreditSignal) matches(exitCode int, stderr string) bool {
	for _, code := range s.ExitCodes {
		if exitCode == code {
			return true
		}
	}
	lower := strings.ToLower(stderr)
	for _, phrase := range s.StderrContains {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// SubprocessConfig configures the command line used to invoke a coder or
// reviewer CLI. Args and the environment are shared between both roles;
// Invocation.Role, Invocation.Model and Invocation.Prompt are what let a
// single configured command serve both.
type SubprocessConfig struct {
	// Command is the executable to run (e.g. "claude", "codex"), resolved
	// via PATH like any other exec.Command call.
	Command string
	// Args are passed verbatim ahead of the per-invocation --model flag;
	// use this for flags that never change between invocations.
	Args []string
	// ModelFlag is the flag name used to select a model, e.g. "--model".
	// Left empty, the model is not passed on the command line at all.
	ModelFlag string
	// Env holds extra "KEY=VALUE" entries appended to the subprocess's
	// inherited environment (e.g. provider API keys).
	Env []string
	// HangTimeout is how long the subprocess may go without producing any
	// stdout/stderr output before hang.Watcher kills it.
	HangTimeout time.Duration
	// HangKillDelay is how long the hang watcher's kill callback waits after
	// SIGTERM before escalating to SIGKILL.
	HangKillDelay time.Duration
	// Credit recognizes an out-of-credits response from this provider.
	Credit CreditSignal
}

// SubprocessInvoker implements Invoker by shelling out to a configured
// coder/reviewer CLI, grounded on internal/orchestrator's execGitInspector
// exec.CommandContext pattern: the prompt is written to the subprocess's
// stdin rather than passed as an argument, since prompts routinely exceed
// shell argv limits and may contain arbitrary content.
type SubprocessInvoker struct {
	cfg    SubprocessConfig
	logger *zap.Logger
}

// NewSubprocessInvoker returns an Invoker that runs cfg.Command once per
// Invoke call.
func NewSubprocessInvoker(cfg SubprocessConfig, logger *zap.Logger) *SubprocessInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubprocessInvoker{cfg: cfg, logger: logger}
}

func (s *SubprocessInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	args := append([]string{}, s.cfg.Args...)
	if s.cfg.ModelFlag != "" && inv.Model != "" {
		args = append(args, s.cfg.ModelFlag, inv.Model)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Dir = inv.Cwd
	cmd.Stdin = strings.NewReader(inv.Prompt)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.cfg.Env...)
	}

	var stdout, stderr bytes.Buffer
	watcher := hang.NewWatcher(s.logger, s.cfg.HangTimeout)
	// Wired as plain io.Writers (not hang.Watcher.Attach's pipe-owning
	// form) so this invoker keeps a full copy of stdout/stderr for Result
	// and post-coder's tail while still feeding the silence timer on
	// every write.
	cmd.Stdout = &activityWriter{watcher: watcher, out: &stdout}
	cmd.Stderr = &activityWriter{watcher: watcher, out: &stderr}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start subprocess: %w", err)
	}

	// The hang watcher's kill callback must not call cmd.Wait itself (Wait
	// may only be called once per process); it only signals, and the
	// already-running cmd.Wait below observes the exit either way.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		watcher.Watch(watchCtx, time.Second, func() error {
			if cmd.Process == nil {
				return nil
			}
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				return cmd.Process.Kill()
			}
			select {
			case <-time.After(s.cfg.HangKillDelay):
				return cmd.Process.Kill()
			case <-watchCtx.Done():
				return nil
			}
		})
	}()

	waitErr := cmd.Wait()
	cancelWatch()

	duration := time.Since(start)
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if s.cfg.Credit.matches(exitCode, stderr.String()) {
		return Result{}, &CreditError{Err: fmt.Errorf("%s: %s", inv.Role, strings.TrimSpace(tailString(stderr.String(), 512)))}
	}

	if waitErr != nil {
		return Result{ExitCode: exitCode, Output: stdout.String(), DurationMS: duration.Milliseconds()},
			fmt.Errorf("%s invocation for task %s: %w", inv.Role, inv.TaskID, waitErr)
	}

	return Result{
		Output:     stdout.String(),
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}, nil
}

// activityWriter appends to out and reports the write to watcher, so a
// subprocess's combined stdout+stderr stream resets the hang detector's
// silence timer the same way hang.Watcher.Attach's line-scanning drain
// does, without giving up the caller's own copy of the output.
type activityWriter struct {
	watcher *hang.Watcher
	out     *bytes.Buffer
}

func (a *activityWriter) Write(p []byte) (int, error) {
	n, err := a.out.Write(p)
	if n > 0 {
		a.watcher.Touch()
	}
	return n, err
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
