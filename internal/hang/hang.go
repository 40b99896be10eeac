// Package hang implements the coder/reviewer hang detector of spec.md
// §4.3: a silence timer over a running subprocess's combined stdout/stderr
// stream that fires a two-phase terminate-then-kill teardown once the
// process has produced no output for longer than the configured timeout.
package hang

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/clockutil"
)

// Watcher tails a subprocess's output and reports hangs via its silence
// timer: Open Question 2 is decided here — activity on EITHER stdout or
// stderr resets the timer, not just stdout.
type Watcher struct {
	logger  *zap.Logger
	clock   clockutil.Clock
	timeout time.Duration

	lastActivity atomic.Int64 // unix nanos
}

func NewWatcher(logger *zap.Logger, timeout time.Duration) *Watcher {
	w := &Watcher{logger: logger, clock: clockutil.RealClock{}, timeout: timeout}
	w.touch()
	return w
}

func (w *Watcher) touch() {
	w.lastActivity.Store(w.clock.Now().UnixNano())
}

// Touch records output activity now. Exported so callers that need to tee
// a subprocess's output into their own buffer (rather than letting Attach
// own the pipes outright) can still feed the silence timer.
func (w *Watcher) Touch() {
	w.touch()
}

// Attach wires stdout/stderr pipes from cmd through the watcher, updating
// lastActivity on every line. Must be called before cmd.Start.
func (w *Watcher) Attach(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go w.drain(&wg, stdout)
	go w.drain(&wg, stderr)

	return nil
}

func (w *Watcher) drain(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.touch()
	}
}

// Silence returns how long it has been since the last observed output.
func (w *Watcher) Silence() time.Duration {
	last := time.Unix(0, w.lastActivity.Load())
	return w.clock.Now().Sub(last)
}

// Hung reports whether the silence duration has exceeded the timeout.
func (w *Watcher) Hung() bool {
	return w.Silence() >= w.timeout
}

// Watch blocks, polling at the given interval, until either the process
// hangs (in which case it invokes kill and returns its error) or ctx is
// canceled (the caller's wait on cmd.Wait() finished normally).
func (w *Watcher) Watch(ctx context.Context, pollInterval time.Duration, kill func() error) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.Hung() {
				w.logger.Warn("subprocess hang detected", zap.Duration("silence", w.Silence()), zap.Duration("timeout", w.timeout))
				return kill()
			}
		}
	}
}

// TerminateThenKill sends the process a graceful terminate signal via stop,
// then falls back to a hard kill after killDelay if it hasn't exited.
// It works directly against a *exec.Cmd, since the hang detector watches
// one invocation, not a daemon. A cmd whose Process is nil is left alone
// and stop is not called.
func TerminateThenKill(cmd *exec.Cmd, stop func() error, killDelay time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	if err := stop(); err != nil {
		return cmd.Process.Kill()
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(killDelay):
		return cmd.Process.Kill()
	}
}
