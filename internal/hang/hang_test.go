package hang

import (
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatcherHungAfterTimeout(t *testing.T) {
	t.Parallel()
	w := NewWatcher(zap.NewNop(), 50*time.Millisecond)

	if w.Hung() {
		t.Fatal("watcher should not be hung immediately after creation")
	}

	time.Sleep(75 * time.Millisecond)

	if !w.Hung() {
		t.Fatal("expected watcher to report hung after exceeding the timeout with no activity")
	}

	w.touch()
	if w.Hung() {
		t.Fatal("expected touch to reset the silence timer")
	}
}

func TestTerminateThenKillSkipsStopForNilProcess(t *testing.T) {
	t.Parallel()

	stopped := false
	err := TerminateThenKill(&exec.Cmd{}, func() error {
		stopped = true
		return nil
	}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected nil error for a nil process, got %v", err)
	}
	if stopped {
		t.Fatal("stop should not be invoked when cmd.Process is nil")
	}
}
