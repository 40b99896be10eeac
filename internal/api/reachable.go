package api

import "golang.org/x/sys/unix"

// processReachable probes a runner's registered PID with signal 0, the
// standard liveness check: it delivers no signal but still fails with
// ESRCH if the process doesn't exist. A PID of 0 (never recorded, or
// running under a wrapper that didn't report one) is treated as
// unreachable so the health endpoint doesn't report false positives.
func processReachable(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
