// Package run holds the in-memory record of validation runs and the
// registry that admits, tracks, and retires them.
package run

import (
	"os"
	"path/filepath"
	"time"

	"github.com/deixis/crosscheck/internal/launch"
	"github.com/deixis/crosscheck/internal/runner"
	"github.com/deixis/crosscheck/internal/stream"
)

// State describes where a run is in its lifecycle.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
)

// Run is one invocation of the external validation script.
type Run struct {
	ID        string
	Dir       string // run directory holding config.json and report.html
	StartedAt time.Time

	proc *runner.Process
}

// New wraps a started process in a run record.
func New(id, dir string, proc *runner.Process) *Run {
	return &Run{
		ID:        id,
		Dir:       dir,
		StartedAt: time.Now(),
		proc:      proc,
	}
}

// Output is the run's combined console stream.
func (r *Run) Output() *stream.Buffer { return r.proc.Output() }

// Done is closed once the child process has exited.
func (r *Run) Done() <-chan struct{} { return r.proc.Done() }

// Finished reports whether the child process has exited.
func (r *Run) Finished() bool {
	select {
	case <-r.proc.Done():
		return true
	default:
		return false
	}
}

// State derives the lifecycle state from the process handle.
func (r *Run) State() State {
	if !r.Finished() {
		return StateRunning
	}
	switch {
	case r.proc.TimedOut(), r.proc.Err() != nil:
		return StateKilled
	case r.proc.ExitCode() == 0:
		return StateSucceeded
	default:
		return StateFailed
	}
}

// ExitCode returns the child's exit code; ok is false while it is
// still running.
func (r *Run) ExitCode() (code int, ok bool) {
	if !r.Finished() {
		return 0, false
	}
	return r.proc.ExitCode(), true
}

// ReportPath returns the expected report artifact location for this run.
func (r *Run) ReportPath() string {
	return filepath.Join(r.Dir, launch.ReportFile)
}

// HasReport reports whether the run succeeded and the external script
// actually left a non-empty report behind. A successful exit with a
// missing artifact is the distinct "no report generated" state.
func (r *Run) HasReport() bool {
	if r.State() != StateSucceeded {
		return false
	}
	info, err := os.Stat(r.ReportPath())
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
