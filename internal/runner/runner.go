// Package runner launches the external validation script as a child
// process and exposes a handle for observing its output and exit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/deixis/crosscheck/internal/stream"
)

// ExitKilled is the exit code reported when the child was killed before
// producing one of its own, e.g. on timeout or server shutdown.
const ExitKilled = -1

// Runner holds the launch policy shared by all runs.
type Runner struct {
	Timeout   time.Duration // kill the child after this long; <=0 means no limit
	MaxOutput int           // bytes of combined output retained
}

// Process is a handle to one launched child. Its terminal fields
// (exit code, timeout flag) are written exactly once before Done is
// closed and must only be read after Done.
type Process struct {
	output *stream.Buffer
	done   chan struct{}

	exitCode int
	timedOut bool
	waitErr  error
}

// Start launches argv with dir as the working directory. argv[0] is the
// interpreter and is executed directly, never through a shell. Stdout
// and stderr share one pipe so the handle observes bytes in the order
// the child emitted them.
//
// A nil error means the process is running; failures to spawn (bad
// interpreter, missing permissions) are returned immediately and leave
// nothing behind.
func (r *Runner) Start(ctx context.Context, argv []string, dir string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}

	var cancel context.CancelFunc
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	out := stream.New(r.MaxOutput)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	// The same writer for both streams makes os/exec share a single
	// pipe, preserving the child's emission order across fd 1 and 2.
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	p := &Process{
		output: out,
		done:   make(chan struct{}),
	}

	go func() {
		defer cancel()
		err := cmd.Wait()

		switch {
		case err == nil:
			p.exitCode = 0
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			p.exitCode = ExitKilled
			p.timedOut = true
			fmt.Fprintf(out, "\nrun timed out after %s and was killed\n", r.Timeout)
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = ExitKilled
				p.waitErr = err
			}
		}

		out.Close()
		close(p.done)
	}()

	return p, nil
}

// Output is the child's combined stdout/stderr stream.
func (p *Process) Output() *stream.Buffer { return p.output }

// Done is closed once the child has exited and its output is complete.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is the child's exit status. Valid only after Done.
func (p *Process) ExitCode() int { return p.exitCode }

// TimedOut reports whether the child was killed by the run timeout.
// Valid only after Done.
func (p *Process) TimedOut() bool { return p.timedOut }

// Err returns an infrastructure error from waiting on the child, if
// any. Valid only after Done.
func (p *Process) Err() error { return p.waitErr }
