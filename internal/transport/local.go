package transport

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// cancelWaitDelay bounds how long a cancelled command may hold its output
// pipes open before Wait gives up on them.
const cancelWaitDelay = 5 * time.Second

// LocalDriver runs commands on the engine host itself through sh -c. It backs
// targets declared with transport "local", which is how runbooks invoke
// engine-side tooling (kubectl, cloud CLIs) without an SSH loopback.
type LocalDriver struct {
	log    logrus.FieldLogger
	target Target
}

// NewLocalDriver returns a driver for the engine host.
func NewLocalDriver(log logrus.FieldLogger, target Target) *LocalDriver {
	return &LocalDriver{
		log:    log.WithFields(logrus.Fields{"driver": "local", "target": target.Name}),
		target: target,
	}
}

// Run executes command via sh -c with the ring-buffered capture used by the
// remote drivers.
func (d *LocalDriver) Run(ctx context.Context, command string, timeout time.Duration, opts *RunOptions) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := NewRingBuffer(ringBufSize)
	stderr := NewRingBuffer(ringBufSize)
	if opts == nil {
		opts = &RunOptions{}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = newTeeWriter(stdout, opts.ExtraStdout)
	cmd.Stderr = newTeeWriter(stderr, opts.ExtraStderr)

	// The shell gets its own process group so cancellation kills its
	// children too; otherwise a grandchild holding the output pipes keeps
	// Run blocked past the cancel. WaitDelay bounds the wait regardless.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = cancelWaitDelay

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// The shell itself could not be started.
			return nil, &ConnectionError{Target: d.target.Name, Err: err}
		}
	}

	d.log.WithFields(logrus.Fields{
		"exit_code": res.ExitCode,
		"duration":  res.Duration.Round(time.Millisecond).String(),
		"timed_out": res.TimedOut,
	}).Debug("command finished")
	return res, nil
}

// Close is a no-op.
func (d *LocalDriver) Close() error { return nil }
