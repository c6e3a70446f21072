// Package transport provides the remote execution drivers. All drivers expose
// the same run contract (command in, exit code plus bounded stdout/stderr
// out) with identical timeout and cancellation behaviour, so the step
// executor stays transport-agnostic.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"
)

const ringBufSize = 64 * 1024 // 64KB per stream

// Result holds the structured outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// RunOptions controls optional output mirroring for a command run.
type RunOptions struct {
	ExtraStdout io.Writer
	ExtraStderr io.Writer
}

// Driver executes commands on one target. Run returns a ConnectionError when
// the target could not be reached; a command that ran and exited non-zero is
// not an error, it is a Result.
type Driver interface {
	// Run executes command, enforcing timeout when > 0. Cancellation of ctx
	// terminates the remote command best-effort but always releases local
	// resources.
	Run(ctx context.Context, command string, timeout time.Duration, opts *RunOptions) (*Result, error)
	Close() error
}

// Uploader is implemented by drivers that support file transfer.
type Uploader interface {
	Upload(ctx context.Context, src io.Reader, remotePath string, mode uint32) error
}

// ConnectionError marks a transport-level failure: the target was never
// reached, so the command did not run. Callers treat it differently from a
// command failure for retry and alerting purposes.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RingBuffer is a fixed-size circular buffer that implements io.Writer.
// It retains only the most recent bytes written, up to its capacity.
type RingBuffer struct {
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It writes p into the ring buffer,
// overwriting the oldest data if capacity is exceeded.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= rb.size {
		// Data larger than buffer; keep only the tail.
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	// Copy what fits before wrap-around.
	oldPos := rb.pos
	first := rb.size - rb.pos
	if first >= n {
		copy(rb.buf[rb.pos:], p)
	} else {
		copy(rb.buf[rb.pos:], p[:first])
		copy(rb.buf, p[first:])
	}

	rb.pos = (rb.pos + n) % rb.size
	if !rb.full && rb.pos <= oldPos {
		rb.full = true
	}
	return n, nil
}

// String returns the buffered contents in chronological order.
func (rb *RingBuffer) String() string {
	if !rb.full {
		return string(rb.buf[:rb.pos])
	}
	// Buffer is full: data from pos..end is oldest, then 0..pos is newest.
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return string(out)
}

type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
}

func newTeeWriter(primary io.Writer, secondary io.Writer) io.Writer {
	if secondary == nil {
		return primary
	}
	return &teeWriter{primary: primary, secondary: secondary}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if t.secondary != nil {
		_, _ = t.secondary.Write(p)
	}
	return n, err
}
