package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRingBufferPartialFill(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer(10)
	rb.Write([]byte("hello"))
	assert.Equal(t, "hello", rb.String())
}

func TestRingBufferKeepsTail(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdefgh"))
	rb.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", rb.String())
}

func TestRingBufferOversizedWrite(t *testing.T) {
	t.Parallel()
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))
	assert.Equal(t, "6789", rb.String())
}

func TestShellQuote(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `'echo hi'`, shellQuote("echo hi"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestLocalDriverRun(t *testing.T) {
	t.Parallel()
	d := NewLocalDriver(testLogger(), Target{Name: "engine-host", OSType: "linux", Transport: "local"})

	res, err := d.Run(context.Background(), "echo out; echo err >&2", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestLocalDriverExitCode(t *testing.T) {
	t.Parallel()
	d := NewLocalDriver(testLogger(), Target{Name: "engine-host"})

	res, err := d.Run(context.Background(), "exit 3", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalDriverTimeout(t *testing.T) {
	t.Parallel()
	d := NewLocalDriver(testLogger(), Target{Name: "engine-host"})

	res, err := d.Run(context.Background(), "sleep 5", 100*time.Millisecond, nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestLocalDriverCancelReturnsPromptly(t *testing.T) {
	t.Parallel()
	d := NewLocalDriver(testLogger(), Target{Name: "engine-host"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	// The background child inherits the output pipes; without a process
	// group kill it would keep Run blocked for the full 30s.
	start := time.Now()
	_, err := d.Run(ctx, "sleep 30 & wait", 0, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocalDriverMirrorsOutput(t *testing.T) {
	t.Parallel()
	d := NewLocalDriver(testLogger(), Target{Name: "engine-host"})

	var mirror strings.Builder
	res, err := d.Run(context.Background(), "echo streamed", 0, &RunOptions{ExtraStdout: &mirror})
	require.NoError(t, err)
	assert.Equal(t, "streamed\n", res.Stdout)
	assert.Equal(t, "streamed\n", mirror.String())
}

func TestRegistryOpenChecksOSType(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), map[string]Target{
		"web-01": {OSType: "linux", Transport: "local"},
	})

	_, err := r.Open("web-01", "windows")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step expects windows")

	d, err := r.Open("web-01", "linux")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
}

func TestRegistryUnknownTarget(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)
	_, err := r.Open("ghost", "linux")
	assert.Error(t, err)
}

func TestRegistryTransportDefaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ssh", Target{OSType: "linux"}.transport())
	assert.Equal(t, "winrm", Target{OSType: "windows"}.transport())
	assert.Equal(t, "local", Target{OSType: "linux", Transport: "local"}.transport())
}

func TestConnectionErrorUnwraps(t *testing.T) {
	t.Parallel()
	inner := errors.New("dial tcp: refused")
	err := &ConnectionError{Target: "web-01", Err: inner}

	var ce *ConnectionError
	assert.True(t, errors.As(error(err), &ce))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "web-01")
}
