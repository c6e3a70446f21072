package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/masterzen/winrm"
	"github.com/sirupsen/logrus"
)

// WinRMDriver runs commands on a Windows target over WinRM. Commands are
// wrapped for powershell unless the target's shell is set to "cmd".
type WinRMDriver struct {
	log    logrus.FieldLogger
	target Target
	client *winrm.Client
}

// DialWinRM builds a WinRM client for the target. The protocol is
// connectionless per command, so transport failures surface from Run, not
// here; only configuration errors are reported at dial time.
func DialWinRM(log logrus.FieldLogger, target Target) (*WinRMDriver, error) {
	endpoint := winrm.NewEndpoint(
		target.Host,
		target.port(5985),
		target.UseTLS,
		target.Insecure,
		nil, nil, nil,
		target.dialTimeout(),
	)

	params := winrm.DefaultParameters
	switch target.Auth {
	case "", "ntlm":
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
	case "basic":
		// Library default: plain basic auth, only sensible over TLS.
	default:
		return nil, &ConnectionError{
			Target: target.Name,
			Err:    fmt.Errorf("unsupported winrm auth %q", target.Auth),
		}
	}

	client, err := winrm.NewClientWithParameters(endpoint, target.User, target.Password, params)
	if err != nil {
		return nil, &ConnectionError{Target: target.Name, Err: err}
	}
	return &WinRMDriver{
		log:    log.WithFields(logrus.Fields{"driver": "winrm", "target": target.Name}),
		target: target,
		client: client,
	}, nil
}

// Run executes the command. A non-nil error from the WinRM client means the
// exchange with the target failed, which maps to a ConnectionError unless the
// context deadline fired first.
func (d *WinRMDriver) Run(ctx context.Context, command string, timeout time.Duration, opts *RunOptions) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if d.target.Shell != "cmd" {
		command = winrm.Powershell(command)
	}

	stdout := NewRingBuffer(ringBufSize)
	stderr := NewRingBuffer(ringBufSize)
	if opts == nil {
		opts = &RunOptions{}
	}

	start := time.Now()
	code, err := d.client.RunWithContext(ctx, command,
		newTeeWriter(stdout, opts.ExtraStdout),
		newTeeWriter(stderr, opts.ExtraStderr))
	res := &Result{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.ExitCode = -1
			return res, nil
		}
		return nil, &ConnectionError{Target: d.target.Name, Err: err}
	}
	d.log.WithFields(logrus.Fields{
		"exit_code": res.ExitCode,
		"duration":  res.Duration.Round(time.Millisecond).String(),
	}).Debug("command finished")
	return res, nil
}

// Close is a no-op; WinRM holds no persistent connection.
func (d *WinRMDriver) Close() error { return nil }
