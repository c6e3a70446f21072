package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SSHDriver runs commands on a Linux target over an established SSH
// connection. One driver wraps one connection; sessions are per-command.
type SSHDriver struct {
	log    logrus.FieldLogger
	target Target
	client *ssh.Client
}

// DialSSH connects to the target and returns a ready driver. Authentication
// tries the private key first, then the password, whichever is configured.
func DialSSH(log logrus.FieldLogger, target Target) (*SSHDriver, error) {
	var methods []ssh.AuthMethod
	if target.PrivateKeyFile != "" {
		key, err := os.ReadFile(target.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key for %s: %w", target.Name, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key for %s: %w", target.Name, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("target %s: no ssh credentials configured", target.Name)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if target.KnownHostsFile != "" {
		cb, err := knownHostsCallback(target.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target.Name, err)
		}
		hostKey = cb
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         target.dialTimeout(),
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.port(22))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, &ConnectionError{Target: target.Name, Err: err}
	}
	return &SSHDriver{
		log:    log.WithFields(logrus.Fields{"driver": "ssh", "target": target.Name}),
		target: target,
		client: client,
	}, nil
}

// knownHostsCallback verifies host keys against an OpenSSH known_hosts file.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read known_hosts: %w", err)
	}
	var keys []ssh.PublicKey
	for len(data) > 0 {
		_, _, key, _, rest, err := ssh.ParseKnownHosts(data)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse known_hosts: %w", err)
		}
		keys = append(keys, key)
		data = rest
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		want := key.Marshal()
		for _, k := range keys {
			if string(k.Marshal()) == string(want) {
				return nil
			}
		}
		return fmt.Errorf("host key for %s not in known_hosts", hostname)
	}, nil
}

// Run executes the command in a fresh session. Output is captured into ring
// buffers so a runaway command cannot exhaust memory; the tail survives.
func (d *SSHDriver) Run(ctx context.Context, command string, timeout time.Duration, opts *RunOptions) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := d.client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Target: d.target.Name, Err: err}
	}
	defer session.Close()

	stdout := NewRingBuffer(ringBufSize)
	stderr := NewRingBuffer(ringBufSize)
	if opts == nil {
		opts = &RunOptions{}
	}
	session.Stdout = newTeeWriter(stdout, opts.ExtraStdout)
	session.Stderr = newTeeWriter(stderr, opts.ExtraStderr)

	if d.target.Elevate {
		command = "sudo -n -- sh -c " + shellQuote(command)
	}

	start := time.Now()
	if err := session.Start(command); err != nil {
		return nil, &ConnectionError{Target: d.target.Name, Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	res := &Result{}
	select {
	case <-ctx.Done():
		// Best effort: signal the remote process, then tear the session down.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-waitCh
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
	case err := <-waitCh:
		res.ExitCode = sshExitCode(err)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	d.log.WithFields(logrus.Fields{
		"exit_code": res.ExitCode,
		"duration":  res.Duration.Round(time.Millisecond).String(),
		"timed_out": res.TimedOut,
	}).Debug("command finished")
	return res, nil
}

func sshExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	// Session died without delivering an exit status.
	return -1
}

// Upload copies src to remotePath over SFTP and applies mode.
func (d *SSHDriver) Upload(ctx context.Context, src io.Reader, remotePath string, mode uint32) error {
	client, err := sftp.NewClient(d.client)
	if err != nil {
		return &ConnectionError{Target: d.target.Name, Err: err}
	}
	defer client.Close()

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s on %s: %w", remotePath, d.target.Name, err)
	}
	defer f.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(f, src)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write %s on %s: %w", remotePath, d.target.Name, err)
		}
	}
	return client.Chmod(remotePath, os.FileMode(mode))
}

// Close tears down the SSH connection.
func (d *SSHDriver) Close() error {
	return d.client.Close()
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so it
// survives one level of shell interpretation intact.
func shellQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
