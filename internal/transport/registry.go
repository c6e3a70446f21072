package transport

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Target is one machine the engine may act on. Targets live in the daemon
// configuration, never in runbooks: a runbook names a target, credentials
// stay with the operator.
type Target struct {
	Name           string `yaml:"-"`
	OSType         string `yaml:"os_type"`             // linux or windows
	Transport      string `yaml:"transport,omitempty"` // ssh, winrm or local; defaults by os_type
	Host           string `yaml:"host"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user,omitempty"`
	Password       string `yaml:"password,omitempty"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`
	Elevate        bool   `yaml:"elevate,omitempty"` // prefix commands with sudo -n (ssh only)
	UseTLS         bool   `yaml:"use_tls,omitempty"` // winrm over https
	Insecure       bool   `yaml:"insecure,omitempty"`
	Auth           string `yaml:"auth,omitempty"`         // winrm: ntlm (default) or basic
	Shell          string `yaml:"shell,omitempty"`        // winrm: powershell (default) or cmd
	DialTimeoutSec int    `yaml:"dial_timeout,omitempty"` // seconds, default 10
}

func (t Target) port(def int) int {
	if t.Port > 0 {
		return t.Port
	}
	return def
}

func (t Target) dialTimeout() time.Duration {
	if t.DialTimeoutSec > 0 {
		return time.Duration(t.DialTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

func (t Target) transport() string {
	if t.Transport != "" {
		return t.Transport
	}
	if t.OSType == "windows" {
		return "winrm"
	}
	return "ssh"
}

// DialFunc opens a driver for a target. Swappable in tests.
type DialFunc func(log logrus.FieldLogger, target Target) (Driver, error)

// Registry resolves target names from runbook steps to configured targets and
// dials the matching driver. Connections are per step run; nothing is pooled.
type Registry struct {
	log     logrus.FieldLogger
	targets map[string]Target
	dial    DialFunc
}

// NewRegistry builds a Registry from the configured target map.
func NewRegistry(log logrus.FieldLogger, targets map[string]Target) *Registry {
	named := make(map[string]Target, len(targets))
	for name, t := range targets {
		t.Name = name
		named[name] = t
	}
	r := &Registry{log: log, targets: named}
	r.dial = r.defaultDial
	return r
}

// SetDialFunc overrides driver construction. Tests only.
func (r *Registry) SetDialFunc(dial DialFunc) { r.dial = dial }

// Names returns the configured target names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named target.
func (r *Registry) Lookup(name string) (Target, error) {
	t, ok := r.targets[name]
	if !ok {
		return Target{}, fmt.Errorf("target %q is not configured", name)
	}
	return t, nil
}

// Open resolves the target and dials a driver for it. osType is the step's
// declared platform and must match the target's, so a Linux command can never
// land on a Windows box through a stale runbook edit.
func (r *Registry) Open(name, osType string) (Driver, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if osType != "" && t.OSType != osType {
		return nil, fmt.Errorf("target %q is %s, step expects %s", name, t.OSType, osType)
	}
	return r.dial(r.log, t)
}

func (r *Registry) defaultDial(log logrus.FieldLogger, t Target) (Driver, error) {
	switch t.transport() {
	case "local":
		return NewLocalDriver(log, t), nil
	case "winrm":
		return DialWinRM(log, t)
	case "ssh":
		return DialSSH(log, t)
	default:
		return nil, fmt.Errorf("target %q: unknown transport %q", t.Name, t.Transport)
	}
}
