// Package runbook defines remediation runbook definitions: ordered step
// lists with optional rollback steps, safety limits, and approval policy.
package runbook

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Step types dispatched by the executor.
const (
	StepCommand        = "command"
	StepAPICall        = "api_call"
	StepConditional    = "conditional"
	StepLoop           = "loop"
	StepManualApproval = "manual_approval"
)

// OS types selecting the remote execution driver for command steps.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

// BlackoutWindow is a recurring time range during which executions are refused.
// Start and End are "HH:MM" in the engine's local time. A window whose End is
// before its Start wraps past midnight.
type BlackoutWindow struct {
	Days  []string `yaml:"days" json:"days"`
	Start string   `yaml:"start" json:"start"`
	End   string   `yaml:"end" json:"end"`
}

// StepSpec describes a single runbook step. The fields that apply depend on
// Type; Validate enforces the per-type requirements.
type StepSpec struct {
	Order int    `yaml:"order" json:"order"`
	Name  string `yaml:"name" json:"name"`
	Type  string `yaml:"step_type" json:"step_type"`

	// command steps
	OSType  string `yaml:"os_type,omitempty" json:"os_type,omitempty"`
	Target  string `yaml:"target,omitempty" json:"target,omitempty"`
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	// ExpectedExitCode defaults to 0 when unset.
	ExpectedExitCode *int `yaml:"expected_exit_code,omitempty" json:"expected_exit_code,omitempty"`

	// api_call steps
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Method   string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body     string            `yaml:"body,omitempty" json:"body,omitempty"`
	// ExpectedStatusCode defaults to 200 when unset.
	ExpectedStatusCode *int `yaml:"expected_status_code,omitempty" json:"expected_status_code,omitempty"`

	// conditional steps: Predicate is an expression over the render scope;
	// control jumps to ThenOrder or ElseOrder without executing the steps
	// skipped over.
	Predicate string `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	ThenOrder int    `yaml:"then_order,omitempty" json:"then_order,omitempty"`
	ElseOrder int    `yaml:"else_order,omitempty" json:"else_order,omitempty"`

	// loop steps: Items is an expression producing a list; Step is the
	// embedded body executed once per item. Nested loops and conditionals
	// are rejected by validation.
	Items         string    `yaml:"items,omitempty" json:"items,omitempty"`
	MaxIterations int       `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Step          *StepSpec `yaml:"step,omitempty" json:"step,omitempty"`

	// manual_approval steps
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ParseTimeout parses the step timeout. Returns 0 if unset.
func (s *StepSpec) ParseTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}

// ExitCriterion returns the expected exit code, defaulting to 0.
func (s *StepSpec) ExitCriterion() int {
	if s.ExpectedExitCode == nil {
		return 0
	}
	return *s.ExpectedExitCode
}

// StatusCriterion returns the expected HTTP status, defaulting to 200.
func (s *StepSpec) StatusCriterion() int {
	if s.ExpectedStatusCode == nil {
		return 200
	}
	return *s.ExpectedStatusCode
}

// Definition is an immutable-per-version runbook definition. An execution
// always binds to the snapshot it was created against; updates bump Version
// and never touch in-flight executions.
type Definition struct {
	ID          string `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     int    `yaml:"-" json:"version,omitempty"`

	// Schedule is an optional cron expression for periodic triggers.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	ApprovalRequired bool     `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	ApproverRoles    []string `yaml:"approver_roles,omitempty" json:"approver_roles,omitempty"`
	AutoExecute      bool     `yaml:"auto_execute,omitempty" json:"auto_execute,omitempty"`

	MaxExecutionsPerHour    int              `yaml:"max_executions_per_hour,omitempty" json:"max_executions_per_hour,omitempty"`
	CooldownMinutes         int              `yaml:"cooldown_minutes,omitempty" json:"cooldown_minutes,omitempty"`
	CircuitBreakerThreshold int              `yaml:"circuit_breaker_threshold,omitempty" json:"circuit_breaker_threshold,omitempty"`
	BlackoutWindows         []BlackoutWindow `yaml:"blackout_windows,omitempty" json:"blackout_windows,omitempty"`

	Steps         []StepSpec `yaml:"steps" json:"steps"`
	RollbackSteps []StepSpec `yaml:"rollback_steps,omitempty" json:"rollback_steps,omitempty"`
}

// Cooldown returns the cooldown as a duration.
func (d *Definition) Cooldown() time.Duration {
	return time.Duration(d.CooldownMinutes) * time.Minute
}

// StepByOrder returns the forward step with the given order, or nil.
func (d *Definition) StepByOrder(order int) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].Order == order {
			return &d.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	data, err := yaml.Marshal(d)
	if err != nil {
		cp := *d
		return &cp
	}
	var cp Definition
	if err := yaml.Unmarshal(data, &cp); err != nil {
		cp = *d
	}
	cp.Version = d.Version
	return &cp
}

// Marshal serializes the definition as a single YAML document.
func Marshal(d *Definition) ([]byte, error) {
	return yaml.Marshal(d)
}

// Parse parses a single definition document and applies defaults.
// The payload may be YAML or JSON (JSON is a subset of YAML).
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	applyDefaults(&d)
	return &d, nil
}

func applyDefaults(d *Definition) {
	for i := range d.Steps {
		applyStepDefaults(&d.Steps[i])
	}
	for i := range d.RollbackSteps {
		applyStepDefaults(&d.RollbackSteps[i])
	}
}

func applyStepDefaults(s *StepSpec) {
	if s.Type == StepAPICall && s.Method == "" {
		s.Method = "GET"
	}
	if s.Type == StepCommand && s.OSType == "" {
		s.OSType = OSLinux
	}
	if s.Step != nil {
		applyStepDefaults(s.Step)
	}
}
