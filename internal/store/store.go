// Package store persists runbook documents, executions, step executions,
// approval requests and circuit breaker state.
package store

import (
	"context"
	"time"
)

// Execution states. Terminal states are final; no transition leaves them.
const (
	StatePendingApproval = "pending_approval"
	StateApproved        = "approved"
	StateRunning         = "running"
	StateRollingBack     = "rolling_back"
	StateSuccess         = "success"
	StateFailed          = "failed"
	StateCancelled       = "cancelled"
	StateRolledBack      = "rolled_back"
)

// IsTerminal reports whether the state is final.
func IsTerminal(state string) bool {
	switch state {
	case StateSuccess, StateFailed, StateCancelled, StateRolledBack:
		return true
	}
	return false
}

// Machine-readable reason codes carried by terminal non-success states.
const (
	ReasonBlackout         = "blackout_active"
	ReasonCircuitOpen      = "circuit_open"
	ReasonRateLimited      = "rate_limited"
	ReasonCooldown         = "cooldown_active"
	ReasonApprovalTimeout  = "approval_timeout"
	ReasonApprovalRejected = "approval_rejected"
	ReasonConnectionError  = "connection_error"
	ReasonCommandFailed    = "command_failed"
	ReasonTimeout          = "timeout"
	ReasonRollbackFailed   = "rollback_failed"
	ReasonCancelled        = "cancelled"
	ReasonInterrupted      = "interrupted"
)

// SafetyReasons are the gate rejection codes. Executions blocked with one of
// these never create step rows and never count against the circuit breaker.
var SafetyReasons = map[string]struct{}{
	ReasonBlackout:    {},
	ReasonCircuitOpen: {},
	ReasonRateLimited: {},
	ReasonCooldown:    {},
}

// Step execution statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Step execution phases. Rollback rows only exist once an execution enters
// rolling_back.
const (
	PhaseForward  = "forward"
	PhaseRollback = "rollback"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// Trigger sources.
const (
	TriggerAlert    = "alert"
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// RunbookRecord is a stored runbook document plus identity metadata.
type RunbookRecord struct {
	ID        string
	Name      string
	Version   int
	Document  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is one run of a runbook against a trigger context. Snapshot holds
// the marshalled definition the execution bound to.
type Execution struct {
	ID             string     `json:"id"`
	RunbookID      string     `json:"runbook_id"`
	RunbookName    string     `json:"runbook_name"`
	RunbookVersion int        `json:"runbook_version"`
	Snapshot       string     `json:"-"`
	TriggerSource  string     `json:"trigger_source"`
	AlertID        string     `json:"alert_id,omitempty"`
	AlertPayload   string     `json:"-"` // JSON alert document captured at trigger time
	RequestedBy    string     `json:"requested_by,omitempty"`
	State          string     `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	CurrentOrder   int        `json:"current_order"`
	Parked         bool       `json:"parked,omitempty"`
	ApprovalID     string     `json:"approval_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// StepExecution is the recorded result of one step attempt. Append-only once
// terminal; owned exclusively by its execution.
type StepExecution struct {
	ExecutionID string     `json:"-"`
	Phase       string     `json:"phase"`
	Order       int        `json:"order"`
	Name        string     `json:"name"`
	Kind        string     `json:"step_type"`
	Status      string     `json:"status"`
	ExitCode    int        `json:"exit_code"`
	StatusCode  int        `json:"status_code,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	ErrorMsg    string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Approval is a pending or decided approval request. StepOrder is zero for
// the pre-execution approval gate and the step order for mid-runbook
// manual_approval steps.
type Approval struct {
	ID            string     `json:"id"`
	ExecutionID   string     `json:"execution_id"`
	StepOrder     int        `json:"step_order,omitempty"`
	RequiredRoles []string   `json:"required_roles,omitempty"`
	Status        string     `json:"status"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

// BreakerRecord is the persisted circuit breaker state for one runbook.
type BreakerRecord struct {
	RunbookID        string
	State            string
	Failures         int
	Openings         int
	OpenedUntil      *time.Time
	LastTransitionAt time.Time
}

// ListOpts controls filtering and pagination for execution queries.
type ListOpts struct {
	RunbookID string
	State     string
	Limit     int
	Offset    int
}

// Store is the persistence interface consumed by the engine and the API.
type Store interface {
	SaveRunbook(ctx context.Context, rec *RunbookRecord) error
	GetRunbook(ctx context.Context, id string) (*RunbookRecord, error)
	ListRunbooks(ctx context.Context) ([]*RunbookRecord, error)
	DeleteRunbook(ctx context.Context, id string) error

	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error)
	ListExecutionsInStates(ctx context.Context, states ...string) ([]*Execution, error)
	StartsSince(ctx context.Context, runbookID string, since time.Time) ([]time.Time, error)
	LastStartAt(ctx context.Context, runbookID string) (*time.Time, error)

	SaveStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	SaveApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	PendingApprovalForExecution(ctx context.Context, executionID string) (*Approval, error)
	ListPendingApprovals(ctx context.Context) ([]*Approval, error)

	SaveBreaker(ctx context.Context, rec *BreakerRecord) error
	GetBreaker(ctx context.Context, runbookID string) (*BreakerRecord, error)
	ListBreakers(ctx context.Context) ([]*BreakerRecord, error)

	Close() error
}
