// Package executor runs individual runbook steps: commands over the
// transport drivers, HTTP api_calls, conditional jumps, loops and manual
// approval markers. It is stateless between steps; the engine owns ordering,
// persistence and the variable scope.
package executor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
	"github.com/maftabmirza/remediation-engine-sub000/internal/template"
	"github.com/maftabmirza/remediation-engine-sub000/internal/transport"
)

// Result is the outcome of one step attempt.
type Result struct {
	Status     string // store.StepSuccess, StepFailed or StepSkipped
	ExitCode   int
	StatusCode int
	Stdout     string
	Stderr     string
	ErrorMsg   string

	// FailureReason classifies a failed step for the execution record:
	// command_failed, connection_error or timeout. Empty on success.
	FailureReason string

	// NextOrder redirects control when a conditional fires; zero means
	// continue sequentially.
	NextOrder int

	// Park signals a manual_approval step: the engine must persist state,
	// release the worker and wait for a decision. Message is the rendered
	// prompt shown to approvers.
	Park    bool
	Message string
}

func failure(reason, msg string) *Result {
	return &Result{Status: store.StepFailed, FailureReason: reason, ErrorMsg: msg}
}

// Executor dispatches steps by kind.
type Executor struct {
	log     logrus.FieldLogger
	drivers *transport.Registry
	client  *http.Client
}

// New creates an Executor over the given driver registry.
func New(log logrus.FieldLogger, drivers *transport.Registry) *Executor {
	return &Executor{
		log:     log.WithField("component", "executor"),
		drivers: drivers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the api_call client. Tests only.
func (e *Executor) SetHTTPClient(c *http.Client) { e.client = c }

// RunStep executes one step against the scope. The returned error is reserved
// for context cancellation; every other failure mode is expressed in the
// Result so the engine can persist and classify it.
func (e *Executor) RunStep(ctx context.Context, step *runbook.StepSpec, scope map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch step.Type {
	case runbook.StepCommand:
		return e.runCommand(ctx, step, scope)
	case runbook.StepAPICall:
		return e.runAPICall(ctx, step, scope)
	case runbook.StepConditional:
		return e.runConditional(step, scope)
	case runbook.StepLoop:
		return e.runLoop(ctx, step, scope)
	case runbook.StepManualApproval:
		return e.runManualApproval(step, scope)
	default:
		return failure(store.ReasonCommandFailed, "unknown step type "+step.Type), nil
	}
}

func (e *Executor) runCommand(ctx context.Context, step *runbook.StepSpec, scope map[string]any) (*Result, error) {
	command, err := template.Render(step.Command, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, err.Error()), nil
	}
	timeout, err := step.ParseTimeout()
	if err != nil {
		return failure(store.ReasonCommandFailed, "bad timeout: "+err.Error()), nil
	}

	driver, err := e.drivers.Open(step.Target, step.OSType)
	if err != nil {
		return failure(classifyDriverErr(err), err.Error()), nil
	}
	defer driver.Close()

	res, err := driver.Run(ctx, command, timeout, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return failure(classifyDriverErr(err), err.Error()), nil
	}

	out := &Result{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	switch {
	case res.TimedOut:
		out.Status = store.StepFailed
		out.FailureReason = store.ReasonTimeout
		out.ErrorMsg = "command timed out"
	case res.ExitCode != step.ExitCriterion():
		out.Status = store.StepFailed
		out.FailureReason = store.ReasonCommandFailed
		out.ErrorMsg = "unexpected exit code"
	default:
		out.Status = store.StepSuccess
	}
	return out, nil
}

func classifyDriverErr(err error) string {
	var ce *transport.ConnectionError
	if errors.As(err, &ce) {
		return store.ReasonConnectionError
	}
	return store.ReasonCommandFailed
}

func (e *Executor) runManualApproval(step *runbook.StepSpec, scope map[string]any) (*Result, error) {
	msg, err := template.Render(step.Message, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, err.Error()), nil
	}
	return &Result{Status: store.StepRunning, Park: true, Message: msg}, nil
}

// MergeStepOutput exposes a finished step's output to later templates under
// steps.<name>.
func MergeStepOutput(scope map[string]any, name string, res *Result) {
	steps, ok := scope["steps"].(map[string]any)
	if !ok {
		steps = make(map[string]any)
		scope["steps"] = steps
	}
	steps[name] = map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"status_code": res.StatusCode,
	}
}
