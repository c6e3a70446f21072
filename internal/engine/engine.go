// Package engine coordinates execution of runbooks: triggering, the worker
// pool, the safety gate, approval parking, rollback and crash recovery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maftabmirza/remediation-engine-sub000/internal/approval"
	"github.com/maftabmirza/remediation-engine-sub000/internal/events"
	"github.com/maftabmirza/remediation-engine-sub000/internal/executor"
	"github.com/maftabmirza/remediation-engine-sub000/internal/metrics"
	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/safety"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// ErrTerminal is returned when an operation targets an execution that already
// reached a terminal state.
var ErrTerminal = errors.New("execution is in a terminal state")

// TriggerRequest describes one request to run a runbook.
type TriggerRequest struct {
	RunbookID   string
	Source      string // store.TriggerAlert, TriggerManual or TriggerSchedule
	AlertID     string
	Alert       map[string]any
	RequestedBy string
}

// Engine owns the execution lifecycle.
type Engine struct {
	log       logrus.FieldLogger
	store     store.Store
	registry  *runbook.Registry
	gate      *safety.Gate
	approvals *approval.Manager
	exec      *executor.Executor
	broker    *events.Broker
	metrics   *metrics.Metrics

	queue    chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wantCxl map[string]bool

	now func() time.Time
}

// Options collects the engine's collaborators.
type Options struct {
	Log       logrus.FieldLogger
	Store     store.Store
	Registry  *runbook.Registry
	Gate      *safety.Gate
	Approvals *approval.Manager
	Executor  *executor.Executor
	Broker    *events.Broker
	Metrics   *metrics.Metrics
}

// New creates an Engine. The approval manager's expiry callback is installed
// here so timed-out requests feed back into execution state.
func New(opts Options) *Engine {
	e := &Engine{
		log:       opts.Log.WithField("component", "engine"),
		store:     opts.Store,
		registry:  opts.Registry,
		gate:      opts.Gate,
		approvals: opts.Approvals,
		exec:      opts.Executor,
		broker:    opts.Broker,
		metrics:   opts.Metrics,
		queue:     make(chan string, 256),
		done:      make(chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
		wantCxl:   make(map[string]bool),
		now:       time.Now,
	}
	e.approvals.OnExpired = e.onApprovalExpired
	return e
}

// Start launches the worker pool.
func (e *Engine) Start(workers int) {
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-e.done:
					return
				case id := <-e.queue:
					e.metrics.QueueDepth.Set(float64(len(e.queue)))
					e.metrics.WorkersBusy.Inc()
					e.runOne(id)
					e.metrics.WorkersBusy.Dec()
				}
			}
		}()
	}
	e.log.WithField("workers", workers).Info("engine started")
}

// Stop drains the workers. In-flight executions are interrupted via their
// contexts and will be marked failed/interrupted by recovery on next boot if
// they cannot finish in time.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Trigger creates an execution for the runbook and either parks it behind the
// approval gate or enqueues it for a worker. The safety gate is evaluated at
// execution start, not here, so an approved-then-queued execution still gets
// checked against the state of the world when it actually runs.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*store.Execution, error) {
	def, err := e.registry.Get(req.RunbookID)
	if err != nil {
		return nil, err
	}

	snapshot, err := runbook.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("snapshot runbook: %w", err)
	}
	var payload string
	if req.Alert != nil {
		data, err := json.Marshal(req.Alert)
		if err != nil {
			return nil, fmt.Errorf("encode alert payload: %w", err)
		}
		payload = string(data)
	}

	exec := &store.Execution{
		ID:             store.NewExecutionID(),
		RunbookID:      def.ID,
		RunbookName:    def.Name,
		RunbookVersion: def.Version,
		Snapshot:       string(snapshot),
		TriggerSource:  req.Source,
		AlertID:        req.AlertID,
		AlertPayload:   payload,
		RequestedBy:    req.RequestedBy,
		CreatedAt:      e.now().UTC(),
	}

	// auto_execute lets alert-driven triggers bypass the approval gate;
	// manual and scheduled triggers of an approval_required runbook always
	// wait for a human.
	needApproval := def.ApprovalRequired && !(req.Source == store.TriggerAlert && def.AutoExecute)
	if needApproval {
		exec.State = store.StatePendingApproval
	} else {
		exec.State = store.StateApproved
	}

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}

	if needApproval {
		a, err := e.approvals.Create(ctx, exec.ID, 0, def.ApproverRoles)
		if err != nil {
			return nil, err
		}
		exec.ApprovalID = a.ID
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		e.publishState(exec, "", store.StatePendingApproval, "")
		return exec, nil
	}

	e.publishState(exec, "", store.StateApproved, "")
	e.enqueue(exec.ID)
	return exec, nil
}

func (e *Engine) enqueue(id string) {
	select {
	case e.queue <- id:
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
	case <-e.done:
	}
}

// Approve records a positive decision. A pending_approval execution moves to
// approved and is enqueued; a parked manual_approval step is marked done and
// the execution resumes at the next step.
func (e *Engine) Approve(ctx context.Context, executionID, actor string, roles []string) (*store.Execution, error) {
	a, err := e.approvals.Approve(ctx, executionID, actor, roles)
	if err != nil {
		return nil, err
	}
	e.metrics.ApprovalsDecided.WithLabelValues(store.ApprovalApproved).Inc()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		return nil, firstErr(err, fmt.Errorf("execution %s not found", executionID))
	}

	switch {
	case exec.State == store.StatePendingApproval:
		exec.State = store.StateApproved
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		e.publishState(exec, store.StatePendingApproval, store.StateApproved, "")
		e.enqueue(exec.ID)

	case exec.State == store.StateRunning && exec.Parked && a.StepOrder > 0:
		now := e.now().UTC()
		row := e.stepRow(ctx, exec, store.PhaseForward, a.StepOrder)
		row.Name = stepName(exec, a.StepOrder)
		row.Kind = runbook.StepManualApproval
		row.Status = store.StepSuccess
		row.FinishedAt = &now
		if err := e.store.SaveStepExecution(ctx, row); err != nil {
			return nil, err
		}
		exec.Parked = false
		exec.CurrentOrder = a.StepOrder + 1
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		e.broker.Publish(events.Event{
			Type:        events.TypeApproval,
			ExecutionID: exec.ID,
			RunbookID:   exec.RunbookID,
			StepOrder:   a.StepOrder,
			NewState:    store.ApprovalApproved,
		})
		e.enqueue(exec.ID)

	default:
		return nil, fmt.Errorf("execution %s is %s, cannot apply approval", exec.ID, exec.State)
	}
	return exec, nil
}

// Reject records a negative decision. A pending_approval execution is
// cancelled before any action runs; a parked mid-runbook execution rolls back
// the actions already taken.
func (e *Engine) Reject(ctx context.Context, executionID, actor, reason string, roles []string) (*store.Execution, error) {
	a, err := e.approvals.Reject(ctx, executionID, actor, reason)
	if err != nil {
		return nil, err
	}
	e.metrics.ApprovalsDecided.WithLabelValues(store.ApprovalRejected).Inc()
	return e.failApproval(ctx, executionID, a.StepOrder, store.ReasonApprovalRejected,
		fmt.Sprintf("approval rejected by %s", actor))
}

func (e *Engine) onApprovalExpired(a *store.Approval) {
	e.metrics.ApprovalsDecided.WithLabelValues(store.ApprovalExpired).Inc()
	if _, err := e.failApproval(context.Background(), a.ExecutionID, a.StepOrder,
		store.ReasonApprovalTimeout, "approval request expired"); err != nil {
		e.log.WithError(err).WithField("execution_id", a.ExecutionID).Error("failed to apply approval expiry")
	}
}

// failApproval applies a rejection or expiry to the execution. Pre-execution
// requests cancel the run outright; mid-runbook requests fail the parked step
// and hand the execution back to a worker, which will take the rollback path.
func (e *Engine) failApproval(ctx context.Context, executionID string, stepOrder int, reason, detail string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		return nil, firstErr(err, fmt.Errorf("execution %s not found", executionID))
	}

	switch {
	case exec.State == store.StatePendingApproval:
		e.finish(ctx, exec, store.StateCancelled, reason, false)
		return exec, nil

	case exec.State == store.StateRunning && exec.Parked && stepOrder > 0:
		now := e.now().UTC()
		row := e.stepRow(ctx, exec, store.PhaseForward, stepOrder)
		row.Name = stepName(exec, stepOrder)
		row.Kind = runbook.StepManualApproval
		row.Status = store.StepFailed
		row.ErrorMsg = detail
		row.FinishedAt = &now
		if err := e.store.SaveStepExecution(ctx, row); err != nil {
			return nil, err
		}
		exec.Parked = false
		exec.Reason = reason
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		e.enqueue(exec.ID)
		return exec, nil

	default:
		return nil, fmt.Errorf("execution %s is %s, cannot apply decision", exec.ID, exec.State)
	}
}

// Cancel requests cancellation. Pending executions cancel immediately; a
// running execution is cancelled between steps, interrupting the in-flight
// command via its context.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		return nil, firstErr(err, fmt.Errorf("execution %s not found", executionID))
	}
	if store.IsTerminal(exec.State) {
		return nil, ErrTerminal
	}

	switch exec.State {
	case store.StatePendingApproval:
		_ = e.approvals.Expire(ctx, exec.ID)
		e.finish(ctx, exec, store.StateCancelled, store.ReasonCancelled, false)
		return exec, nil

	case store.StateApproved:
		// Queued but not picked up: flag it so the worker drops it.
		e.mu.Lock()
		e.wantCxl[exec.ID] = true
		e.mu.Unlock()
		return exec, nil

	default: // running or rolling_back
		if exec.Parked {
			_ = e.approvals.Expire(ctx, exec.ID)
			e.finish(ctx, exec, store.StateCancelled, store.ReasonCancelled, false)
			return exec, nil
		}
		e.mu.Lock()
		e.wantCxl[exec.ID] = true
		if cancel, ok := e.cancels[exec.ID]; ok {
			cancel()
		}
		e.mu.Unlock()
		return exec, nil
	}
}

// Recover repairs state after an unclean shutdown: orphaned running
// executions fail as interrupted, approved ones are re-queued, and parked
// executions stay parked with their durable approval requests intact.
func (e *Engine) Recover(ctx context.Context) error {
	orphans, err := e.store.ListExecutionsInStates(ctx, store.StateRunning, store.StateRollingBack)
	if err != nil {
		return err
	}
	for _, exec := range orphans {
		if exec.Parked {
			continue
		}
		steps, err := e.store.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		for _, st := range steps {
			if st.Status == store.StepRunning {
				st.Status = store.StepFailed
				st.ErrorMsg = "interrupted by engine restart"
				st.FinishedAt = &now
				if err := e.store.SaveStepExecution(ctx, st); err != nil {
					return err
				}
			}
		}
		e.log.WithField("execution_id", exec.ID).Warn("marking orphaned execution interrupted")
		e.finish(ctx, exec, store.StateFailed, store.ReasonInterrupted, false)
	}

	queued, err := e.store.ListExecutionsInStates(ctx, store.StateApproved)
	if err != nil {
		return err
	}
	for _, exec := range queued {
		e.enqueue(exec.ID)
	}
	return nil
}

// SeedGate restores breaker state and rate/cooldown history from the store.
func (e *Engine) SeedGate(ctx context.Context) error {
	breakers, err := e.store.ListBreakers(ctx)
	if err != nil {
		return err
	}
	recs := make(map[string]*store.BreakerRecord, len(breakers))
	for _, rec := range breakers {
		recs[rec.RunbookID] = rec
		e.metrics.SetBreakerState(rec.RunbookID, rec.State)
	}

	for _, def := range e.registry.List() {
		starts, err := e.store.StartsSince(ctx, def.ID, e.now().Add(-time.Hour))
		if err != nil {
			return err
		}
		last, err := e.store.LastStartAt(ctx, def.ID)
		if err != nil {
			return err
		}
		e.gate.Seed(def.ID, recs[def.ID], starts, last)
	}
	return nil
}

// BreakerStatus exposes the safety gate's view of a runbook breaker.
func (e *Engine) BreakerStatus(runbookID string) safety.BreakerStatus {
	return e.gate.BreakerStatus(runbookID)
}

// OverrideBreaker force-closes a breaker and persists the reset.
func (e *Engine) OverrideBreaker(ctx context.Context, runbookID, actor string) (safety.BreakerStatus, error) {
	st := e.gate.Override(runbookID, actor)
	if err := e.persistBreaker(ctx, runbookID, st); err != nil {
		return st, err
	}
	e.broker.Publish(events.Event{
		Type:      events.TypeBreaker,
		RunbookID: runbookID,
		NewState:  st.State,
	})
	return st, nil
}

func (e *Engine) persistBreaker(ctx context.Context, runbookID string, st safety.BreakerStatus) error {
	e.metrics.SetBreakerState(runbookID, st.State)
	return e.store.SaveBreaker(ctx, &store.BreakerRecord{
		RunbookID:        runbookID,
		State:            st.State,
		Failures:         st.Failures,
		Openings:         st.Openings,
		OpenedUntil:      st.OpenedUntil,
		LastTransitionAt: st.LastTransitionAt,
	})
}

// stepRow returns the stored row for (phase, order) so updates keep its
// started_at, or a fresh row when none exists yet.
func (e *Engine) stepRow(ctx context.Context, exec *store.Execution, phase string, order int) *store.StepExecution {
	rows, err := e.store.ListStepExecutions(ctx, exec.ID)
	if err == nil {
		for _, r := range rows {
			if r.Phase == phase && r.Order == order {
				return r
			}
		}
	}
	return &store.StepExecution{ExecutionID: exec.ID, Phase: phase, Order: order}
}

// ForgetRunbook drops safety-gate state for a deleted runbook.
func (e *Engine) ForgetRunbook(runbookID string) {
	e.gate.Forget(runbookID)
}

func (e *Engine) cancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wantCxl[id]
}

func (e *Engine) publishState(exec *store.Execution, oldState, newState, reason string) {
	e.broker.Publish(events.Event{
		Type:        events.TypeStateChanged,
		ExecutionID: exec.ID,
		RunbookID:   exec.RunbookID,
		RunbookName: exec.RunbookName,
		OldState:    oldState,
		NewState:    newState,
		Reason:      reason,
	})
}

// stepName looks up a forward step's name from the execution snapshot.
func stepName(exec *store.Execution, order int) string {
	def, err := runbook.Parse([]byte(exec.Snapshot))
	if err != nil {
		return ""
	}
	if s := def.StepByOrder(order); s != nil {
		return s.Name
	}
	return ""
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
