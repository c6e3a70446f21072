package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/maftabmirza/remediation-engine-sub000/internal/events"
	"github.com/maftabmirza/remediation-engine-sub000/internal/executor"
	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// runOne drives one execution on a worker: safety gate, forward steps,
// parking for manual approval, rollback on failure and terminal bookkeeping.
// It is also the resume path for parked and checkpointed executions.
func (e *Engine) runOne(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, id)
		delete(e.wantCxl, id)
		e.mu.Unlock()
	}()

	// The run context must outlive engine shutdown cancellation only for
	// persistence, so store writes use a background context throughout.
	dbCtx := context.Background()

	exec, err := e.store.GetExecution(dbCtx, id)
	if err != nil || exec == nil {
		e.log.WithError(err).WithField("execution_id", id).Error("cannot load execution")
		return
	}
	if store.IsTerminal(exec.State) {
		return
	}
	log := e.log.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"runbook":      exec.RunbookName,
	})

	if e.cancelRequested(id) {
		e.finish(dbCtx, exec, store.StateCancelled, store.ReasonCancelled, false)
		return
	}

	def, err := runbook.Parse([]byte(exec.Snapshot))
	if err != nil {
		log.WithError(err).Error("snapshot does not parse")
		e.finish(dbCtx, exec, store.StateFailed, store.ReasonCommandFailed, false)
		return
	}

	resume := exec.StartedAt != nil
	if !resume {
		dec := e.gate.CheckAndReserve(def)
		if !dec.Allowed {
			log.WithField("reason", dec.Reason).Info("safety gate refused execution")
			e.metrics.SafetyRejections.WithLabelValues(def.Name, dec.Reason).Inc()
			// Refusals record no step rows and never count against the
			// breaker: nothing ran.
			e.finish(dbCtx, exec, store.StateFailed, dec.Reason, false)
			return
		}

		now := e.now().UTC()
		old := exec.State
		exec.State = store.StateRunning
		exec.StartedAt = &now
		if len(def.Steps) > 0 {
			exec.CurrentOrder = def.Steps[0].Order
		}
		if err := e.store.SaveExecution(dbCtx, exec); err != nil {
			log.WithError(err).Error("cannot persist running state")
			return
		}
		e.metrics.ExecutionsStarted.WithLabelValues(def.Name, exec.TriggerSource).Inc()
		e.publishState(exec, old, store.StateRunning, "")

		for i := range def.Steps {
			s := &def.Steps[i]
			if err := e.store.SaveStepExecution(dbCtx, &store.StepExecution{
				ExecutionID: exec.ID,
				Phase:       store.PhaseForward,
				Order:       s.Order,
				Name:        s.Name,
				Kind:        s.Type,
				Status:      store.StepPending,
			}); err != nil {
				log.WithError(err).Error("cannot create step rows")
				return
			}
		}
	}

	rows, err := e.store.ListStepExecutions(dbCtx, exec.ID)
	if err != nil {
		log.WithError(err).Error("cannot load step rows")
		return
	}
	scope := buildScope(exec, rows)

	// A resumed execution whose current step already failed is the rejected
	// or expired mid-runbook approval: go straight to rollback.
	if resume {
		for _, row := range rows {
			if row.Phase == store.PhaseForward && row.Order == exec.CurrentOrder && row.Status == store.StepFailed {
				e.skipPendingForward(dbCtx, exec, rows)
				e.rollbackOrFail(ctx, dbCtx, exec, def, scope, exec.Reason)
				return
			}
		}
	}

	e.runForward(ctx, dbCtx, exec, def, scope, log)
}

func (e *Engine) runForward(ctx, dbCtx context.Context, exec *store.Execution, def *runbook.Definition, scope map[string]any, log logrus.FieldLogger) {
	orders := forwardOrders(def)

	for {
		idx := sort.SearchInts(orders, exec.CurrentOrder)
		if idx == len(orders) {
			e.finish(dbCtx, exec, store.StateSuccess, "", true)
			return
		}
		step := def.StepByOrder(orders[idx])

		if e.cancelRequested(exec.ID) || ctx.Err() != nil {
			e.skipPendingForwardRows(dbCtx, exec)
			e.finish(dbCtx, exec, store.StateCancelled, store.ReasonCancelled, false)
			return
		}

		started := e.now().UTC()
		row := &store.StepExecution{
			ExecutionID: exec.ID,
			Phase:       store.PhaseForward,
			Order:       step.Order,
			Name:        step.Name,
			Kind:        step.Type,
			Status:      store.StepRunning,
			StartedAt:   &started,
		}
		if err := e.store.SaveStepExecution(dbCtx, row); err != nil {
			log.WithError(err).Error("cannot mark step running")
			return
		}

		res, err := e.exec.RunStep(ctx, step, scope)
		if err != nil || e.cancelRequested(exec.ID) {
			now := e.now().UTC()
			row.Status = store.StepFailed
			row.ErrorMsg = "execution cancelled"
			row.FinishedAt = &now
			_ = e.store.SaveStepExecution(dbCtx, row)
			e.skipPendingForwardRows(dbCtx, exec)
			e.finish(dbCtx, exec, store.StateCancelled, store.ReasonCancelled, false)
			return
		}

		if res.Park {
			// manual_approval: persist the checkpoint and free the worker.
			// The step row stays running until a decision lands.
			a, err := e.approvals.Create(dbCtx, exec.ID, step.Order, def.ApproverRoles)
			if err != nil {
				log.WithError(err).Error("cannot create step approval")
				return
			}
			exec.Parked = true
			exec.CurrentOrder = step.Order
			exec.ApprovalID = a.ID
			if err := e.store.SaveExecution(dbCtx, exec); err != nil {
				log.WithError(err).Error("cannot persist parked state")
				return
			}
			e.broker.Publish(events.Event{
				Type:        events.TypeApproval,
				ExecutionID: exec.ID,
				RunbookID:   exec.RunbookID,
				StepOrder:   step.Order,
				NewState:    store.ApprovalPending,
				Reason:      res.Message,
			})
			log.WithField("step", step.Name).Info("execution parked for manual approval")
			return
		}

		finished := e.now().UTC()
		row.Status = res.Status
		row.ExitCode = res.ExitCode
		row.StatusCode = res.StatusCode
		row.Stdout = res.Stdout
		row.Stderr = res.Stderr
		row.ErrorMsg = res.ErrorMsg
		row.FinishedAt = &finished
		if err := e.store.SaveStepExecution(dbCtx, row); err != nil {
			log.WithError(err).Error("cannot persist step result")
			return
		}
		e.metrics.StepsFinished.WithLabelValues(step.Type, res.Status).Inc()
		e.metrics.StepDuration.WithLabelValues(step.Type).Observe(finished.Sub(started).Seconds())
		e.broker.Publish(events.Event{
			Type:        events.TypeStepFinished,
			ExecutionID: exec.ID,
			RunbookID:   exec.RunbookID,
			StepOrder:   step.Order,
			StepStatus:  res.Status,
			Reason:      res.FailureReason,
		})

		if res.Status == store.StepFailed {
			log.WithFields(logrus.Fields{
				"step":   step.Name,
				"reason": res.FailureReason,
			}).Warn("step failed")
			e.skipPendingForwardRows(dbCtx, exec)
			e.rollbackOrFail(ctx, dbCtx, exec, def, scope, res.FailureReason)
			return
		}

		executor.MergeStepOutput(scope, step.Name, res)

		next := nextOrder(orders, idx, res.NextOrder)
		if res.NextOrder > 0 {
			// Conditional jump: everything between here and the target was
			// deliberately not executed.
			e.skipForwardBetween(dbCtx, exec, step.Order, res.NextOrder)
		}
		exec.CurrentOrder = next
		if err := e.store.SaveExecution(dbCtx, exec); err != nil {
			log.WithError(err).Error("cannot checkpoint execution")
			return
		}
	}
}

// rollbackOrFail runs the rollback steps when the definition has them,
// otherwise fails the execution with the step's reason.
func (e *Engine) rollbackOrFail(ctx, dbCtx context.Context, exec *store.Execution, def *runbook.Definition, scope map[string]any, reason string) {
	if len(def.RollbackSteps) == 0 {
		e.finish(dbCtx, exec, store.StateFailed, reason, true)
		return
	}

	old := exec.State
	exec.State = store.StateRollingBack
	exec.Reason = reason
	if err := e.store.SaveExecution(dbCtx, exec); err != nil {
		e.log.WithError(err).Error("cannot persist rolling_back state")
		return
	}
	e.publishState(exec, old, store.StateRollingBack, reason)

	for i := range def.RollbackSteps {
		s := &def.RollbackSteps[i]
		if err := e.store.SaveStepExecution(dbCtx, &store.StepExecution{
			ExecutionID: exec.ID,
			Phase:       store.PhaseRollback,
			Order:       s.Order,
			Name:        s.Name,
			Kind:        s.Type,
			Status:      store.StepPending,
		}); err != nil {
			e.log.WithError(err).Error("cannot create rollback rows")
			return
		}
	}

	for i := range def.RollbackSteps {
		step := &def.RollbackSteps[i]

		started := e.now().UTC()
		row := &store.StepExecution{
			ExecutionID: exec.ID,
			Phase:       store.PhaseRollback,
			Order:       step.Order,
			Name:        step.Name,
			Kind:        step.Type,
			Status:      store.StepRunning,
			StartedAt:   &started,
		}
		if err := e.store.SaveStepExecution(dbCtx, row); err != nil {
			return
		}

		// Rollback ignores cancellation requests: half a rollback is worse
		// than a slow one. Only engine shutdown interrupts it.
		res, err := e.exec.RunStep(context.Background(), step, scope)
		finished := e.now().UTC()
		if err != nil {
			row.Status = store.StepFailed
			row.ErrorMsg = err.Error()
			row.FinishedAt = &finished
			_ = e.store.SaveStepExecution(dbCtx, row)
			e.skipPendingRollbackRows(dbCtx, exec, def)
			e.finish(dbCtx, exec, store.StateRolledBack, store.ReasonRollbackFailed, true)
			return
		}

		row.Status = res.Status
		row.ExitCode = res.ExitCode
		row.StatusCode = res.StatusCode
		row.Stdout = res.Stdout
		row.Stderr = res.Stderr
		row.ErrorMsg = res.ErrorMsg
		row.FinishedAt = &finished
		if err := e.store.SaveStepExecution(dbCtx, row); err != nil {
			return
		}
		e.metrics.StepsFinished.WithLabelValues(step.Type, res.Status).Inc()

		if res.Status == store.StepFailed {
			e.log.WithFields(logrus.Fields{
				"execution_id": exec.ID,
				"step":         step.Name,
			}).Error("rollback step failed, target may be in a partial state")
			e.skipPendingRollbackRows(dbCtx, exec, def)
			e.finish(dbCtx, exec, store.StateRolledBack, store.ReasonRollbackFailed, true)
			return
		}
		executor.MergeStepOutput(scope, step.Name, res)
	}

	// Rollback succeeded: the execution still failed to remediate, and the
	// original failure reason is preserved.
	e.finish(dbCtx, exec, store.StateRolledBack, reason, true)
}

// finish moves the execution to a terminal state and applies the breaker
// outcome when the execution actually ran steps.
func (e *Engine) finish(ctx context.Context, exec *store.Execution, state, reason string, penalize bool) {
	old := exec.State
	now := e.now().UTC()
	exec.State = state
	exec.Reason = reason
	exec.Parked = false
	exec.FinishedAt = &now
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Error("cannot persist terminal state")
		return
	}

	if penalize {
		if def, err := runbook.Parse([]byte(exec.Snapshot)); err == nil {
			st := e.gate.RecordResult(exec.RunbookID, def.CircuitBreakerThreshold, state == store.StateSuccess)
			if err := e.persistBreaker(ctx, exec.RunbookID, st); err != nil {
				e.log.WithError(err).Error("cannot persist breaker state")
			}
		}
	} else if exec.StartedAt != nil {
		// The execution passed the gate but ended with no verdict; free a
		// claimed half-open trial slot so the breaker can probe again.
		e.gate.ReleaseTrial(exec.RunbookID)
	}

	e.metrics.ExecutionsFinished.WithLabelValues(exec.RunbookName, state).Inc()
	e.publishState(exec, old, state, reason)
	e.log.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"runbook":      exec.RunbookName,
		"state":        state,
		"reason":       reason,
	}).Info("execution finished")
}

// skipPendingForwardRows marks every still-pending forward row skipped.
func (e *Engine) skipPendingForwardRows(ctx context.Context, exec *store.Execution) {
	rows, err := e.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		return
	}
	e.skipPendingForward(ctx, exec, rows)
}

func (e *Engine) skipPendingForward(ctx context.Context, exec *store.Execution, rows []*store.StepExecution) {
	for _, row := range rows {
		if row.Phase == store.PhaseForward && row.Status == store.StepPending {
			row.Status = store.StepSkipped
			_ = e.store.SaveStepExecution(ctx, row)
		}
	}
}

// skipForwardBetween marks the rows a conditional jumped over as skipped.
func (e *Engine) skipForwardBetween(ctx context.Context, exec *store.Execution, from, to int) {
	rows, err := e.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		return
	}
	for _, row := range rows {
		if row.Phase == store.PhaseForward && row.Status == store.StepPending &&
			row.Order > from && row.Order < to {
			row.Status = store.StepSkipped
			_ = e.store.SaveStepExecution(ctx, row)
		}
	}
}

func (e *Engine) skipPendingRollbackRows(ctx context.Context, exec *store.Execution, def *runbook.Definition) {
	rows, err := e.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		return
	}
	for _, row := range rows {
		if row.Phase == store.PhaseRollback && row.Status == store.StepPending {
			row.Status = store.StepSkipped
			_ = e.store.SaveStepExecution(ctx, row)
		}
	}
}

func forwardOrders(def *runbook.Definition) []int {
	orders := make([]int, len(def.Steps))
	for i := range def.Steps {
		orders[i] = def.Steps[i].Order
	}
	sort.Ints(orders)
	return orders
}

// nextOrder picks the following step order: a conditional's explicit target
// when set, the next sequential order otherwise. A target past the last step
// ends the forward phase.
func nextOrder(orders []int, idx, jump int) int {
	if jump > 0 {
		return jump
	}
	if idx+1 < len(orders) {
		return orders[idx+1]
	}
	return orders[len(orders)-1] + 1
}

// buildScope assembles the template scope from the persisted alert payload
// and every finished forward step, so resumes see the same world the original
// run did.
func buildScope(exec *store.Execution, rows []*store.StepExecution) map[string]any {
	alert := map[string]any{}
	if exec.AlertPayload != "" {
		_ = json.Unmarshal([]byte(exec.AlertPayload), &alert)
	}
	if _, ok := alert["id"]; !ok && exec.AlertID != "" {
		alert["id"] = exec.AlertID
	}

	steps := map[string]any{}
	for _, row := range rows {
		if row.Phase != store.PhaseForward || row.Status != store.StepSuccess {
			continue
		}
		steps[row.Name] = map[string]any{
			"stdout":      row.Stdout,
			"stderr":      row.Stderr,
			"exit_code":   row.ExitCode,
			"status_code": row.StatusCode,
		}
	}

	return map[string]any{
		"alert": alert,
		"steps": steps,
		"execution": map[string]any{
			"id":      exec.ID,
			"runbook": exec.RunbookName,
		},
		"trigger": map[string]any{
			"source":       exec.TriggerSource,
			"requested_by": exec.RequestedBy,
		},
	}
}
