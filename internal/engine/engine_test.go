package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maftabmirza/remediation-engine-sub000/internal/approval"
	"github.com/maftabmirza/remediation-engine-sub000/internal/events"
	"github.com/maftabmirza/remediation-engine-sub000/internal/executor"
	"github.com/maftabmirza/remediation-engine-sub000/internal/metrics"
	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/safety"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
	"github.com/maftabmirza/remediation-engine-sub000/internal/transport"
)

type harness struct {
	engine   *Engine
	store    *store.SQLiteStore
	registry *runbook.Registry
	broker   *events.Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := runbook.NewRegistry()
	drivers := transport.NewRegistry(log, map[string]transport.Target{
		"web-01": {OSType: "linux", Transport: "local"},
	})
	broker := events.NewBroker()
	m := metrics.New(prometheus.NewRegistry())

	eng := New(Options{
		Log:       log,
		Store:     st,
		Registry:  reg,
		Gate:      safety.NewGate(log, safety.DefaultBreakerPolicy()),
		Approvals: approval.NewManager(log, st, time.Hour),
		Executor:  executor.New(log, drivers),
		Broker:    broker,
		Metrics:   m,
	})
	eng.Start(2)
	t.Cleanup(eng.Stop)

	return &harness{engine: eng, store: st, registry: reg, broker: broker}
}

func (h *harness) register(t *testing.T, def *runbook.Definition) *runbook.Definition {
	t.Helper()
	created, err := h.registry.Create(def)
	require.NoError(t, err)
	return created
}

func (h *harness) waitState(t *testing.T, execID, want string) *store.Execution {
	t.Helper()
	var got *store.Execution
	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(context.Background(), execID)
		if err != nil || exec == nil {
			return false
		}
		got = exec
		return exec.State == want
	}, 5*time.Second, 10*time.Millisecond, "want state %s, last %+v", want, got)
	return got
}

func (h *harness) waitParked(t *testing.T, execID string) *store.Execution {
	t.Helper()
	var got *store.Execution
	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(context.Background(), execID)
		if err != nil || exec == nil {
			return false
		}
		got = exec
		return exec.Parked
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func commandStep(order int, name, cmd string) runbook.StepSpec {
	return runbook.StepSpec{
		Order: order, Name: name, Type: runbook.StepCommand,
		OSType: "linux", Target: "web-01", Command: cmd,
	}
}

func stepsByKey(t *testing.T, h *harness, execID string) map[string]*store.StepExecution {
	t.Helper()
	rows, err := h.store.ListStepExecutions(context.Background(), execID)
	require.NoError(t, err)
	out := make(map[string]*store.StepExecution, len(rows))
	for _, r := range rows {
		out[r.Phase+"/"+r.Name] = r
	}
	return out
}

func TestTriggerRunsToSuccess(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name: "restart-nginx",
		Steps: []runbook.StepSpec{
			commandStep(1, "check", "echo service={{.alert.labels.service}}"),
			commandStep(2, "use-prior", "echo prior={{trim .steps.check.stdout}}"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{
		RunbookID: def.ID,
		Source:    store.TriggerAlert,
		AlertID:   "INC-9",
		Alert:     map[string]any{"id": "INC-9", "labels": map[string]any{"service": "nginx"}},
	})
	require.NoError(t, err)

	final := h.waitState(t, exec.ID, store.StateSuccess)
	assert.Empty(t, final.Reason)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)

	rows := stepsByKey(t, h, exec.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, store.StepSuccess, rows["forward/check"].Status)
	assert.Equal(t, "service=nginx\n", rows["forward/check"].Stdout)
	// Later steps see earlier outputs through the scope.
	assert.Equal(t, "prior=service=nginx\n", rows["forward/use-prior"].Stdout)
}

func TestStepFailureRunsRollback(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name: "scale-up",
		Steps: []runbook.StepSpec{
			commandStep(1, "provision", "echo provisioned"),
			commandStep(2, "attach", "exit 1"),
			commandStep(3, "announce", "echo never runs"),
		},
		RollbackSteps: []runbook.StepSpec{
			commandStep(1, "deprovision", "echo deprovisioned"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{
		RunbookID: def.ID, Source: store.TriggerManual, RequestedBy: "alice",
	})
	require.NoError(t, err)

	final := h.waitState(t, exec.ID, store.StateRolledBack)
	assert.Equal(t, store.ReasonCommandFailed, final.Reason)

	rows := stepsByKey(t, h, exec.ID)
	require.Len(t, rows, 4)
	assert.Equal(t, store.StepSuccess, rows["forward/provision"].Status)
	assert.Equal(t, store.StepFailed, rows["forward/attach"].Status)
	assert.Equal(t, store.StepSkipped, rows["forward/announce"].Status)
	assert.Equal(t, store.StepSuccess, rows["rollback/deprovision"].Status)
}

func TestRollbackStepFailureStillEndsRolledBack(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name: "half-undo",
		Steps: []runbook.StepSpec{
			commandStep(1, "apply", "exit 1"),
		},
		RollbackSteps: []runbook.StepSpec{
			commandStep(1, "undo", "exit 1"),
			commandStep(2, "notify", "echo never runs"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{
		RunbookID: def.ID, Source: store.TriggerManual,
	})
	require.NoError(t, err)

	// The rollback phase always terminates at rolled_back; the reason
	// records that the undo itself broke down partway.
	final := h.waitState(t, exec.ID, store.StateRolledBack)
	assert.Equal(t, store.ReasonRollbackFailed, final.Reason)

	rows := stepsByKey(t, h, exec.ID)
	assert.Equal(t, store.StepFailed, rows["rollback/undo"].Status)
	assert.Equal(t, store.StepSkipped, rows["rollback/notify"].Status)
}

func TestStepFailureWithoutRollbackFails(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:  "flaky",
		Steps: []runbook.StepSpec{commandStep(1, "boom", "exit 7")},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{
		RunbookID: def.ID, Source: store.TriggerManual,
	})
	require.NoError(t, err)

	final := h.waitState(t, exec.ID, store.StateFailed)
	assert.Equal(t, store.ReasonCommandFailed, final.Reason)
}

func TestSafetyGateRefusalRecordsNoSteps(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:                 "rate-limited",
		MaxExecutionsPerHour: 1,
		Steps:                []runbook.StepSpec{commandStep(1, "ok", "true")},
	})

	first, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
	require.NoError(t, err)
	h.waitState(t, first.ID, store.StateSuccess)

	second, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
	require.NoError(t, err)
	final := h.waitState(t, second.ID, store.StateFailed)
	assert.Equal(t, store.ReasonRateLimited, final.Reason)
	assert.Nil(t, final.StartedAt)

	rows, err := h.store.ListStepExecutions(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Empty(t, rows, "a refused execution must not record step rows")
}

func TestApprovalGateApprove(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:             "guarded",
		ApprovalRequired: true,
		ApproverRoles:    []string{"sre"},
		Steps:            []runbook.StepSpec{commandStep(1, "ok", "true")},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, store.StatePendingApproval, exec.State)

	_, err = h.engine.Approve(context.Background(), exec.ID, "alice", []string{"sre"})
	require.NoError(t, err)
	h.waitState(t, exec.ID, store.StateSuccess)
}

func TestApprovalGateReject(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:             "guarded",
		ApprovalRequired: true,
		ApproverRoles:    []string{"sre"},
		Steps:            []runbook.StepSpec{commandStep(1, "ok", "true")},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerManual})
	require.NoError(t, err)

	_, err = h.engine.Reject(context.Background(), exec.ID, "alice", "not now", []string{"sre"})
	require.NoError(t, err)

	final := h.waitState(t, exec.ID, store.StateCancelled)
	assert.Equal(t, store.ReasonApprovalRejected, final.Reason)

	rows, err := h.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAutoExecuteBypassesApprovalForAlerts(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:             "auto",
		ApprovalRequired: true,
		ApproverRoles:    []string{"sre"},
		AutoExecute:      true,
		Steps:            []runbook.StepSpec{commandStep(1, "ok", "true")},
	})

	fromAlert, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
	require.NoError(t, err)
	h.waitState(t, fromAlert.ID, store.StateSuccess)

	// A manual trigger of the same runbook still waits for a human.
	manual, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, store.StatePendingApproval, manual.State)
}

func TestManualApprovalStepParksAndResumes(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:          "two-phase",
		ApproverRoles: []string{"sre"},
		Steps: []runbook.StepSpec{
			commandStep(1, "prepare", "echo prepared"),
			{Order: 2, Name: "confirm", Type: runbook.StepManualApproval, Message: "Proceed?"},
			commandStep(3, "finish", "echo done"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerManual})
	require.NoError(t, err)

	parked := h.waitParked(t, exec.ID)
	assert.Equal(t, store.StateRunning, parked.State)
	assert.Equal(t, 2, parked.CurrentOrder)

	_, err = h.engine.Approve(context.Background(), exec.ID, "alice", []string{"sre"})
	require.NoError(t, err)
	h.waitState(t, exec.ID, store.StateSuccess)

	rows := stepsByKey(t, h, exec.ID)
	assert.Equal(t, store.StepSuccess, rows["forward/confirm"].Status)
	assert.Equal(t, store.StepSuccess, rows["forward/finish"].Status)
	// Approving finalizes the parked row in place; the start written when the
	// execution parked must survive.
	assert.NotNil(t, rows["forward/confirm"].StartedAt)
}

func TestManualApprovalStepRejectRollsBack(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:          "two-phase",
		ApproverRoles: []string{"sre"},
		Steps: []runbook.StepSpec{
			commandStep(1, "prepare", "echo prepared"),
			{Order: 2, Name: "confirm", Type: runbook.StepManualApproval, Message: "Proceed?"},
			commandStep(3, "finish", "echo done"),
		},
		RollbackSteps: []runbook.StepSpec{
			commandStep(1, "undo-prepare", "echo undone"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerManual})
	require.NoError(t, err)
	h.waitParked(t, exec.ID)

	_, err = h.engine.Reject(context.Background(), exec.ID, "alice", "too risky", []string{"sre"})
	require.NoError(t, err)

	final := h.waitState(t, exec.ID, store.StateRolledBack)
	assert.Equal(t, store.ReasonApprovalRejected, final.Reason)

	rows := stepsByKey(t, h, exec.ID)
	assert.Equal(t, store.StepFailed, rows["forward/confirm"].Status)
	assert.NotNil(t, rows["forward/confirm"].StartedAt)
	assert.Equal(t, store.StepSkipped, rows["forward/finish"].Status)
	assert.Equal(t, store.StepSuccess, rows["rollback/undo-prepare"].Status)
}

func TestConditionalJumpSkipsSteps(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name: "branching",
		Steps: []runbook.StepSpec{
			{
				Order: 1, Name: "check-env", Type: runbook.StepConditional,
				Predicate: `alert.labels.env == "prod"`, ThenOrder: 3, ElseOrder: 2,
			},
			commandStep(2, "staging-only", "echo staging"),
			commandStep(3, "always", "echo always"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{
		RunbookID: def.ID, Source: store.TriggerAlert,
		Alert: map[string]any{"labels": map[string]any{"env": "prod"}},
	})
	require.NoError(t, err)
	h.waitState(t, exec.ID, store.StateSuccess)

	rows := stepsByKey(t, h, exec.ID)
	assert.Equal(t, store.StepSuccess, rows["forward/check-env"].Status)
	assert.Equal(t, store.StepSkipped, rows["forward/staging-only"].Status)
	assert.Equal(t, store.StepSuccess, rows["forward/always"].Status)
}

func TestCancelRunningExecution(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name: "slow",
		Steps: []runbook.StepSpec{
			commandStep(1, "long", "sleep 30"),
		},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerManual})
	require.NoError(t, err)
	h.waitState(t, exec.ID, store.StateRunning)

	_, err = h.engine.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)

	final := h.waitState(t, exec.ID, store.StateCancelled)
	assert.Equal(t, store.ReasonCancelled, final.Reason)

	_, err = h.engine.Cancel(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestBreakerOpensAndPersists(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:                    "fragile",
		CircuitBreakerThreshold: 2,
		Steps:                   []runbook.StepSpec{commandStep(1, "boom", "exit 1")},
	})

	for i := 0; i < 2; i++ {
		exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
		require.NoError(t, err)
		h.waitState(t, exec.ID, store.StateFailed)
	}

	st := h.engine.BreakerStatus(def.ID)
	assert.Equal(t, safety.BreakerOpen, st.State)

	rec, err := h.store.GetBreaker(context.Background(), def.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, safety.BreakerOpen, rec.State)

	// Further triggers are refused without touching the failure streak.
	refused, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
	require.NoError(t, err)
	final := h.waitState(t, refused.ID, store.StateFailed)
	assert.Equal(t, store.ReasonCircuitOpen, final.Reason)
	assert.Equal(t, 2, h.engine.BreakerStatus(def.ID).Failures)
}

func TestOverrideBreakerAllowsNextRun(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, &runbook.Definition{
		Name:                    "fragile",
		CircuitBreakerThreshold: 1,
		Steps:                   []runbook.StepSpec{commandStep(1, "boom", "exit 1")},
	})

	exec, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
	require.NoError(t, err)
	h.waitState(t, exec.ID, store.StateFailed)
	require.Equal(t, safety.BreakerOpen, h.engine.BreakerStatus(def.ID).State)

	st, err := h.engine.OverrideBreaker(context.Background(), def.ID, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, safety.BreakerClosed, st.State)

	again, err := h.engine.Trigger(context.Background(), TriggerRequest{RunbookID: def.ID, Source: store.TriggerAlert})
	require.NoError(t, err)
	final := h.waitState(t, again.ID, store.StateFailed)
	assert.Equal(t, store.ReasonCommandFailed, final.Reason, "override lets the run happen; it still fails on its own")
}

func TestRecoverMarksOrphansInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Minute)
	orphan := &store.Execution{
		ID: store.NewExecutionID(), RunbookID: "rb", RunbookName: "rb",
		Snapshot: "name: rb\nsteps: []\n", TriggerSource: store.TriggerAlert,
		State: store.StateRunning, CurrentOrder: 1, StartedAt: &started,
	}
	require.NoError(t, h.store.SaveExecution(ctx, orphan))
	require.NoError(t, h.store.SaveStepExecution(ctx, &store.StepExecution{
		ExecutionID: orphan.ID, Phase: store.PhaseForward, Order: 1,
		Name: "stuck", Kind: runbook.StepCommand, Status: store.StepRunning,
	}))

	require.NoError(t, h.engine.Recover(ctx))

	final, err := h.store.GetExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, final.State)
	assert.Equal(t, store.ReasonInterrupted, final.Reason)

	rows, err := h.store.ListStepExecutions(ctx, orphan.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StepFailed, rows[0].Status)
}

func TestRecoverLeavesParkedExecutions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Minute)
	parked := &store.Execution{
		ID: store.NewExecutionID(), RunbookID: "rb", RunbookName: "rb",
		Snapshot: "name: rb\nsteps: []\n", TriggerSource: store.TriggerManual,
		State: store.StateRunning, Parked: true, CurrentOrder: 2, StartedAt: &started,
	}
	require.NoError(t, h.store.SaveExecution(ctx, parked))

	require.NoError(t, h.engine.Recover(ctx))

	got, err := h.store.GetExecution(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State)
	assert.True(t, got.Parked)
}
