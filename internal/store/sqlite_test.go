package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunbookRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := &RunbookRecord{ID: "rb-1", Name: "restart-web", Version: 1, Document: "name: restart-web\n"}
	require.NoError(t, s.SaveRunbook(ctx, rec))

	got, err := s.GetRunbook(ctx, "rb-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "restart-web", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	rec.Version = 2
	require.NoError(t, s.SaveRunbook(ctx, rec))
	got, err = s.GetRunbook(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	list, err := s.ListRunbooks(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteRunbook(ctx, "rb-1"))
	got, err = s.GetRunbook(ctx, "rb-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func seedExecution(t *testing.T, s *SQLiteStore, runbookID, state string, startedAt *time.Time) *Execution {
	t.Helper()
	exec := &Execution{
		ID:            NewExecutionID(),
		RunbookID:     runbookID,
		RunbookName:   runbookID,
		Snapshot:      "name: x\n",
		TriggerSource: TriggerManual,
		State:         state,
		StartedAt:     startedAt,
	}
	require.NoError(t, s.SaveExecution(context.Background(), exec))
	return exec
}

func TestExecutionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Minute)
	exec := &Execution{
		ID:            NewExecutionID(),
		RunbookID:     "rb-1",
		RunbookName:   "rb-1",
		Snapshot:      "name: x\n",
		TriggerSource: TriggerAlert,
		AlertID:       "alert-42",
		State:         StateRunning,
		StartedAt:     &started,
	}
	require.NoError(t, s.SaveExecution(ctx, exec))

	// Trigger identity is immutable on re-save; only run state updates.
	exec.CurrentOrder = 2
	exec.Parked = true
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "alert-42", got.AlertID)
	assert.Equal(t, 2, got.CurrentOrder)
	assert.True(t, got.Parked)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)
	assert.Nil(t, got.FinishedAt)

	missing, err := s.GetExecution(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListExecutionsFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seedExecution(t, s, "rb-a", StateSuccess, &now)
	seedExecution(t, s, "rb-a", StateFailed, &now)
	seedExecution(t, s, "rb-b", StateSuccess, &now)

	byRunbook, err := s.ListExecutions(ctx, ListOpts{RunbookID: "rb-a"})
	require.NoError(t, err)
	assert.Len(t, byRunbook, 2)

	byState, err := s.ListExecutions(ctx, ListOpts{RunbookID: "rb-a", State: StateFailed})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, StateFailed, byState[0].State)

	limited, err := s.ListExecutions(ctx, ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	inStates, err := s.ListExecutionsInStates(ctx, StateFailed, StateSuccess)
	require.NoError(t, err)
	assert.Len(t, inStates, 3)
}

func TestRateWindowQueries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC().Add(-10 * time.Minute)
	seedExecution(t, s, "rb-a", StateSuccess, &old)
	seedExecution(t, s, "rb-a", StateSuccess, &recent)

	starts, err := s.StartsSince(ctx, "rb-a", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, starts, 1)
	assert.WithinDuration(t, recent, starts[0], time.Millisecond)

	last, err := s.LastStartAt(ctx, "rb-a")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, recent, *last, time.Millisecond)

	none, err := s.LastStartAt(ctx, "rb-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStepExecutionOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	exec := seedExecution(t, s, "rb-a", StateRunning, nil)

	save := func(phase string, order int, status string) {
		require.NoError(t, s.SaveStepExecution(ctx, &StepExecution{
			ExecutionID: exec.ID, Phase: phase, Order: order,
			Name: "step", Kind: "command", Status: status,
		}))
	}
	save(PhaseRollback, 1, StepSuccess)
	save(PhaseForward, 2, StepFailed)
	save(PhaseForward, 1, StepSuccess)

	// Upsert keeps the row keyed by (execution, phase, order).
	require.NoError(t, s.SaveStepExecution(ctx, &StepExecution{
		ExecutionID: exec.ID, Phase: PhaseForward, Order: 2,
		Name: "step", Kind: "command", Status: StepFailed,
		ExitCode: 3, Stderr: "boom",
	}))

	steps, err := s.ListStepExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, PhaseForward, steps[0].Phase)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, PhaseForward, steps[1].Phase)
	assert.Equal(t, 3, steps[1].ExitCode)
	assert.Equal(t, "boom", steps[1].Stderr)
	assert.Equal(t, PhaseRollback, steps[2].Phase)
}

func TestApprovalQueries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	exec := seedExecution(t, s, "rb-a", StatePendingApproval, nil)
	a := &Approval{
		ID:            "ap-1",
		ExecutionID:   exec.ID,
		RequiredRoles: []string{"sre", "oncall"},
		Status:        ApprovalPending,
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.SaveApproval(ctx, a))

	pending, err := s.PendingApprovalForExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, []string{"sre", "oncall"}, pending.RequiredRoles)

	all, err := s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	now := time.Now().UTC()
	a.Status = ApprovalApproved
	a.DecidedBy = "alice"
	a.DecidedAt = &now
	require.NoError(t, s.SaveApproval(ctx, a))

	pending, err = s.PendingApprovalForExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)
}

func TestBreakerRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(5 * time.Minute)
	rec := &BreakerRecord{
		RunbookID: "rb-a", State: "open", Failures: 3, Openings: 1,
		OpenedUntil: &until, LastTransitionAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveBreaker(ctx, rec))

	got, err := s.GetBreaker(ctx, "rb-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "open", got.State)
	assert.Equal(t, 3, got.Failures)
	require.NotNil(t, got.OpenedUntil)

	rec.State = "closed"
	rec.Failures = 0
	rec.OpenedUntil = nil
	require.NoError(t, s.SaveBreaker(ctx, rec))
	got, err = s.GetBreaker(ctx, "rb-a")
	require.NoError(t, err)
	assert.Equal(t, "closed", got.State)
	assert.Nil(t, got.OpenedUntil)

	none, err := s.GetBreaker(ctx, "rb-untracked")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := s.ListBreakers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
