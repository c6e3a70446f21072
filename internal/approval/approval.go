// Package approval implements the human-in-the-loop gate: approval requests
// bound to an execution (or to a mid-runbook manual step), role-checked
// decisions, and expiry of unanswered requests.
//
// Role resolution is delegated to the external authorization collaborator;
// this package only receives the actor's resolved role set and intersects it
// with the request's required roles.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

var (
	// ErrNoPending is returned when an execution has no open approval request.
	ErrNoPending = errors.New("no pending approval for execution")
	// ErrRoleDenied is returned when the actor holds none of the required roles.
	ErrRoleDenied = errors.New("actor does not hold a required role")
)

// Manager owns approval request lifecycle. Expiry is durable: requests are
// persisted with their deadline, the sweeper only looks at the store, and a
// restart re-arms everything that is still pending.
type Manager struct {
	log   logrus.FieldLogger
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	// OnExpired is invoked for every request the sweeper expires, after the
	// store has been updated. Set by the engine before Start.
	OnExpired func(a *store.Approval)

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager with the given request time-to-live.
func NewManager(log logrus.FieldLogger, st store.Store, ttl time.Duration) *Manager {
	return &Manager{
		log:   log.WithField("component", "approval"),
		store: st,
		ttl:   ttl,
		now:   time.Now,
		done:  make(chan struct{}),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create opens a new pending request for the execution. stepOrder is zero for
// the pre-execution gate and the step order for manual_approval steps.
func (m *Manager) Create(ctx context.Context, executionID string, stepOrder int, roles []string) (*store.Approval, error) {
	a := &store.Approval{
		ID:            uuid.New().String(),
		ExecutionID:   executionID,
		StepOrder:     stepOrder,
		RequiredRoles: roles,
		Status:        store.ApprovalPending,
		CreatedAt:     m.now().UTC(),
		ExpiresAt:     m.now().UTC().Add(m.ttl),
	}
	if err := m.store.SaveApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"approval_id":  a.ID,
		"execution_id": executionID,
		"step_order":   stepOrder,
		"roles":        roles,
		"expires_at":   a.ExpiresAt,
	}).Info("approval requested")
	return a, nil
}

// HoldsRequiredRole reports whether any of the actor's roles satisfies the
// request. An empty required set means any authenticated actor may decide.
func HoldsRequiredRole(required, actorRoles []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range actorRoles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Approve records a positive decision on the execution's open request.
func (m *Manager) Approve(ctx context.Context, executionID, actor string, actorRoles []string) (*store.Approval, error) {
	a, err := m.store.PendingApprovalForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNoPending
	}
	if !HoldsRequiredRole(a.RequiredRoles, actorRoles) {
		return nil, ErrRoleDenied
	}
	return m.decide(ctx, a, store.ApprovalApproved, actor, "")
}

// Reject records a negative decision on the execution's open request.
func (m *Manager) Reject(ctx context.Context, executionID, actor, reason string) (*store.Approval, error) {
	a, err := m.store.PendingApprovalForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNoPending
	}
	return m.decide(ctx, a, store.ApprovalRejected, actor, reason)
}

// Expire marks the execution's open request expired, if any.
func (m *Manager) Expire(ctx context.Context, executionID string) error {
	a, err := m.store.PendingApprovalForExecution(ctx, executionID)
	if err != nil || a == nil {
		return err
	}
	_, err = m.decide(ctx, a, store.ApprovalExpired, "", "")
	return err
}

func (m *Manager) decide(ctx context.Context, a *store.Approval, status, actor, reason string) (*store.Approval, error) {
	now := m.now().UTC()
	a.Status = status
	a.DecidedBy = actor
	a.Reason = reason
	a.DecidedAt = &now
	if err := m.store.SaveApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("save approval decision: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"approval_id":  a.ID,
		"execution_id": a.ExecutionID,
		"status":       status,
		"actor":        actor,
	}).Info("approval decided")
	return a, nil
}

// ExpireDue expires every pending request whose deadline passed and returns
// them. Exposed for the sweeper and for tests.
func (m *Manager) ExpireDue(ctx context.Context) ([]*store.Approval, error) {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var expired []*store.Approval
	for _, a := range pending {
		if a.ExpiresAt.After(now) {
			continue
		}
		if _, err := m.decide(ctx, a, store.ApprovalExpired, "", ""); err != nil {
			m.log.WithError(err).WithField("approval_id", a.ID).Error("failed to expire approval")
			continue
		}
		expired = append(expired, a)
	}
	return expired, nil
}

// Start launches the expiry sweeper.
func (m *Manager) Start(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				expired, err := m.ExpireDue(context.Background())
				if err != nil {
					m.log.WithError(err).Error("approval sweep failed")
					continue
				}
				for _, a := range expired {
					if m.OnExpired != nil {
						m.OnExpired(a)
					}
				}
			}
		}
	}()
}

// Stop signals the sweeper to exit and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
