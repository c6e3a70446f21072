// Package safety implements the composite pre-execution check: blackout
// windows, circuit breaker, rate limit and cooldown, evaluated as an ordered
// short-circuiting chain with an atomic check-and-reserve.
package safety

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Allowed bool
	// Reason is the rejection code when not allowed: blackout_active,
	// circuit_open, rate_limited or cooldown_active.
	Reason string
	// Trial marks the single half-open probe execution.
	Trial bool
}

type gateEntry struct {
	breaker   *breaker
	starts    []time.Time // execution start timestamps, trailing window
	lastStart time.Time
}

// Gate holds the mutable per-runbook safety state. A single mutex gives the
// required single-writer discipline: the pass/fail decision and the counter
// reservation happen atomically, so two concurrent triggers can never both
// pass a check only one should.
type Gate struct {
	log    logrus.FieldLogger
	policy BreakerPolicy
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*gateEntry
}

// NewGate creates a Gate with the given breaker backoff policy.
func NewGate(log logrus.FieldLogger, policy BreakerPolicy) *Gate {
	return &Gate{
		log:     log.WithField("component", "safety-gate"),
		policy:  policy,
		now:     time.Now,
		entries: make(map[string]*gateEntry),
	}
}

// SetClock overrides the time source. Tests only.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Gate) entry(runbookID string) *gateEntry {
	e, ok := g.entries[runbookID]
	if !ok {
		e = &gateEntry{breaker: newBreaker(g.now())}
		g.entries[runbookID] = e
	}
	return e
}

// CheckAndReserve evaluates the chain for one trigger of the definition and,
// if it passes, reserves the execution start (rate counter and cooldown
// timestamp) in the same critical section.
func (g *Gate) CheckAndReserve(def *runbook.Definition) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := g.entry(def.ID)

	// 1. Blackout window.
	if InBlackout(def.BlackoutWindows, now) {
		return Decision{Reason: store.ReasonBlackout}
	}

	// 2. Circuit breaker. The half-open trial slot is only committed after
	// the remaining checks pass, so a rate-limited trigger does not consume
	// the single probe.
	if !e.breaker.wouldAllow(now) {
		return Decision{Reason: store.ReasonCircuitOpen}
	}
	trial := e.breaker.state != BreakerClosed

	// 3. Rate limit over the trailing hour.
	cutoff := now.Add(-time.Hour)
	kept := e.starts[:0]
	for _, t := range e.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.starts = kept
	if def.MaxExecutionsPerHour > 0 && len(e.starts) >= def.MaxExecutionsPerHour {
		return Decision{Reason: store.ReasonRateLimited}
	}

	// 4. Cooldown since the most recent start.
	if def.CooldownMinutes > 0 && !e.lastStart.IsZero() && now.Sub(e.lastStart) < def.Cooldown() {
		return Decision{Reason: store.ReasonCooldown}
	}

	// Reserve.
	if trial {
		e.breaker.commitTrial(now)
	}
	e.starts = append(e.starts, now)
	e.lastStart = now

	return Decision{Allowed: true, Trial: trial}
}

// RecordResult feeds a terminal execution outcome into the breaker.
// success closes the breaker and clears the streak; failure increments it,
// opening at the definition's threshold. Safety-blocked executions never
// reach this path.
func (g *Gate) RecordResult(runbookID string, threshold int, success bool) BreakerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := g.entry(runbookID)
	before := e.breaker.state
	if success {
		e.breaker.onSuccess(now)
	} else {
		e.breaker.onFailure(now, threshold, g.policy)
	}
	if after := e.breaker.state; after != before {
		g.log.WithFields(logrus.Fields{
			"runbook_id": runbookID,
			"from":       before,
			"to":         after,
			"failures":   e.breaker.failures,
		}).Warn("circuit breaker state changed")
	}
	return e.breaker.status(runbookID)
}

// BreakerStatus returns a snapshot of the runbook's breaker.
func (g *Gate) BreakerStatus(runbookID string) BreakerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entry(runbookID).status(runbookID)
}

func (e *gateEntry) status(runbookID string) BreakerStatus {
	return e.breaker.status(runbookID)
}

// ReleaseTrial frees a claimed half-open trial slot when the trial execution
// terminated without a success/failure verdict.
func (g *Gate) ReleaseTrial(runbookID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entry(runbookID).breaker.releaseTrial()
}

// Override force-closes the breaker and clears the rate and cooldown
// counters. The acting identity is logged for the audit trail.
func (g *Gate) Override(runbookID, actor string) BreakerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := g.entry(runbookID)
	e.breaker.reset(now)
	e.starts = nil
	e.lastStart = time.Time{}

	g.log.WithFields(logrus.Fields{
		"runbook_id": runbookID,
		"actor":      actor,
	}).Warn("safety gate override: breaker closed, counters cleared")
	return e.breaker.status(runbookID)
}

// Seed restores a runbook's gate state from persisted history at boot.
func (g *Gate) Seed(runbookID string, rec *store.BreakerRecord, starts []time.Time, lastStart *time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entry(runbookID)
	if rec != nil {
		e.breaker.state = rec.State
		e.breaker.failures = rec.Failures
		e.breaker.openings = rec.Openings
		e.breaker.lastTransition = rec.LastTransitionAt
		if rec.OpenedUntil != nil {
			e.breaker.openedUntil = *rec.OpenedUntil
		}
	}
	e.starts = append([]time.Time(nil), starts...)
	if lastStart != nil {
		e.lastStart = *lastStart
	}
}

// Forget drops gate state for a deleted runbook.
func (g *Gate) Forget(runbookID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, runbookID)
}
