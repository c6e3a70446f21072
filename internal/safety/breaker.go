package safety

import (
	"math"
	"time"
)

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// BreakerPolicy configures how long an opened breaker stays open. Each
// reopening multiplies the duration by BackoffFactor, capped at
// MaxOpenDuration. A factor of 1 yields a fixed policy.
type BreakerPolicy struct {
	OpenDuration    time.Duration
	BackoffFactor   float64
	MaxOpenDuration time.Duration
}

// DefaultBreakerPolicy is 5 minutes base, doubling per reopening, capped at an hour.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		OpenDuration:    5 * time.Minute,
		BackoffFactor:   2.0,
		MaxOpenDuration: time.Hour,
	}
}

func (p BreakerPolicy) openFor(openings int) time.Duration {
	d := p.OpenDuration
	if p.BackoffFactor > 1 && openings > 1 {
		d = time.Duration(float64(d) * math.Pow(p.BackoffFactor, float64(openings-1)))
	}
	if p.MaxOpenDuration > 0 && d > p.MaxOpenDuration {
		d = p.MaxOpenDuration
	}
	return d
}

// BreakerStatus is a snapshot of one runbook's breaker.
type BreakerStatus struct {
	RunbookID        string     `json:"runbook_id"`
	State            string     `json:"state"`
	Failures         int        `json:"consecutive_failures"`
	Openings         int        `json:"openings"`
	OpenedUntil      *time.Time `json:"opened_until,omitempty"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
}

// breaker is the per-runbook failure-streak tracker. All mutation happens
// under the gate lock.
type breaker struct {
	state          string
	failures       int
	openings       int
	openedUntil    time.Time
	trialActive    bool
	lastTransition time.Time
}

func newBreaker(now time.Time) *breaker {
	return &breaker{state: BreakerClosed, lastTransition: now}
}

// wouldAllow reports whether an execution may proceed, without committing
// the half-open trial slot. commitTrial reserves it once the remaining gate
// checks have passed.
func (b *breaker) wouldAllow(now time.Time) bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return !now.Before(b.openedUntil)
	case BreakerHalfOpen:
		return !b.trialActive
	}
	return false
}

// commitTrial transitions open→half_open once the open duration elapsed and
// claims the single trial slot. Caller must have seen wouldAllow return true.
func (b *breaker) commitTrial(now time.Time) {
	if b.state == BreakerOpen {
		b.state = BreakerHalfOpen
		b.lastTransition = now
	}
	if b.state == BreakerHalfOpen {
		b.trialActive = true
	}
}

// releaseTrial frees the half-open trial slot without recording an outcome.
// Used when the trial execution ends with no verdict (cancelled, interrupted
// by restart), so the next trigger can claim the probe instead of being
// rejected forever.
func (b *breaker) releaseTrial() {
	if b.state == BreakerHalfOpen {
		b.trialActive = false
	}
}

// onSuccess closes the breaker and resets the failure streak.
func (b *breaker) onSuccess(now time.Time) {
	if b.state != BreakerClosed {
		b.lastTransition = now
	}
	b.state = BreakerClosed
	b.failures = 0
	b.openings = 0
	b.openedUntil = time.Time{}
	b.trialActive = false
}

// onFailure increments the streak; a half-open trial failure reopens with
// backoff, and reaching the threshold opens a closed breaker. threshold <= 0
// disables opening.
func (b *breaker) onFailure(now time.Time, threshold int, policy BreakerPolicy) {
	b.failures++

	if b.state == BreakerHalfOpen {
		b.open(now, policy)
		return
	}
	if b.state == BreakerClosed && threshold > 0 && b.failures >= threshold {
		b.open(now, policy)
	}
}

func (b *breaker) open(now time.Time, policy BreakerPolicy) {
	b.openings++
	b.state = BreakerOpen
	b.openedUntil = now.Add(policy.openFor(b.openings))
	b.trialActive = false
	b.lastTransition = now
}

// reset force-closes the breaker (administrative override).
func (b *breaker) reset(now time.Time) {
	b.onSuccess(now)
}

func (b *breaker) status(runbookID string) BreakerStatus {
	st := BreakerStatus{
		RunbookID:        runbookID,
		State:            b.state,
		Failures:         b.failures,
		Openings:         b.openings,
		LastTransitionAt: b.lastTransition,
	}
	if !b.openedUntil.IsZero() {
		until := b.openedUntil
		st.OpenedUntil = &until
	}
	return st
}
