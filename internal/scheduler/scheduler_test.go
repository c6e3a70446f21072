package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
)

func TestNextRunTimeTracksEntries(t *testing.T) {
	t.Parallel()

	s := NewScheduler(func(string) {})
	sched, err := runbook.ParseSchedule("0 3 * * *")
	require.NoError(t, err)

	s.AddRunbook("rb-disk", sched)
	next, ok := s.NextRunTime("rb-disk")
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	s.RemoveRunbook("rb-disk")
	_, ok = s.NextRunTime("rb-disk")
	assert.False(t, ok)
}

func TestAddReplacesExistingEntry(t *testing.T) {
	t.Parallel()

	s := NewScheduler(func(string) {})
	daily, err := runbook.ParseSchedule("0 3 * * *")
	require.NoError(t, err)
	hourly, err := runbook.ParseSchedule("@hourly")
	require.NoError(t, err)

	s.AddRunbook("rb", daily)
	s.AddRunbook("rb", hourly)

	s.mu.Lock()
	n := s.heap.Len()
	s.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestSchedulerFires(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fired := make(map[string]int)
	s := NewScheduler(func(id string) {
		mu.Lock()
		fired[id]++
		mu.Unlock()
	})

	// Every-minute schedule with nextRun forced into the past so the timer
	// fires immediately.
	sched, err := runbook.ParseSchedule("* * * * *")
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	s.mu.Lock()
	s.heap = entryHeap{{runbookID: "rb", schedule: sched, nextRun: time.Now().Add(-time.Second)}}
	s.resetTimerLocked()
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["rb"] >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
