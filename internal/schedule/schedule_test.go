package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualFiresTimersInDeadlineOrder(t *testing.T) {
	clock := NewManual()
	var fired []string
	clock.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "late") })
	clock.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early") })
	clock.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early-second") })

	clock.Advance(99 * time.Millisecond)
	require.Empty(t, fired)

	clock.Advance(time.Millisecond)
	require.Equal(t, []string{"early", "early-second"}, fired)
	require.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	require.Equal(t, []string{"early", "early-second", "late"}, fired)
	require.Equal(t, 1100*time.Millisecond, clock.Now())
}

func TestManualStopPreventsFiring(t *testing.T) {
	clock := NewManual()
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	clock.Advance(2 * time.Second)
	require.False(t, fired)
	require.Zero(t, clock.Pending())
}

func TestManualRunsTimersScheduledDuringAdvance(t *testing.T) {
	clock := NewManual()
	count := 0
	var tick func()
	tick = func() {
		count++
		clock.AfterFunc(time.Second, tick)
	}
	clock.AfterFunc(time.Second, tick)

	clock.Advance(3500 * time.Millisecond)
	require.Equal(t, 3, count)
	require.Equal(t, 1, clock.Pending())
}

func TestStopAfterFireReturnsFalse(t *testing.T) {
	clock := NewManual()
	timer := clock.AfterFunc(0, func() {})
	clock.Advance(0)
	require.False(t, timer.Stop())
}

func TestRealSchedulerFires(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "expected real timer to fire")
	}
}
