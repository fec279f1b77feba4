package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func currentCycle(t *Timer) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycle
}

// advance simulates n elapsed seconds.
func advance(t *Timer, n int) {
	for range n {
		t.tick(currentCycle(t))
	}
}

func TestTimer_PromptThenExpire(t *testing.T) {
	var prompts, expiries atomic.Int32
	timer := NewTimer(
		withInterval(0),
		WithThreshold(60),
		OnPrompt(func(int) { prompts.Add(1) }),
		OnExpire(func(uint64) { expiries.Add(1) }),
	)
	timer.Start(65)

	advance(timer, 4)
	assert.False(t, timer.State().RenewalPromptOpen)
	assert.Equal(t, 61, timer.State().RemainingSeconds)

	advance(timer, 1)
	st := timer.State()
	assert.True(t, st.RenewalPromptOpen)
	assert.Equal(t, 60, st.RemainingSeconds)
	assert.Equal(t, int32(1), prompts.Load())

	advance(timer, 59)
	st = timer.State()
	assert.False(t, st.Expired)
	assert.Equal(t, 1, st.RemainingSeconds)

	advance(timer, 1)
	st = timer.State()
	assert.True(t, st.Expired)
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.RemainingSeconds)
	assert.Equal(t, int32(1), expiries.Load())
	assert.Equal(t, int32(1), prompts.Load())

	// Expiry is terminal.
	advance(timer, 5)
	assert.Equal(t, int32(1), expiries.Load())
}

func TestTimer_PromptCrossing(t *testing.T) {
	tests := []struct {
		name       string
		duration   int
		ticks      int
		wantPrompt bool
	}{
		{name: "crosses threshold", duration: 61, ticks: 1, wantPrompt: true},
		{name: "not yet at threshold", duration: 62, ticks: 1, wantPrompt: false},
		{name: "starts at threshold", duration: 60, ticks: 10, wantPrompt: false},
		{name: "starts below threshold", duration: 30, ticks: 10, wantPrompt: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompts atomic.Int32
			timer := NewTimer(withInterval(0), OnPrompt(func(int) { prompts.Add(1) }))
			timer.Start(tt.duration)
			advance(timer, tt.ticks)
			assert.Equal(t, tt.wantPrompt, timer.State().RenewalPromptOpen)
			assert.Equal(t, tt.wantPrompt, prompts.Load() == 1)
		})
	}
}

func TestTimer_ResetRestartsAndRearms(t *testing.T) {
	var prompts atomic.Int32
	timer := NewTimer(withInterval(0), WithThreshold(10), OnPrompt(func(int) { prompts.Add(1) }))
	timer.Start(15)
	advance(timer, 6)
	require.True(t, timer.State().RenewalPromptOpen)

	timer.Reset()
	st := timer.State()
	assert.False(t, st.RenewalPromptOpen)
	assert.Equal(t, 15, st.RemainingSeconds)
	assert.True(t, st.Running)

	advance(timer, 5)
	assert.True(t, timer.State().RenewalPromptOpen)
	assert.Equal(t, int32(2), prompts.Load())
}

func TestTimer_ResetIgnoredUnlessRunning(t *testing.T) {
	var expiries atomic.Int32
	timer := NewTimer(withInterval(0), OnExpire(func(uint64) { expiries.Add(1) }))

	_, ok := timer.Reset()
	assert.False(t, ok)
	assert.False(t, timer.State().Running)

	timer.Start(2)
	advance(timer, 2)
	require.True(t, timer.State().Expired)

	_, ok = timer.Reset()
	assert.False(t, ok)
	st := timer.State()
	assert.True(t, st.Expired)
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.RemainingSeconds)
	advance(timer, 3)
	assert.Equal(t, int32(1), expiries.Load())

	timer.Start(5)
	st = timer.State()
	assert.False(t, st.Expired)
	assert.Equal(t, 5, st.RemainingSeconds)
}

func TestTimer_StopHaltsWithoutExpiry(t *testing.T) {
	var expiries atomic.Int32
	timer := NewTimer(withInterval(0), OnExpire(func(uint64) { expiries.Add(1) }))
	timer.Start(3)
	advance(timer, 1)
	timer.Stop()
	advance(timer, 5)

	st := timer.State()
	assert.False(t, st.Running)
	assert.False(t, st.Expired)
	assert.Equal(t, 2, st.RemainingSeconds)
	assert.Equal(t, int32(0), expiries.Load())

	timer.Reset()
	assert.False(t, timer.State().Running)
}

func TestTimer_DismissPrompt(t *testing.T) {
	var prompts atomic.Int32
	timer := NewTimer(withInterval(0), WithThreshold(5), OnPrompt(func(int) { prompts.Add(1) }))
	timer.Start(6)
	advance(timer, 1)
	require.True(t, timer.State().RenewalPromptOpen)

	timer.DismissPrompt()
	advance(timer, 3)
	assert.False(t, timer.State().RenewalPromptOpen)
	assert.Equal(t, int32(1), prompts.Load())
}

func TestTimer_StaleCycleTicksAreDiscarded(t *testing.T) {
	timer := NewTimer(withInterval(0))
	timer.Start(10)
	old := currentCycle(timer)

	timer.Start(20)
	assert.False(t, timer.tick(old))
	assert.Equal(t, 20, timer.State().RemainingSeconds)
}

func TestTimer_OnTick(t *testing.T) {
	var seen []int
	timer := NewTimer(withInterval(0), OnTick(func(remaining int) { seen = append(seen, remaining) }))
	timer.Start(3)
	advance(timer, 3)
	assert.Equal(t, []int{2, 1, 0}, seen)
}

func TestTimer_TicksOnItsOwn(t *testing.T) {
	expired := make(chan struct{})
	timer := NewTimer(withInterval(5*time.Millisecond), OnExpire(func(uint64) { close(expired) }))
	timer.Start(3)

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not expire")
	}
	assert.True(t, timer.State().Expired)
}

func TestTimer_StartReplacesRunningCountdown(t *testing.T) {
	var expiries atomic.Int32
	timer := NewTimer(withInterval(5*time.Millisecond), OnExpire(func(uint64) { expiries.Add(1) }))
	timer.Start(2)
	timer.Start(1000)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), expiries.Load())
	assert.Greater(t, timer.State().RemainingSeconds, 900)
	timer.Stop()
}

func TestTimer_ExpireReportsCycle(t *testing.T) {
	var got []uint64
	timer := NewTimer(withInterval(0), OnExpire(func(cycle uint64) { got = append(got, cycle) }))

	first := timer.Start(10)
	second, ok := timer.Reset()
	require.True(t, ok)
	assert.Greater(t, second, first)
	assert.Equal(t, second, currentCycle(timer))

	advance(timer, 10)
	assert.Equal(t, []uint64{second}, got)
}
