package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clk.Now
	return b, clk
}

var errDown = errors.New("provider down")

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("mobile_money")
	b.RecordFailure("mobile_money")
	assert.True(t, b.Allow("mobile_money"), "should allow before threshold")

	b.RecordFailure("mobile_money")
	assert.False(t, b.Allow("mobile_money"))
	assert.Equal(t, StateOpen, b.State("mobile_money"))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.RecordFailure("card")
	b.RecordFailure("card")
	require.False(t, b.Allow("card"))

	clk.Advance(time.Minute)
	assert.True(t, b.Allow("card"), "first caller after cooldown probes")
	assert.Equal(t, StateHalfOpen, b.State("card"))
	assert.False(t, b.Allow("card"), "second caller rejected while probing")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clk := newTestBreaker(1, time.Second)
		b.RecordFailure("wallet")
		clk.Advance(time.Second)
		require.True(t, b.Allow("wallet"))
		b.RecordSuccess("wallet")
		assert.Equal(t, StateClosed, b.State("wallet"))
	})
	t.Run("failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(1, time.Second)
		b.RecordFailure("wallet")
		clk.Advance(time.Second)
		require.True(t, b.Allow("wallet"))
		b.RecordFailure("wallet")
		assert.Equal(t, StateOpen, b.State("wallet"))
		assert.False(t, b.Allow("wallet"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("card")
	b.RecordFailure("card")
	b.RecordSuccess("card")
	b.RecordFailure("card")
	b.RecordFailure("card")
	assert.Equal(t, StateClosed, b.State("card"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("card")
	assert.False(t, b.Allow("card"))
	assert.True(t, b.Allow("crypto"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	failing := func(context.Context) error { return errDown }

	require.ErrorIs(t, b.Do(ctx, "card", nil, failing), errDown)
	require.ErrorIs(t, b.Do(ctx, "card", nil, failing), errDown)

	called := false
	err := b.Do(ctx, "card", nil, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_DoIgnoresUncountableErrors(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	errBadRequest := errors.New("bad request")
	countable := func(err error) bool { return !errors.Is(err, errBadRequest) }

	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), "card", countable, func(context.Context) error { return errBadRequest })
	}
	assert.Equal(t, StateClosed, b.State("card"))
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		if key == "crypto" {
			got <- [2]State{from, to}
		}
	})

	b.RecordFailure("crypto")

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not fired")
	}
	assert.Equal(t, map[string]State{"crypto": StateOpen}, b.Snapshot())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
