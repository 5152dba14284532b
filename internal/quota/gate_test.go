package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/chatkeeper/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestGate_Defaults(t *testing.T) {
	g := NewGate(0, 0)
	assert.Equal(t, uint32(DefaultLimit), g.Limit())
	assert.Equal(t, DefaultWindow, g.Window())
	assert.Equal(t, uint32(50), g.Limit())
	assert.Equal(t, 12*time.Hour, g.Window())
}

func TestGate_AllowsExactlyLimitThenLocks(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(DefaultLimit, DefaultWindow, WithClock(clock.Now))

	for i := 1; i <= DefaultLimit; i++ {
		require.True(t, g.TryConsume("u"), "prompt %d should be allowed", i)
	}
	st := g.State("u")
	assert.Equal(t, uint32(DefaultLimit), st.Count)
	require.NotNil(t, st.BlockedSince, "the prompt reaching the limit starts the lockout")
	assert.Equal(t, clock.Now(), *st.BlockedSince)

	assert.False(t, g.TryConsume("u"))
	assert.False(t, g.TryConsume("u"))
	assert.Equal(t, uint32(DefaultLimit), g.State("u").Count, "count is frozen while locked")
}

func TestGate_LockoutExpiry(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(3, time.Hour, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, g.TryConsume("u"))
	}
	t0 := clock.Now()

	clock.Advance(time.Hour - time.Nanosecond)
	assert.False(t, g.TryConsume("u"))

	clock.Advance(time.Nanosecond)
	assert.True(t, g.TryConsume("u"), "first call at t0+window resets")

	st := g.State("u")
	assert.Equal(t, uint32(1), st.Count)
	assert.Nil(t, st.BlockedSince)
	assert.True(t, clock.Now().Equal(t0.Add(time.Hour)))

	// A fresh window allows limit-1 more before locking again.
	assert.True(t, g.TryConsume("u"))
	assert.True(t, g.TryConsume("u"))
	assert.NotNil(t, g.State("u").BlockedSince)
	assert.False(t, g.TryConsume("u"))
}

func TestGate_LimitOfOne(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(1, time.Minute, WithClock(clock.Now))

	assert.True(t, g.TryConsume("u"))
	assert.False(t, g.TryConsume("u"))
	clock.Advance(time.Minute)
	assert.True(t, g.TryConsume("u"))
	// The resetting call counts as prompt 1 but does not re-lock on its own.
	assert.Nil(t, g.State("u").BlockedSince)
	assert.True(t, g.TryConsume("u"))
	assert.False(t, g.TryConsume("u"))
}

func TestGate_UsersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(2, time.Hour, WithClock(clock.Now))

	assert.True(t, g.TryConsume("a"))
	assert.True(t, g.TryConsume("a"))
	assert.False(t, g.TryConsume("a"))

	assert.True(t, g.TryConsume("b"))
	assert.Equal(t, State{Count: 1}, g.State("b"))
	assert.Equal(t, State{}, g.State("nobody"))
}

func TestGate_Prune(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(1, time.Hour, WithClock(clock.Now))

	g.TryConsume("locked-early")
	clock.Advance(30 * time.Minute)
	g.TryConsume("locked-late")
	g.TryConsume("also-locked-late")
	clock.Advance(30 * time.Minute)

	assert.Equal(t, 1, g.Prune(clock.Now()))
	assert.Equal(t, State{}, g.State("locked-early"))
	assert.NotNil(t, g.State("locked-late").BlockedSince)

	// A pruned user behaves exactly as after a reset.
	assert.True(t, g.TryConsume("locked-early"))
	assert.Equal(t, uint32(1), g.State("locked-early").Count)
}

func TestGate_State_ExpiredLockoutReadsAsPruned(t *testing.T) {
	clock := newFakeClock()
	kept := NewGate(2, time.Hour, WithClock(clock.Now))
	pruned := NewGate(2, time.Hour, WithClock(clock.Now))
	for _, g := range []*Gate{kept, pruned} {
		g.TryConsume("u")
		g.TryConsume("u")
	}

	clock.Advance(time.Hour - time.Nanosecond)
	assert.Equal(t, uint32(2), kept.State("u").Count, "still locked")
	assert.NotNil(t, kept.State("u").BlockedSince)

	clock.Advance(time.Nanosecond)
	require.Equal(t, 1, pruned.Prune(clock.Now()))
	assert.Equal(t, State{}, kept.State("u"))
	assert.Equal(t, pruned.State("u"), kept.State("u"))

	assert.True(t, kept.TryConsume("u"))
	assert.True(t, pruned.TryConsume("u"))
	assert.Equal(t, pruned.State("u"), kept.State("u"))
}

func TestGate_Prune_KeepsOpenCounters(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(10, time.Hour, WithClock(clock.Now))

	g.TryConsume("u")
	clock.Advance(48 * time.Hour)
	assert.Equal(t, 0, g.Prune(clock.Now()))
	assert.Equal(t, uint32(1), g.State("u").Count)
}

func TestGate_RunPruner_StopsOnCancel(t *testing.T) {
	g := NewGate(1, time.Millisecond)
	g.TryConsume("u")

	ctx, cancel := context.WithCancel(context.Background())
	pruned := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		g.RunPruner(ctx, 5*time.Millisecond, func(n int) {
			select {
			case pruned <- n:
			default:
			}
		})
		close(done)
	}()

	select {
	case n := <-pruned:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("pruner never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pruner did not stop")
	}
}

func TestGate_SnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(2, time.Hour, WithClock(clock.Now))
	g.TryConsume("a")
	g.TryConsume("b")
	g.TryConsume("b")

	restored := NewGate(2, time.Hour, WithClock(clock.Now))
	restored.TryConsume("stale")
	restored.Restore(g.Snapshot())

	assert.Equal(t, State{}, restored.State("stale"))
	assert.Equal(t, g.State("a"), restored.State("a"))
	assert.Equal(t, g.State("b"), restored.State("b"))
	assert.False(t, restored.TryConsume("b"))
	assert.True(t, restored.TryConsume("a"))
}

func TestGate_ConcurrentConsume(t *testing.T) {
	clock := newFakeClock()
	const limit = 50
	g := NewGate(limit, time.Hour, WithClock(clock.Now))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryConsume(store.UserKey("shared")) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)
	assert.Equal(t, uint32(limit), g.State("shared").Count)
}
