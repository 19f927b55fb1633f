package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPatternDelivery(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := b.Subscribe(ctx, "*")
	require.NoError(t, err)
	trades, err := b.Subscribe(ctx, domain.ChannelTrades)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.ChannelTrades, []byte("t1")))
	require.NoError(t, b.Publish(ctx, domain.ChannelOrders, []byte("o1")))

	assert.Equal(t, "t1", string(<-trades))
	assert.Equal(t, "t1", string(<-all))
	assert.Equal(t, "o1", string(<-all))
	select {
	case m := <-trades:
		t.Fatalf("unexpected message %q", m)
	default:
	}
}

func TestBusClosesOnCancel(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "amm:submit", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "amm:submit", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := l.Acquire(ctx, "amm:submit", time.Second)
	require.NoError(t, err)

	// An expired lock can be taken over; the stale unlock must not release it.
	now = now.Add(2 * time.Second)
	_, err = l.Acquire(ctx, "amm:submit", time.Second)
	require.NoError(t, err)
	unlock2()
	_, err = l.Acquire(ctx, "amm:submit", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestLimiterSlidingWindow(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "ip:1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		now = now.Add(100 * time.Millisecond)
	}
	ok, _ := l.Allow(ctx, "ip:1", 3, time.Second)
	assert.False(t, ok)

	now = now.Add(800 * time.Millisecond)
	ok, _ = l.Allow(ctx, "ip:1", 3, time.Second)
	assert.True(t, ok, "first hit left the window")

	ok, _ = l.Allow(ctx, "ip:2", 3, time.Second)
	assert.True(t, ok)
}
