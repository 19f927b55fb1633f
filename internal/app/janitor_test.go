package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evictRecorder struct {
	cutoffs []time.Time
}

func (e *evictRecorder) Evict(cutoff time.Time) (int, int) {
	e.cutoffs = append(e.cutoffs, cutoff)
	return 2, 1
}

type archiveRecorder struct {
	orders, settlements []time.Time
	failOrders          error
}

func (a *archiveRecorder) ArchiveOrders(_ context.Context, before time.Time) (int64, error) {
	a.orders = append(a.orders, before)
	return 5, a.failOrders
}

func (a *archiveRecorder) ArchiveSettlements(_ context.Context, before time.Time) (int64, error) {
	a.settlements = append(a.settlements, before)
	return 3, nil
}

func newTestJanitor(ev Evicter, ar domain.Archiver, sweepers ...Sweeper) *Janitor {
	j := NewJanitor(24*time.Hour, time.Minute, ev, ar, slog.New(slog.NewTextHandler(io.Discard, nil)), sweepers...)
	j.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return j
}

func TestJanitorSweepUsesRetentionCutoff(t *testing.T) {
	ev := &evictRecorder{}
	ar := &archiveRecorder{}
	swept := 0
	j := newTestJanitor(ev, ar, Sweeper{Name: "guard", Sweep: func() int { swept++; return 4 }})

	require.NoError(t, j.Sweep(context.Background()))

	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Len(t, ev.cutoffs, 1)
	assert.True(t, want.Equal(ev.cutoffs[0]))
	assert.Equal(t, []time.Time{want}, ar.orders)
	assert.Equal(t, []time.Time{want}, ar.settlements)
	assert.Equal(t, 1, swept)
}

func TestJanitorWithoutArchiver(t *testing.T) {
	ev := &evictRecorder{}
	j := newTestJanitor(ev, nil)
	require.NoError(t, j.Sweep(context.Background()))
	assert.Len(t, ev.cutoffs, 1)
}

func TestJanitorArchiveFailureStillEvicts(t *testing.T) {
	ev := &evictRecorder{}
	ar := &archiveRecorder{failOrders: errors.New("bucket unreachable")}
	j := newTestJanitor(ev, ar)

	err := j.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unreachable")
	assert.Len(t, ev.cutoffs, 1)
	assert.Empty(t, ar.settlements)
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	j := NewJanitor(time.Hour, time.Millisecond, &evictRecorder{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
