// Package memory implements the shared-state interfaces in process for paper
// mode and tests: a pub/sub bus, a lock manager and a sliding-window rate
// limiter.
package memory

import (
	"context"
	"path"
	"sync"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// subBuffer is the per-subscriber queue. Slow subscribers lose messages.
const subBuffer = 128

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Bus is an in-process domain.SignalBus. Channel names may use the same glob
// patterns as Redis PSUBSCRIBE.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers payload to every matching subscriber without blocking.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok && s.pattern != channel {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscriber{pattern: channel, ch: make(chan []byte, subBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

var _ domain.SignalBus = (*Bus)(nil)
