package settlement

import (
	"container/heap"
	"time"
)

// readyHeap orders runnable entries by priority, then arrival.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	ri, rj := h[i].req.Priority.Rank(), h[j].req.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders parked entries by when they become runnable.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// promote moves every delayed entry due at or before now to ready.
func promote(ready *readyHeap, delayed *delayHeap, now time.Time) {
	for delayed.Len() > 0 && !(*delayed)[0].due.After(now) {
		heap.Push(ready, heap.Pop(delayed))
	}
}

// Backoff returns base*2^n capped at max.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 0 {
		return base
	}
	if n > 30 {
		return max
	}
	d := base * time.Duration(1<<n)
	if d > max || d <= 0 {
		return max
	}
	return d
}
