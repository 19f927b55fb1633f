// Package settlement owns settlement requests from enqueue until they reach
// a terminal status. Workers submit to the venue, poll for confirmation with
// backoff, and emit exactly one completion event per request.
package settlement

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/google/uuid"
)

// Source settles requests for one venue.
type Source interface {
	Submit(ctx context.Context, req domain.SettlementRequest) (txHash string, err error)
	Status(ctx context.Context, req domain.SettlementRequest) (domain.Confirmation, error)
}

// Config tunes the queue. It can be swapped at runtime.
type Config struct {
	Workers           int
	HighWaterMark     int
	MaxSubmitAttempts int
	SubmitBackoffBase time.Duration
	SubmitBackoffMax  time.Duration
	PollBase          time.Duration
	PollMax           time.Duration
	MaxWait           time.Duration
	CallTimeout       time.Duration
}

type phase int

const (
	phaseSubmit phase = iota
	phasePoll
)

type entry struct {
	req   domain.SettlementRequest
	phase phase
	polls int
	due   time.Time
	seq   uint64
}

// Queue is the settlement queue. Enqueue, Confirm and the read methods are
// safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayHeap
	byID    map[string]*entry
	byDedup map[string]string
	byOrder map[string]string
	byTx    map[string]string
	seq     uint64
	active  int

	sources map[domain.Venue]Source
	store   domain.SettlementStore
	cfg     atomic.Pointer[Config]
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger

	kick   chan struct{}
	work   chan *entry
	events chan domain.CompletionEvent

	poolMu  sync.Mutex
	runCtx  context.Context
	stops   []chan struct{}
	workers sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore persists every state change.
func WithStore(s domain.SettlementStore) Option {
	return func(q *Queue) { q.store = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithEventBuffer sets the completion channel capacity.
func WithEventBuffer(n int) Option {
	return func(q *Queue) { q.events = make(chan domain.CompletionEvent, n) }
}

// New creates a Queue with one Source per venue.
func New(cfg Config, sources map[domain.Venue]Source, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		byID:    make(map[string]*entry),
		byDedup: make(map[string]string),
		byOrder: make(map[string]string),
		byTx:    make(map[string]string),
		sources: sources,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logger.With(slog.String("component", "settlement_queue")),
		kick:    make(chan struct{}, 1),
		work:    make(chan *entry),
		events:  make(chan domain.CompletionEvent, 1024),
	}
	q.cfg.Store(&cfg)
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetConfig swaps limits and resizes the worker pool.
func (q *Queue) SetConfig(cfg Config) {
	q.cfg.Store(&cfg)
	q.Resize(cfg.Workers)
}

// Events delivers one completion event per request.
func (q *Queue) Events() <-chan domain.CompletionEvent { return q.events }

// Depth is the number of non-terminal requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Saturated reports whether Depth is at or above the high-water mark.
func (q *Queue) Saturated() bool {
	hwm := q.cfg.Load().HighWaterMark
	return hwm > 0 && q.Depth() >= hwm
}

// Enqueue accepts req. A request whose DedupKey is already known returns the
// existing request unchanged.
func (q *Queue) Enqueue(ctx context.Context, req domain.SettlementRequest) (domain.SettlementRequest, error) {
	if _, ok := q.sources[req.Venue]; !ok {
		return domain.SettlementRequest{}, fmt.Errorf("settlement: enqueue: no source for venue %q: %w", req.Venue, domain.ErrMalformedOrder)
	}
	if req.DedupKey == "" {
		req.DedupKey = req.OrderID
	}
	now := q.now()

	q.mu.Lock()
	if id, ok := q.byDedup[req.DedupKey]; ok {
		existing := q.byID[id].req
		q.mu.Unlock()
		return existing, nil
	}
	if req.ID == "" {
		req.ID = q.newID()
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	req.Status = domain.SettlementQueued
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	e := q.add(req, phaseSubmit)
	heap.Push(&q.ready, e)
	snapshot := e.req
	q.mu.Unlock()

	q.signal()
	q.persist(ctx, snapshot)
	q.logger.Debug("settlement queued",
		slog.String("settlement_id", snapshot.ID),
		slog.String("order_id", snapshot.OrderID),
		slog.String("venue", string(snapshot.Venue)),
	)
	return snapshot, nil
}

// add registers a new entry. Callers hold mu.
func (q *Queue) add(req domain.SettlementRequest, p phase) *entry {
	q.seq++
	e := &entry{req: req, phase: p, seq: q.seq}
	q.byID[req.ID] = e
	q.byDedup[req.DedupKey] = req.ID
	q.byOrder[req.OrderID] = req.ID
	if req.TxHash != "" {
		q.byTx[req.TxHash] = req.ID
	}
	q.active++
	return e
}

// Restore re-queues requests that were pending when the process stopped.
// Requests with a transaction hash resume polling.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: restore: %w", err)
	}
	now := q.now()
	n := 0
	q.mu.Lock()
	for _, req := range pending {
		if _, ok := q.byID[req.ID]; ok {
			continue
		}
		if _, ok := q.sources[req.Venue]; !ok {
			continue
		}
		if req.TxHash != "" {
			if req.SubmittedAt == nil {
				t := now
				req.SubmittedAt = &t
			}
			e := q.add(req, phasePoll)
			e.due = now
			heap.Push(&q.delayed, e)
		} else {
			req.Status = domain.SettlementQueued
			heap.Push(&q.ready, q.add(req, phaseSubmit))
		}
		n++
	}
	q.mu.Unlock()
	q.signal()
	return n, nil
}

// Get returns the request with the given ID.
func (q *Queue) Get(id string) (domain.SettlementRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return domain.SettlementRequest{}, false
	}
	return e.req, true
}

// GetByOrderID returns the request created for an order.
func (q *Queue) GetByOrderID(orderID string) (domain.SettlementRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byOrder[orderID]
	if !ok {
		return domain.SettlementRequest{}, false
	}
	return q.byID[id].req, true
}

// Confirm applies a pushed confirmation for txHash. It reports whether the
// request changed state; replays and pending confirmations return false.
func (q *Queue) Confirm(ctx context.Context, txHash string, c domain.Confirmation) bool {
	if c.Status == domain.ConfirmationPending {
		return false
	}
	q.mu.Lock()
	id, ok := q.byTx[txHash]
	if !ok {
		q.mu.Unlock()
		return false
	}
	e := q.byID[id]
	if e.req.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	var ev domain.CompletionEvent
	if c.Status == domain.ConfirmationConfirmed {
		ev = q.finishLocked(e, domain.SettlementConfirmed, "")
	} else {
		ev = q.finishLocked(e, domain.SettlementFailed, "contract_revert")
	}
	snapshot := e.req
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.emit(ctx, ev)
	return true
}

// Evict forgets terminal requests last updated before cutoff and returns
// them.
func (q *Queue) Evict(cutoff time.Time) []domain.SettlementRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.SettlementRequest
	for id, e := range q.byID {
		if !e.req.Status.Terminal() || !e.req.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, e.req)
		delete(q.byID, id)
		if q.byDedup[e.req.DedupKey] == id {
			delete(q.byDedup, e.req.DedupKey)
		}
		if q.byOrder[e.req.OrderID] == id {
			delete(q.byOrder, e.req.OrderID)
		}
		if e.req.TxHash != "" && q.byTx[e.req.TxHash] == id {
			delete(q.byTx, e.req.TxHash)
		}
	}
	return out
}

// finishLocked moves e to a terminal status. Callers hold mu and have
// checked that e is not terminal yet.
func (q *Queue) finishLocked(e *entry, status domain.SettlementStatus, reason string) domain.CompletionEvent {
	now := q.now()
	e.req.Status = status
	e.req.Reason = reason
	e.req.UpdatedAt = now
	if status == domain.SettlementConfirmed {
		e.req.ConfirmedAt = &now
	}
	q.active--

	start := e.req.CreatedAt
	if e.req.SubmittedAt != nil {
		start = *e.req.SubmittedAt
	}
	return domain.CompletionEvent{
		SettlementID: e.req.ID,
		OrderID:      e.req.OrderID,
		Pair:         e.req.Pair,
		Venue:        e.req.Venue,
		Status:       status,
		TxHash:       e.req.TxHash,
		Reason:       reason,
		Amount:       e.req.ExpectedAmount,
		Price:        e.req.ExpectedPrice,
		Attempts:     e.req.Attempts,
		Latency:      now.Sub(start),
		At:           now,
	}
}

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) persist(ctx context.Context, req domain.SettlementRequest) {
	if q.store == nil {
		return
	}
	if err := q.store.Upsert(context.WithoutCancel(ctx), req); err != nil {
		q.logger.Warn("persist settlement failed",
			slog.String("settlement_id", req.ID),
			slog.String("status", string(req.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) emit(ctx context.Context, ev domain.CompletionEvent) {
	select {
	case q.events <- ev:
	case <-ctx.Done():
		q.logger.Warn("completion event dropped on shutdown",
			slog.String("settlement_id", ev.SettlementID),
			slog.String("status", string(ev.Status)),
		)
	}
}

// Run dispatches work until ctx is canceled, then waits for workers to
// finish their current request.
func (q *Queue) Run(ctx context.Context) error {
	q.poolMu.Lock()
	q.runCtx = ctx
	q.poolMu.Unlock()
	q.Resize(q.cfg.Load().Workers)

	err := q.dispatch(ctx)

	q.poolMu.Lock()
	for _, s := range q.stops {
		close(s)
	}
	q.stops = nil
	q.poolMu.Unlock()
	q.workers.Wait()
	return err
}

// Resize sets the number of workers. Before Run it only records the size.
func (q *Queue) Resize(n int) {
	if n < 1 {
		n = 1
	}
	q.poolMu.Lock()
	defer q.poolMu.Unlock()
	if q.runCtx == nil || q.runCtx.Err() != nil {
		return
	}
	for len(q.stops) < n {
		stop := make(chan struct{})
		q.stops = append(q.stops, stop)
		q.workers.Add(1)
		go q.worker(q.runCtx, stop)
	}
	for len(q.stops) > n {
		last := len(q.stops) - 1
		close(q.stops[last])
		q.stops = q.stops[:last]
	}
}

// Workers is the current pool size.
func (q *Queue) Workers() int {
	q.poolMu.Lock()
	defer q.poolMu.Unlock()
	return len(q.stops)
}

func (q *Queue) dispatch(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		e, wait := q.next()
		if e != nil {
			select {
			case q.work <- e:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
		case <-timer.C:
		}
	}
}

// next pops the best runnable entry, or reports how long until one is due.
func (q *Queue) next() (*entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	promote(&q.ready, &q.delayed, now)
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		if !e.req.Status.Terminal() {
			return e, 0
		}
	}
	if q.delayed.Len() == 0 {
		return nil, time.Hour
	}
	wait := q.delayed[0].due.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return nil, wait
}

func (q *Queue) worker(ctx context.Context, stop <-chan struct{}) {
	defer q.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case e := <-q.work:
			q.process(ctx, e)
		}
	}
}

func (q *Queue) process(ctx context.Context, e *entry) {
	q.mu.Lock()
	if e.req.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	p := e.phase
	if p == phaseSubmit {
		e.req.Status = domain.SettlementInFlight
		e.req.Attempts++
		e.req.UpdatedAt = q.now()
	}
	req := e.req
	q.mu.Unlock()

	src := q.sources[req.Venue]
	cfg := q.cfg.Load()
	if p == phaseSubmit {
		q.persist(ctx, req)
		q.submit(ctx, cfg, src, e, req)
		return
	}
	q.poll(ctx, cfg, src, e, req)
}

func (q *Queue) submit(ctx context.Context, cfg *Config, src Source, e *entry, req domain.SettlementRequest) {
	cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	hash, err := src.Submit(cctx, req)
	deadline := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()
	if ctx.Err() != nil {
		// Shutting down: leave the request for Restore.
		return
	}

	q.mu.Lock()
	if e.req.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	now := q.now()
	var ev *domain.CompletionEvent
	switch {
	case err == nil:
		e.req.TxHash = hash
		e.req.SubmittedAt = &now
		e.req.UpdatedAt = now
		q.byTx[hash] = e.req.ID
		e.phase = phasePoll
		e.polls = 0
		e.due = now.Add(cfg.PollBase)
		heap.Push(&q.delayed, e)
	case deadline || errors.Is(err, domain.ErrRPCDeadline):
		done := q.finishLocked(e, domain.SettlementFailed, "rpc_deadline")
		ev = &done
	case errors.Is(err, domain.ErrExecution) && e.req.Attempts < cfg.MaxSubmitAttempts:
		e.req.Status = domain.SettlementQueued
		e.req.Reason = domain.ReasonCode(err)
		e.req.UpdatedAt = now
		e.due = now.Add(Backoff(cfg.SubmitBackoffBase, cfg.SubmitBackoffMax, e.req.Attempts-1))
		heap.Push(&q.delayed, e)
	default:
		reason := domain.ReasonCode(err)
		if reason == "internal" {
			reason = "submit_failed"
		}
		done := q.finishLocked(e, domain.SettlementFailed, reason)
		ev = &done
	}
	snapshot := e.req
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("settlement submit failed",
			slog.String("settlement_id", snapshot.ID),
			slog.Int("attempt", snapshot.Attempts),
			slog.String("status", string(snapshot.Status)),
			slog.String("error", err.Error()),
		)
	}
	q.persist(ctx, snapshot)
	q.signal()
	if ev != nil {
		q.emit(ctx, *ev)
	}
}

func (q *Queue) poll(ctx context.Context, cfg *Config, src Source, e *entry, req domain.SettlementRequest) {
	submitted := req.CreatedAt
	if req.SubmittedAt != nil {
		submitted = *req.SubmittedAt
	}
	giveUp := submitted.Add(cfg.MaxWait)

	var conf domain.Confirmation
	var err error
	if q.now().Before(giveUp) {
		cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		conf, err = src.Status(cctx, req)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			q.logger.Debug("settlement status failed",
				slog.String("settlement_id", req.ID),
				slog.String("error", err.Error()),
			)
			conf.Status = domain.ConfirmationPending
		}
	} else {
		conf.Status = domain.ConfirmationPending
	}

	q.mu.Lock()
	if e.req.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	now := q.now()
	var ev *domain.CompletionEvent
	switch conf.Status {
	case domain.ConfirmationConfirmed:
		done := q.finishLocked(e, domain.SettlementConfirmed, "")
		ev = &done
	case domain.ConfirmationReverted:
		done := q.finishLocked(e, domain.SettlementFailed, "contract_revert")
		ev = &done
	default:
		if !now.Before(giveUp) {
			done := q.finishLocked(e, domain.SettlementAbandoned, domain.ReasonCode(domain.ErrConfirmationTimeout))
			ev = &done
			break
		}
		e.polls++
		due := now.Add(Backoff(cfg.PollBase, cfg.PollMax, e.polls))
		if due.After(giveUp) {
			due = giveUp
		}
		e.due = due
		heap.Push(&q.delayed, e)
	}
	snapshot := e.req
	q.mu.Unlock()

	q.signal()
	if ev != nil {
		q.persist(ctx, snapshot)
		if snapshot.Status == domain.SettlementAbandoned {
			q.logger.Warn("settlement abandoned",
				slog.String("settlement_id", snapshot.ID),
				slog.String("order_id", snapshot.OrderID),
				slog.String("tx_hash", snapshot.TxHash),
			)
		}
		q.emit(ctx, *ev)
	}
}
