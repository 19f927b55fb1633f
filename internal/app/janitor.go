package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// Evicter drops terminal orders and settlements from memory.
type Evicter interface {
	Evict(cutoff time.Time) (orders, settlements int)
}

// Sweeper forgets idle entries from an in-memory table and returns how many
// were dropped.
type Sweeper struct {
	Name  string
	Sweep func() int
}

// Janitor periodically enforces the retention window: terminal orders and
// settlements leave memory, idle limiter state is swept, and with an
// archiver configured, rows older than the window move to the blob store.
type Janitor struct {
	retention time.Duration
	interval  time.Duration
	evicter   Evicter
	archiver  domain.Archiver
	sweepers  []Sweeper
	now       func() time.Time
	logger    *slog.Logger
}

// NewJanitor creates a Janitor. archiver may be nil.
func NewJanitor(retention, interval time.Duration, evicter Evicter, archiver domain.Archiver, logger *slog.Logger, sweepers ...Sweeper) *Janitor {
	return &Janitor{
		retention: retention,
		interval:  interval,
		evicter:   evicter,
		archiver:  archiver,
		sweepers:  sweepers,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "janitor")),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one retention pass. Eviction and sweeping always happen; an
// archive failure is returned after them.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)

	orders, settlements := j.evicter.Evict(cutoff)
	attrs := []any{
		slog.Time("cutoff", cutoff),
		slog.Int("orders_evicted", orders),
		slog.Int("settlements_evicted", settlements),
	}
	for _, s := range j.sweepers {
		attrs = append(attrs, slog.Int(s.Name+"_swept", s.Sweep()))
	}

	if j.archiver != nil {
		n, err := j.archiver.ArchiveOrders(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("janitor: archive orders before %v: %w", cutoff, err)
		}
		attrs = append(attrs, slog.Int64("orders_archived", n))

		n, err = j.archiver.ArchiveSettlements(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("janitor: archive settlements before %v: %w", cutoff, err)
		}
		attrs = append(attrs, slog.Int64("settlements_archived", n))
	}

	j.logger.InfoContext(ctx, "retention sweep complete", attrs...)
	return nil
}
