package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mversen/custodia/internal/metrics"
)

// Timer is the automatic timeout actor. It periodically releases held
// escrows past their auto-release deadline and resumes settlements that a
// crash or transient gateway failure left pending.
//
// Auto-release goes through the same Release path as everyone else and is
// subject to the same dispute guard, so an open dispute always pre-empts the
// timeout regardless of timing.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval. Non-positive values keep the
// default. Call before Start.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseExpired(ctx)
	t.sweepPending(ctx)
}

func (t *Timer) releaseExpired(ctx context.Context) {
	expired, err := t.store.ListReleasable(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list releasable escrows", "error", err)
		return
	}

	for _, rec := range expired {
		_, err := t.service.Release(ctx, rec.ID, ReleasedByTimeout)
		switch {
		case err == nil:
			metrics.EscrowAutoReleasedTotal.Inc()
			t.logger.Info("auto-released escrow",
				"escrowId", rec.ID, "payee", rec.PayeeID, "amount", rec.Gross)
		case errors.Is(err, ErrDisputeBlocksRelease):
			// A dispute beat the timeout; nothing to do.
			t.logger.Debug("auto-release blocked by open dispute", "escrowId", rec.ID)
		case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidState):
			// Someone else advanced the record between list and release.
			t.logger.Debug("auto-release lost the race", "escrowId", rec.ID, "error", err)
		default:
			t.logger.Warn("failed to auto-release escrow", "escrowId", rec.ID, "error", err)
		}
	}
}

func (t *Timer) sweepPending(ctx context.Context) {
	pending, err := t.store.ListPendingSettlement(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list pending settlements", "error", err)
		return
	}
	metrics.SettlementsStuck.Set(float64(len(pending)))

	for _, rec := range pending {
		// Give the original caller a moment before stepping in.
		if time.Since(rec.UpdatedAt) < t.interval {
			continue
		}
		if _, err := t.service.ResumeSettlement(ctx, rec.ID); err != nil {
			if errors.Is(err, ErrSettlementPending) {
				t.logger.Debug("settlement still pending", "escrowId", rec.ID, "op", rec.PendingOp)
				continue
			}
			t.logger.Warn("failed to resume settlement",
				"escrowId", rec.ID, "op", rec.PendingOp, "error", err)
			continue
		}
		metrics.SettlementsResumedTotal.Inc()
		t.logger.Info("resumed pending settlement", "escrowId", rec.ID, "op", rec.PendingOp)
	}
}
