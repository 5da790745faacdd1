package negotiation

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically expires stale offers and listings.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new negotiation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Timer) tick(ctx context.Context) {
	res, err := t.service.Sweep(ctx)
	if err != nil {
		t.logger.Warn("negotiation sweep failed", "error", err)
		return
	}
	if res.OffersExpired > 0 || res.ListingsExpired > 0 {
		t.logger.Info("negotiation sweep",
			"offers_expired", res.OffersExpired, "listings_expired", res.ListingsExpired)
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
