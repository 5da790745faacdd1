package contracts

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically completes contracts whose confirmation window lapsed
// and resolves disputes that outlived the policy window.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new deadline timer.
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
	res, err := t.service.SweepDeadlines(ctx)
	if err != nil {
		t.logger.Warn("contract deadline sweep failed", "error", err)
		return
	}
	if res.AutoCompleted > 0 || res.AutoResolved > 0 {
		t.logger.Info("contract deadline sweep",
			"auto_completed", res.AutoCompleted, "auto_resolved", res.AutoResolved)
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
