package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/harvestmart/internal/metrics"
	"github.com/mbd888/harvestmart/internal/retry"
	"github.com/mbd888/harvestmart/internal/security"
)

// Headers set on every outbound notification.
const (
	HeaderEvent     = "X-Harvestmart-Event"
	HeaderTimestamp = "X-Harvestmart-Timestamp"
	HeaderSignature = "X-Harvestmart-Signature"
)

// HTTPNotifier posts events to the messaging gateway (SMS/USSD/push) as
// signed JSON. Each delivery runs in its own goroutine with a bounded
// timeout; at most maxInFlight deliveries run at once and extra events are
// dropped.
type HTTPNotifier struct {
	url     string
	secret  string
	client  *http.Client
	policy  retry.Policy
	slots   chan struct{}
	logger  *slog.Logger
	timeout time.Duration
}

// NewHTTPNotifier creates a notifier posting to url.
func NewHTTPNotifier(url, secret string, timeout time.Duration, logger *slog.Logger) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		policy:  retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second},
		slots:   make(chan struct{}, 64),
		logger:  logger,
		timeout: timeout,
	}
}

// Notify queues ev for delivery and returns immediately. Delivery does not
// inherit the caller's context.
func (n *HTTPNotifier) Notify(_ context.Context, ev Event) {
	select {
	case n.slots <- struct{}{}:
	default:
		metrics.NotificationsTotal.WithLabelValues("http", "dropped").Inc()
		n.logger.Warn("notification dropped, too many in flight", "type", ev.Type, "party", ev.PartyID)
		return
	}
	go func() {
		defer func() { <-n.slots }()
		ctx, cancel := context.WithTimeout(context.Background(), 4*n.timeout)
		defer cancel()
		if err := retry.Do(ctx, n.policy, func(ctx context.Context) error { return n.send(ctx, ev) }); err != nil {
			metrics.NotificationsTotal.WithLabelValues("http", "error").Inc()
			n.logger.Warn("notification failed", "type", ev.Type, "party", ev.PartyID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("http", "ok").Inc()
	}()
}

func (n *HTTPNotifier) send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set(HeaderSignature, security.Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

