package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/harvestmart/internal/circuitbreaker"
	"github.com/mbd888/harvestmart/internal/metrics"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/retry"
	"github.com/mbd888/harvestmart/internal/traces"
)

// Gateway fronts the registry for outbound calls. Each charge runs under a
// per-provider circuit, a bounded timeout, and retries that reuse the
// caller's idempotency key. Failures surface as ErrProviderUnavailable or
// ErrChargeRejected only.
type Gateway struct {
	registry *Registry
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	policy   retry.Policy
	logger   *slog.Logger
}

// NewGateway creates a gateway. A nil breaker gets a default one.
func NewGateway(registry *Registry, breaker *circuitbreaker.Breaker, timeout time.Duration, logger *slog.Logger) *Gateway {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := retry.Provider
	p.Retryable = func(err error) bool {
		return !errors.Is(err, ErrChargeRejected) && !errors.Is(err, circuitbreaker.ErrOpen)
	}
	return &Gateway{registry: registry, breaker: breaker, timeout: timeout, policy: p, logger: logger}
}

// WithRetryPolicy overrides the retry policy, keeping the rejection filter.
func (g *Gateway) WithRetryPolicy(p retry.Policy) *Gateway {
	p.Retryable = g.policy.Retryable
	g.policy = p
	return g
}

// Breaker exposes the provider circuits for health reporting.
func (g *Gateway) Breaker() *circuitbreaker.Breaker { return g.breaker }

// Providers lists the configured provider names.
func (g *Gateway) Providers() []string { return g.registry.Names() }

// Charge initiates a charge with the named provider.
func (g *Gateway) Charge(ctx context.Context, provider string, req ChargeRequest) (res *ChargeResult, err error) {
	p, err := g.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "providers.Charge",
		traces.Provider(provider), traces.ContractID(req.ContractID), traces.Amount(req.Amount.String()))
	defer func() { traces.End(span, err) }()

	timer := prometheus.NewTimer(metrics.ProviderCallDuration.WithLabelValues(provider))
	defer timer.ObserveDuration()

	countable := func(err error) bool { return !errors.Is(err, ErrChargeRejected) }
	err = retry.Do(ctx, g.policy, func(ctx context.Context) error {
		return g.breaker.Do(ctx, provider, countable, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			r, cerr := p.InitiateCharge(cctx, req)
			if cerr != nil {
				return cerr
			}
			res = r
			return nil
		})
	})

	switch {
	case err == nil:
		metrics.ProviderCallsTotal.WithLabelValues(provider, "ok").Inc()
		return res, nil
	case errors.Is(err, ErrChargeRejected):
		metrics.ProviderCallsTotal.WithLabelValues(provider, "rejected").Inc()
		g.logger.Warn("charge rejected", "provider", provider, "contract_id", req.ContractID, "error", err)
		return nil, err
	default:
		result := "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			result = "circuit_open"
		}
		metrics.ProviderCallsTotal.WithLabelValues(provider, result).Inc()
		g.logger.Error("charge failed", "provider", provider, "contract_id", req.ContractID, "error", err)
		return nil, ErrProviderUnavailable.Wrap(err)
	}
}

// ParseWebhook verifies and normalizes an inbound webhook for provider.
func (g *Gateway) ParseWebhook(provider string, header http.Header, body []byte) (*model.ProviderEvent, error) {
	p, err := g.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	ev, err := p.ParseWebhook(header, body)
	if err != nil {
		return nil, err
	}
	ev.Provider = provider
	if ev.ContractID == "" && ev.IdempotencyKey != "" {
		ev.ContractID = ContractIDFromKey(ev.IdempotencyKey)
	}
	return ev, nil
}
