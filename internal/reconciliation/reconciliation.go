// Package reconciliation turns provider webhooks into ledger entries and
// contract transitions, and audits that every contract's status still
// agrees with its ledger.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/contracts"
	"github.com/mbd888/harvestmart/internal/idgen"
	"github.com/mbd888/harvestmart/internal/logging"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/providers"
	"github.com/mbd888/harvestmart/internal/retry"
	"github.com/mbd888/harvestmart/internal/store"
	"github.com/mbd888/harvestmart/internal/syncutil"
	"github.com/mbd888/harvestmart/internal/traces"
)

var (
	ErrUnknownContract  = apperr.Integrity("unknown_contract", "webhook references no known contract")
	ErrConcurrentUpdate = apperr.Conflict("concurrent_update", "contract changed concurrently, retry")
)

// Results reported for an ingested webhook.
const (
	ResultApplied     = "applied"
	ResultDuplicate   = "duplicate"
	ResultIgnored     = "ignored"
	ResultFailed      = "failed"
	ResultQuarantined = "quarantined"
	ResultError       = "error"
)

// maxPayload bounds what is kept of a quarantined body.
const maxPayload = 16 << 10

// WebhookParser verifies and normalizes a raw webhook.
type WebhookParser interface {
	ParseWebhook(provider string, header http.Header, body []byte) (*model.ProviderEvent, error)
}

// PaymentApplier records a payment against its contract.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, tx store.Tx, ev *model.ProviderEvent) (*contracts.PaymentResult, error)
	PaymentCommitted(ctx context.Context, res *contracts.PaymentResult)
}

// Result is what one Ingest call did.
type Result struct {
	Provider    string               `json:"provider"`
	ExternalRef string               `json:"externalRef,omitempty"`
	ContractID  string               `json:"contractId,omitempty"`
	Result      string               `json:"result"`
	Status      model.ContractStatus `json:"status,omitempty"`
}

// Reconciler ingests provider webhooks. Work on one contract is serialized
// by the contract lock; deduplication on (provider, external ref) inside
// the unit of work makes redelivery safe.
type Reconciler struct {
	parser  WebhookParser
	applier PaymentApplier
	store   store.Store
	locks   *syncutil.EntityLocks
	now     func() time.Time
	logger  *slog.Logger
}

// NewReconciler creates a reconciler. locks must be the instance the
// contract service uses.
func NewReconciler(parser WebhookParser, applier PaymentApplier, st store.Store, locks *syncutil.EntityLocks, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		parser:  parser,
		applier: applier,
		store:   st,
		locks:   locks,
		now:     time.Now,
		logger:  logger,
	}
}

// Ingest verifies, deduplicates and applies one webhook.
//
// Integrity failures are quarantined and returned; the caller must not ask
// the provider to retry them. Any other error means nothing was committed
// and the provider should redeliver.
func (r *Reconciler) Ingest(ctx context.Context, provider string, header http.Header, body []byte) (res *Result, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "reconciliation.Ingest", traces.Provider(provider))
	res = &Result{Provider: provider}
	defer func() {
		traces.End(span, err)
		result := res.Result
		if err != nil && result == "" {
			result = ResultError
		}
		webhooksTotal.WithLabelValues(provider, result).Inc()
		ingestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	ev, err := r.parser.ParseWebhook(provider, header, body)
	switch {
	case errors.Is(err, providers.ErrIgnoredEvent):
		res.Result = ResultIgnored
		return res, nil
	case err != nil:
		if apperr.KindOf(err) == apperr.KindIntegrity {
			r.quarantine(ctx, res, err, body)
		}
		return res, err
	}
	res.ExternalRef = ev.ExternalRef
	res.ContractID = ev.ContractID
	span.SetAttributes(traces.ExternalRef(ev.ExternalRef), traces.ContractID(ev.ContractID))

	if ev.ContractID == "" {
		err = ErrUnknownContract.WithMessage("webhook carries no contract reference")
		r.quarantine(ctx, res, err, body)
		return res, err
	}

	ctx = logging.WithContract(ctx, ev.ContractID)
	unlock, err := r.locks.Lock(ctx, contracts.LockKind, ev.ContractID)
	if err != nil {
		return res, err
	}
	defer unlock()

	var applied *contracts.PaymentResult
	err = retry.Do(ctx, retry.Conflict(isVersionConflict), func(ctx context.Context) error {
		applied = nil
		return r.store.Atomic(ctx, func(tx store.Tx) error {
			pr, err := r.applier.ApplyPayment(ctx, tx, ev)
			if err != nil {
				return err
			}
			applied = pr
			return nil
		})
	})
	switch {
	case errors.Is(err, contracts.ErrContractNotFound):
		err = ErrUnknownContract.Wrap(err)
		r.quarantine(ctx, res, err, body)
		return res, err
	case apperr.KindOf(err) == apperr.KindIntegrity:
		r.quarantine(ctx, res, err, body)
		return res, err
	case isVersionConflict(err):
		return res, ErrConcurrentUpdate.Wrap(err)
	case err != nil:
		return res, err
	}

	r.applier.PaymentCommitted(ctx, applied)
	res.Status = applied.Contract.Status
	switch {
	case applied.Duplicate:
		res.Result = ResultDuplicate
	case applied.Ignored:
		res.Result = ResultIgnored
	case applied.Failed:
		res.Result = ResultFailed
	default:
		res.Result = ResultApplied
	}
	logging.L(ctx).Info("webhook reconciled",
		"provider", provider, "external_ref", ev.ExternalRef, "result", res.Result, "status", res.Status)
	return res, nil
}

// Quarantined lists the most recent quarantined webhooks.
func (r *Reconciler) Quarantined(ctx context.Context, limit int) ([]*model.QuarantinedEvent, error) {
	return r.store.ListQuarantined(ctx, limit)
}

// quarantine keeps a rejected webhook for inspection. A failure to store it
// is logged; the rejection stands either way.
func (r *Reconciler) quarantine(ctx context.Context, res *Result, cause error, body []byte) {
	res.Result = ResultQuarantined
	reason := apperr.CodeOf(cause)
	quarantinedTotal.WithLabelValues(res.Provider, reason).Inc()

	payload := body
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	q := &model.QuarantinedEvent{
		ID:         idgen.WithPrefix(idgen.PrefixQuarantine),
		Provider:   res.Provider,
		Reason:     cause.Error(),
		Payload:    string(payload),
		ReceivedAt: r.now().UTC(),
	}
	r.logger.Warn("webhook quarantined",
		"provider", res.Provider, "reason", reason, "external_ref", res.ExternalRef,
		"contract", res.ContractID, "error", cause)
	if err := r.store.Quarantine(ctx, q); err != nil {
		r.logger.Error("failed to store quarantined webhook", "provider", res.Provider, "error", err)
	}
}

func isVersionConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}
