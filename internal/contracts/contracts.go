// Package contracts owns the lifecycle of a contract from acceptance to
// settlement: deposit, dispatch, arrival, confirmation or dispute, and the
// ledger entries that settle it.
package contracts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/model"
)

var (
	ErrContractNotFound = apperr.NotFound("contract_not_found", "contract not found")

	ErrInvalidTransition = apperr.Conflict("invalid_transition", "contract cannot make this transition")
	ErrDepositNotDue     = apperr.Conflict("deposit_not_due", "contract is not awaiting a deposit")
	ErrConcurrentUpdate  = apperr.Conflict("concurrent_update", "contract changed concurrently, retry")

	ErrDepositNotPaid = apperr.Policy("deposit_not_paid", "deposit has not been paid")
	ErrDisputeOpen    = apperr.Policy("dispute_open", "contract is frozen by an open quality dispute")
	ErrNotParty       = apperr.Policy("not_party", "caller is not a party to this contract")
	ErrNotBuyer       = apperr.Policy("not_buyer", "only the buyer may do this")
	ErrNotProducer    = apperr.Policy("not_producer", "only the producer may do this")
	ErrNotArbiter     = apperr.Policy("not_arbiter", "disputes are resolved by an administrator")

	ErrProofRequired   = apperr.Validation("proof_required", "arrival requires a proof of delivery reference")
	ErrReasonRequired  = apperr.Validation("reason_required", "a reason is required")
	ErrInvalidOutcome  = apperr.Validation("invalid_outcome", "outcome must be completed or refunded")
	ErrInvalidShare    = apperr.Validation("invalid_share", "producer share must be between 0 and 1")
	ErrInvalidProvider = apperr.Validation("invalid_provider", "unknown payment provider")

	ErrCurrencyMismatch = apperr.Integrity("currency_mismatch", "payment currency does not match the contract")
	ErrInvalidAmount    = apperr.Integrity("invalid_amount", "payment amount must be positive")
)

// Actors that are not parties to a contract.
const (
	ActorSystem = "system"
	ActorAdmin  = "admin"
)

// Policy holds the escrow rules applied to contracts.
type Policy struct {
	// DepositFraction and FeeRate are copied onto each contract at creation
	// and never read from the policy again for that contract.
	DepositFraction       decimal.Decimal
	FeeRate               decimal.Decimal
	NonRefundableFraction decimal.Decimal
	ConfirmationGrace     time.Duration
	// DisputeAutoResolve, when positive, resolves disputes older than this
	// as a split at DisputeProducerShare.
	DisputeAutoResolve   time.Duration
	DisputeProducerShare decimal.Decimal
}

// DefaultPolicy is a 10% deposit, no fees and a 72 hour grace window.
func DefaultPolicy() Policy {
	return Policy{
		DepositFraction:       decimal.RequireFromString("0.10"),
		FeeRate:               decimal.Zero,
		NonRefundableFraction: decimal.Zero,
		ConfirmationGrace:     72 * time.Hour,
		DisputeProducerShare:  decimal.RequireFromString("0.5"),
	}
}

// DepositRequest is the body of POST /contracts/:id/deposit.
type DepositRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// DepositResult describes the charge a buyer must complete.
type DepositResult struct {
	Contract    *model.Contract `json:"contract"`
	Amount      string          `json:"amount"`
	Currency    string          `json:"currency"`
	CheckoutURL string          `json:"checkoutUrl,omitempty"`
	ExternalRef string          `json:"externalRef,omitempty"`
	Reused      bool            `json:"reused"`
}

// DispatchRequest is the body of POST /contracts/:id/dispatch.
type DispatchRequest struct {
	Carrier     string `json:"carrier"`
	TrackingRef string `json:"trackingRef"`
}

// ArrivalRequest is the body of POST /contracts/:id/arrival.
type ArrivalRequest struct {
	ProofRef string `json:"proofRef" binding:"required"`
}

// DisputeRequest is the body of POST /contracts/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body of POST /admin/contracts/:id/resolve.
// ProducerShare applies to completed outcomes and defaults to the policy's
// share.
type ResolveRequest struct {
	Outcome       string `json:"outcome" binding:"required"`
	ProducerShare string `json:"producerShare"`
	Note          string `json:"note"`
}

// CancelRequest is the body of POST /contracts/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// SweepResult counts what one deadline sweep changed.
type SweepResult struct {
	AutoCompleted int `json:"autoCompleted"`
	AutoResolved  int `json:"autoResolved"`
}
