package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction says which way money moved relative to the contract's escrow.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // buyer to escrow
	DirectionOutbound Direction = "outbound" // escrow to producer
	DirectionRefund   Direction = "refund"   // escrow to buyer
	DirectionFee      Direction = "fee"      // escrow to platform
)

// EntryKind narrows a direction for reporting and consistency checks.
type EntryKind string

const (
	KindPayment        EntryKind = "payment"
	KindDepositRelease EntryKind = "deposit_release"
	KindSettlement     EntryKind = "settlement"
	KindSplit          EntryKind = "split"
	KindDepositRefund  EntryKind = "deposit_refund"
	KindBalanceWaiver  EntryKind = "balance_waiver"
	KindOverpayment    EntryKind = "overpayment"
	KindCancellation   EntryKind = "cancellation_refund"
	KindReturn         EntryKind = "return"
	KindPlatformFee    EntryKind = "platform_fee"
	KindNonRefundable  EntryKind = "non_refundable_cost"
)

const (
	// ProviderInternal tags entries the engine books itself at settlement.
	ProviderInternal = "internal"
	// PartyPlatform receives fee entries.
	PartyPlatform = "platform"
)

// LedgerEntry is an immutable record of money attributed to a contract.
// Entries are only ever appended; (Provider, ExternalRef) is unique.
type LedgerEntry struct {
	ID             string          `json:"id"`
	ContractID     string          `json:"contractId"`
	Direction      Direction       `json:"direction"`
	Kind           EntryKind       `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PartyID        string          `json:"partyId,omitempty"`
	Provider       string          `json:"provider"`
	ExternalRef    string          `json:"externalRef"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// DedupKey identifies the external event an entry records.
func (e *LedgerEntry) DedupKey() string { return e.Provider + "|" + e.ExternalRef }

// Clone returns a copy.
func (e *LedgerEntry) Clone() *LedgerEntry {
	cp := *e
	return &cp
}

// PaymentStatus is the normalized outcome reported by a money provider.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

// ProviderEvent is the provider-agnostic form of an inbound webhook. Every
// adapter produces exactly this shape; raw payloads never leave the adapter.
type ProviderEvent struct {
	Provider       string          `json:"provider"`
	ExternalRef    string          `json:"externalRef"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ContractID     string          `json:"contractId"`
	PayerRef       string          `json:"payerRef,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// QuarantinedEvent is a webhook that failed verification or referenced
// nothing known. It is kept for inspection and never applied.
type QuarantinedEvent struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Party is the identity collaborator's view of a registered user.
type Party struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
	Region   string `json:"region,omitempty"`
	Contact  string `json:"contact,omitempty"`
}
