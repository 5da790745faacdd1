// Package notify delivers marketplace events to parties. Delivery is
// fire-and-forget: a failed notification never fails the operation that
// produced it, and events are only emitted after their unit of work commits.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType names what happened.
type EventType string

const (
	EventOfferReceived         EventType = "offer_received"
	EventOfferCountered        EventType = "offer_countered"
	EventOfferAccepted         EventType = "offer_accepted"
	EventOfferDeclined         EventType = "offer_declined"
	EventOfferWithdrawn        EventType = "offer_withdrawn"
	EventOfferExpired          EventType = "offer_expired"
	EventRenegotiationRequired EventType = "renegotiation_required"
	EventListingExpired        EventType = "listing_expired"
	EventListingWithdrawn      EventType = "listing_withdrawn"

	EventContractCreated    EventType = "contract_created"
	EventDepositRequested   EventType = "deposit_requested"
	EventDepositPaid        EventType = "deposit_paid"
	EventPaymentReceived    EventType = "payment_received"
	EventPaymentFailed      EventType = "payment_failed"
	EventContractDispatched EventType = "contract_dispatched"
	EventContractArrived    EventType = "contract_arrived"
	EventContractCompleted  EventType = "contract_completed"
	EventContractDisputed   EventType = "contract_disputed"
	EventContractRefunded   EventType = "contract_refunded"
	EventContractCancelled  EventType = "contract_cancelled"

	// Policy signals: money arrived that the contract cannot use as-is.
	EventUnderpayment EventType = "underpayment"
	EventLatePayment  EventType = "late_payment"
)

// Event is one notification addressed to a single party.
type Event struct {
	Type       EventType      `json:"type"`
	PartyID    string         `json:"partyId"`
	ListingID  string         `json:"listingId,omitempty"`
	OfferID    string         `json:"offerId,omitempty"`
	ContractID string         `json:"contractId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier delivers events. Implementations must not block the caller on
// network I/O.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Send notifies each party in parties with a copy of ev. Empty party ids
// are skipped.
func Send(ctx context.Context, n Notifier, ev Event, parties ...string) {
	if n == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for _, p := range parties {
		if p == "" {
			continue
		}
		e := ev
		e.PartyID = p
		n.Notify(ctx, e)
	}
}

// Recorder keeps every event in memory. Used by tests across packages.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of type t.
func (r *Recorder) Of(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
