package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func kg(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestListingQuantityLifecycle(t *testing.T) {
	l := &Listing{Quantity: kg(1000), Remaining: kg(1000), Status: ListingOpen}

	l.Reserve(kg(700))
	assert.Equal(t, ListingOpen, l.Status)

	l.Reserve(kg(300))
	assert.Equal(t, ListingReserved, l.Status)

	l.Release(kg(300))
	assert.Equal(t, ListingOpen, l.Status)
	assert.True(t, l.Remaining.Equal(kg(300)))

	l.Reserve(kg(300))
	l.Settle(kg(700))
	assert.Equal(t, ListingReserved, l.Status)
	l.Settle(kg(300))
	assert.Equal(t, ListingSoldOut, l.Status)

	// sold_out is immutable
	l.Release(kg(100))
	assert.Equal(t, ListingSoldOut, l.Status)
}

func TestListingWithdrawnIsNotReopened(t *testing.T) {
	l := &Listing{Quantity: kg(10), Remaining: kg(0), Status: ListingWithdrawn}
	l.Release(kg(10))
	assert.Equal(t, ListingWithdrawn, l.Status)
}

func TestOfferParties(t *testing.T) {
	o := &Offer{BidderID: "buyer-1", ProducerID: "farm-1", ProposedBy: RoleBuyer}
	assert.Equal(t, "buyer-1", o.Proposer())
	assert.Equal(t, "farm-1", o.Counterparty())

	o.ProposedBy = RoleProducer
	assert.Equal(t, "farm-1", o.Proposer())
	assert.Equal(t, "buyer-1", o.Counterparty())
}

func TestContractStatusRankIsMonotonic(t *testing.T) {
	order := []ContractStatus{
		ContractPendingDeposit, ContractDepositPaid, ContractInTransit,
		ContractAwaitingConfirmation, ContractQualityDispute, ContractCompleted,
	}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), order[i])
	}
	assert.True(t, ContractRefunded.IsTerminal())
	assert.False(t, ContractQualityDispute.IsTerminal())
}

func TestContractCloneIsDeep(t *testing.T) {
	now := time.Now()
	share := decimal.RequireFromString("0.5")
	c := &Contract{
		ID:        "ctr_1",
		ConfirmBy: &now,
		Dispute:   &Dispute{Reason: "mould", ProducerShare: &share},
		History:   []Transition{{From: ContractPendingDeposit, To: ContractDepositPaid}},
	}

	cp := c.Clone()
	cp.History[0].Event = "changed"
	*cp.ConfirmBy = now.Add(time.Hour)
	cp.Dispute.Reason = "changed"

	assert.Empty(t, c.History[0].Event)
	assert.Equal(t, now, *c.ConfirmBy)
	assert.Equal(t, "mould", c.Dispute.Reason)
}
