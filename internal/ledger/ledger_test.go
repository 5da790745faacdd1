package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/store"
)

var dec = decimal.RequireFromString

func entry(dir model.Direction, kind model.EntryKind, ref, amount string) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:          "led_" + ref,
		ContractID:  "ctr_1",
		Direction:   dir,
		Kind:        kind,
		Amount:      dec(amount),
		Currency:    "KES",
		Provider:    "mobile_money",
		ExternalRef: ref,
	}
}

func contract(status model.ContractStatus) *model.Contract {
	return &model.Contract{
		ID:              "ctr_1",
		Total:           dec("10000"),
		DepositRequired: dec("1000"),
		Currency:        "KES",
		Status:          status,
	}
}

func TestFold(t *testing.T) {
	entries := []*model.LedgerEntry{
		entry(model.DirectionInbound, model.KindPayment, "a", "600"),
		entry(model.DirectionInbound, model.KindPayment, "b", "400"),
		entry(model.DirectionOutbound, model.KindDepositRelease, "c", "1000"),
		entry(model.DirectionOutbound, model.KindSettlement, "d", "8800"),
		entry(model.DirectionFee, model.KindPlatformFee, "e", "200"),
	}

	got := Fold(entries)
	assert.True(t, got.Paid.Equal(dec("1000")))
	assert.True(t, got.Released.Equal(dec("9800")))
	assert.True(t, got.Fees.Equal(dec("200")))
	assert.True(t, got.Allocated().Equal(dec("10000")))
	assert.Equal(t, 5, got.Entries)
}

func TestFoldIsIdempotentAndCommutative(t *testing.T) {
	base := []*model.LedgerEntry{
		entry(model.DirectionInbound, model.KindPayment, "a", "250"),
		entry(model.DirectionInbound, model.KindPayment, "b", "750"),
		entry(model.DirectionRefund, model.KindReturn, "c", "50"),
		entry(model.DirectionInbound, model.KindPayment, "d", "50"),
	}
	want := Fold(base)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]*model.LedgerEntry(nil), base...)
		// Replay a random prefix, as a duplicated webhook batch would.
		shuffled = append(shuffled, base[:rng.Intn(len(base))+1]...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Fold(shuffled)
		assert.True(t, want.Paid.Equal(got.Paid))
		assert.True(t, want.Refunded.Equal(got.Refunded))
		assert.Equal(t, want.Entries, got.Entries)
	}
	assert.True(t, want.PaidNet().Equal(dec("1000")))
	assert.True(t, want.RefundedNet().IsZero())
}

func TestDepositShortfall(t *testing.T) {
	c := contract(model.ContractPendingDeposit)

	partial := Fold([]*model.LedgerEntry{entry(model.DirectionInbound, model.KindPayment, "a", "400")})
	assert.True(t, DepositShortfall(c, partial).Equal(dec("600")))
	assert.False(t, DepositSatisfied(c, partial))

	over := Fold([]*model.LedgerEntry{entry(model.DirectionInbound, model.KindPayment, "a", "1200")})
	assert.True(t, DepositShortfall(c, over).IsZero())
	assert.True(t, DepositSatisfied(c, over))
}

func TestCheck(t *testing.T) {
	paid := entry(model.DirectionInbound, model.KindPayment, "pay", "1000")
	partial := entry(model.DirectionInbound, model.KindPayment, "part", "300")

	tests := []struct {
		name    string
		status  model.ContractStatus
		entries []*model.LedgerEntry
		ok      bool
	}{
		{"pending unpaid", model.ContractPendingDeposit, nil, true},
		{"pending but paid", model.ContractPendingDeposit, []*model.LedgerEntry{paid}, false},
		{"deposit paid", model.ContractDepositPaid, []*model.LedgerEntry{paid}, true},
		{"in transit unpaid", model.ContractInTransit, []*model.LedgerEntry{partial}, false},
		{"dispute paid", model.ContractQualityDispute, []*model.LedgerEntry{paid}, true},
		{"completed", model.ContractCompleted, []*model.LedgerEntry{
			paid,
			entry(model.DirectionOutbound, model.KindDepositRelease, "rel", "1000"),
			entry(model.DirectionOutbound, model.KindSettlement, "set", "9000"),
		}, true},
		{"completed short", model.ContractCompleted, []*model.LedgerEntry{
			paid,
			entry(model.DirectionOutbound, model.KindDepositRelease, "rel", "1000"),
		}, false},
		{"split", model.ContractCompleted, []*model.LedgerEntry{
			paid,
			entry(model.DirectionOutbound, model.KindDepositRelease, "rel", "1000"),
			entry(model.DirectionOutbound, model.KindSplit, "p", "4500"),
			entry(model.DirectionRefund, model.KindSplit, "b", "4500"),
		}, true},
		{"refunded", model.ContractRefunded, []*model.LedgerEntry{
			paid,
			entry(model.DirectionRefund, model.KindDepositRefund, "dr", "1000"),
			entry(model.DirectionRefund, model.KindBalanceWaiver, "bw", "9000"),
		}, true},
		{"refunded but released", model.ContractRefunded, []*model.LedgerEntry{
			paid,
			entry(model.DirectionOutbound, model.KindDepositRelease, "rel", "1000"),
			entry(model.DirectionRefund, model.KindBalanceWaiver, "bw", "9000"),
		}, false},
		{"cancelled after partial refund", model.ContractCancelled, []*model.LedgerEntry{
			partial,
			entry(model.DirectionRefund, model.KindCancellation, "cr", "300"),
		}, true},
		{"cancelled keeping money", model.ContractCancelled, []*model.LedgerEntry{partial}, false},
		{"late payment returned", model.ContractCancelled, []*model.LedgerEntry{
			entry(model.DirectionInbound, model.KindPayment, "late", "1000"),
			entry(model.DirectionRefund, model.KindReturn, "late-ret", "1000"),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(contract(tt.status), Fold(tt.entries))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInconsistent)
			}
		})
	}
}

func seedContract(t *testing.T, s *store.MemoryStore, c *model.Contract, entries ...*model.LedgerEntry) {
	t.Helper()
	ctx := context.Background()
	c.CreatedAt = time.Now()
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestServiceStatement(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, contract(model.ContractPendingDeposit),
		entry(model.DirectionInbound, model.KindPayment, "a", "400"))

	st, err := NewService(s).Statement(context.Background(), "ctr_1")
	require.NoError(t, err)
	assert.True(t, st.Consistent)
	assert.Equal(t, "600", st.Shortfall)
	assert.Len(t, st.Entries, 1)

	_, err = NewService(s).Statement(context.Background(), "ctr_nope")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestHandlerGetStatement(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := store.NewMemoryStore()
	seedContract(t, s, contract(model.ContractDepositPaid),
		entry(model.DirectionInbound, model.KindPayment, "a", "1000"))

	r := gin.New()
	NewHandler(NewService(s), slog.Default()).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/contracts/ctr_1/ledger", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Statement Statement `json:"statement"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Statement.Consistent)
	assert.True(t, body.Statement.Totals.Paid.Equal(dec("1000")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/contracts/ctr_missing/ledger", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
