package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/optimizer"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, PartyID: "buyer-1"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var (
	ts0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	testListing = &model.Listing{
		ID:         "lst_1",
		ProducerID: "farm-1",
		Commodity:  "maize",
		Unit:       "kg",
		Quantity:   decimal.NewFromInt(1000),
		Remaining:  decimal.NewFromInt(600),
		AskPrice:   decimal.NewFromInt(25),
		Currency:   "UGX",
		Quality:    map[string]string{"moisture": "13%", "grade": "A"},
		Location:   model.Location{Region: "mbale"},
		Status:     model.ListingOpen,
	}

	testContract = &model.Contract{
		ID:              "ctr_1",
		BuyerID:         "buyer-1",
		ProducerID:      "farm-1",
		Commodity:       "maize",
		Quantity:        decimal.NewFromInt(400),
		UnitPrice:       decimal.NewFromInt(25),
		Currency:        "UGX",
		Total:           decimal.NewFromInt(10000),
		DepositRequired: decimal.NewFromInt(1000),
		Status:          model.ContractAwaitingConfirmation,
		Delivery:        model.Delivery{Carrier: "truck", TrackingRef: "UBA 123X"},
	}
)

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsPartyAndToken(t *testing.T) {
	var gotParty, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParty = r.Header.Get("X-Party-ID")
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{"listings": []any{}})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL + "/", PartyID: "buyer-7", Token: "tok"})
	_, err := client.SearchListings(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "buyer-7", gotParty)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "not_buyer",
			"message": "only the buyer may do this",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, PartyID: "farm-1"})
	_, err := client.ConfirmReceipt(context.Background(), "ctr_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "only the buyer may do this")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetListing(context.Background(), "lst_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetContract(context.Background(), "ctr_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleSearchListings(t *testing.T) {
	var gotQuery string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listings", r.URL.Path)
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"listings": []*model.Listing{testListing}, "count": 1})
	}))

	result, err := h.HandleSearchListings(context.Background(), makeRequest(map[string]any{
		"commodity": "maize",
		"region":    "mbale",
		"limit":     float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "commodity=maize&limit=5&region=mbale", gotQuery)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 listing(s)")
	assert.Contains(t, text, "lst_1: 600 kg of maize")
	assert.Contains(t, text, "Ask: 25 UGX/kg | Region: mbale | Status: open")
}

func TestHandleSearchListings_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"listings": []any{}, "count": 0})
	}))

	result, err := h.HandleSearchListings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No listings found matching your criteria.", resultText(t, result))
}

func TestHandleGetListing(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listings/lst_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"listing": testListing})
	}))

	result, err := h.HandleGetListing(context.Background(), makeRequest(map[string]any{"listing_id": "lst_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Available: 600 of 1000 kg")
	// Quality attributes are listed in key order.
	assert.Regexp(t, `(?s)Quality grade: A.*Quality moisture: 13%`, text)
}

func TestHandlers_RequiredArguments(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	ctx := context.Background()

	tests := []struct {
		name string
		call func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args map[string]any
		want string
	}{
		{"get_listing", h.HandleGetListing, nil, "listing_id is required"},
		{"recommend_market", h.HandleRecommendMarket, nil, "listing_id is required"},
		{"make_offer", h.HandleMakeOffer, map[string]any{"listing_id": "lst_1"}, "listing_id, quantity and price are required"},
		{"respond_offer", h.HandleRespondOffer, map[string]any{"offer_id": "ofr_1"}, "offer_id and action are required"},
		{"get_contract", h.HandleGetContract, nil, "contract_id is required"},
		{"contract_ledger", h.HandleContractLedger, nil, "contract_id is required"},
		{"confirm_receipt", h.HandleConfirmReceipt, nil, "contract_id is required"},
		{"dispute_contract", h.HandleDisputeContract, map[string]any{"contract_id": "ctr_1"}, "reason is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.call(ctx, makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Equal(t, tt.want, resultText(t, result))
		})
	}
}

func TestHandleRecommendMarket(t *testing.T) {
	var gotRegions string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listings/lst_1/recommendation", r.URL.Path)
		gotRegions = r.URL.Query().Get("regions")
		writeJSON(w, http.StatusOK, map[string]any{"recommendation": optimizer.Recommendation{
			ListingID: "lst_1",
			Commodity: "maize",
			Region:    "mbale",
			Urgency:   0.31,
			Window: optimizer.SaleWindow{
				Start: ts0, End: ts0.AddDate(0, 0, 21), StartDay: 0, EndDay: 21,
			},
			Regions: []optimizer.RegionScore{
				{Rank: 1, Region: "kampala", DistanceKm: 195, Supply: 5, Demand: 10, ExpectedPrice: 35, TransportCost: 3.9, NetPrice: 31.1, ExpectedRevenue: 18660},
				{Rank: 2, Region: "mbale", Supply: 50, Demand: 2, ExpectedPrice: 16.15, NetPrice: 16.15, ExpectedRevenue: 9690},
			},
		}})
	}))

	result, err := h.HandleRecommendMarket(context.Background(), makeRequest(map[string]any{
		"listing_id": "lst_1",
		"regions":    " kampala, ,gulu",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "kampala,gulu", gotRegions)

	text := resultText(t, result)
	assert.Contains(t, text, "Market advice for maize from mbale")
	assert.Contains(t, text, "Best window: 2026-05-10 to 2026-05-31 (urgency 31%)")
	assert.Contains(t, text, "1. kampala: net 31.10 (price 35.00 - transport 3.90 over 195 km)")
	assert.Contains(t, text, "2. mbale: net 16.15")
}

func TestHandleRecommendMarket_SellNow(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"recommendation": optimizer.Recommendation{
			Commodity: "tomatoes", Region: "mbale", Urgency: 0.82, SellNow: true,
		}})
	}))

	result, err := h.HandleRecommendMarket(context.Background(), makeRequest(map[string]any{"listing_id": "lst_2"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "SELL NOW (urgency 82%)")
	assert.Contains(t, text, "No regional market data available.")
}

func TestHandleMakeOffer(t *testing.T) {
	var got map[string]string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/listings/lst_1/offers", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		writeJSON(w, http.StatusCreated, map[string]any{"offer": model.Offer{
			ID: "ofr_1", Quantity: decimal.NewFromInt(400), Price: decimal.NewFromInt(24),
			Currency: "UGX", Status: model.OfferPending, ExpiresAt: ts0,
		}})
	}))

	result, err := h.HandleMakeOffer(context.Background(), makeRequest(map[string]any{
		"listing_id": "lst_1", "quantity": "400", "price": "24", "message": "can collect Friday",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, map[string]string{"quantity": "400", "price": "24", "message": "can collect Friday"}, got)
	assert.Contains(t, resultText(t, result), "Offer ofr_1 placed: 400 at 24 UGX each.")
}

func TestHandleRespondOffer_AcceptFormsContract(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/offers/ofr_1/respond", r.URL.Path)
		writeJSON(w, http.StatusCreated, map[string]any{
			"offer":    model.Offer{ID: "ofr_1", Status: model.OfferAccepted},
			"contract": testContract,
		})
	}))

	result, err := h.HandleRespondOffer(context.Background(), makeRequest(map[string]any{
		"offer_id": "ofr_1", "action": "accept",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Offer ofr_1 is now accepted.")
	assert.Contains(t, text, "Contract ctr_1")
	assert.Contains(t, text, "400 maize at 25 UGX = 10000 UGX")
	assert.Contains(t, text, "Deposit required: 1000 UGX")
}

func TestHandleRespondOffer_Counter(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"offer":   model.Offer{ID: "ofr_1", Status: model.OfferCountered},
			"counter": model.Offer{ID: "ofr_2", Quantity: decimal.NewFromInt(400), Price: decimal.NewFromInt(26), Currency: "UGX"},
		})
	}))

	result, err := h.HandleRespondOffer(context.Background(), makeRequest(map[string]any{
		"offer_id": "ofr_1", "action": "counter", "price": "26",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Counter offer ofr_2: 400 at 26 UGX each.")
}

func TestHandleGetContract(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/contracts/ctr_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"contract": testContract})
	}))

	result, err := h.HandleGetContract(context.Background(), makeRequest(map[string]any{"contract_id": "ctr_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: awaiting_confirmation")
	assert.Contains(t, text, "Carrier: truck UBA 123X")
}

func TestHandleContractLedger(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/contracts/ctr_1/ledger", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"statement": ledger.Statement{
			ContractID: "ctr_1",
			Status:     model.ContractDepositPaid,
			Currency:   "UGX",
			Total:      "10000",
			Deposit:    "1000",
			Shortfall:  "0",
			Totals:     ledger.Totals{Paid: decimal.NewFromInt(1000), Entries: 1},
			Entries: []*model.LedgerEntry{{
				Direction: model.DirectionInbound, Kind: model.KindPayment,
				Amount: decimal.NewFromInt(1000), Currency: "UGX", CreatedAt: ts0,
			}},
			Consistent: true,
		}})
	}))

	result, err := h.HandleContractLedger(context.Background(), makeRequest(map[string]any{"contract_id": "ctr_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Ledger for ctr_1 (deposit_paid)")
	assert.Contains(t, text, "Paid: 1000 | Released: 0")
	assert.Contains(t, text, "Consistent: yes")
	assert.Contains(t, text, "2026-05-10 09:00 inbound payment 1000 UGX")
}

func TestHandleConfirmReceipt(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/contracts/ctr_1/confirm", r.URL.Path)
		done := *testContract
		done.Status = model.ContractCompleted
		writeJSON(w, http.StatusOK, map[string]any{"contract": done})
	}))

	result, err := h.HandleConfirmReceipt(context.Background(), makeRequest(map[string]any{"contract_id": "ctr_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Status: completed")
}

func TestHandleDisputeContract(t *testing.T) {
	var got map[string]string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/contracts/ctr_1/dispute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		disputed := *testContract
		disputed.Status = model.ContractQualityDispute
		writeJSON(w, http.StatusOK, map[string]any{"contract": disputed})
	}))

	result, err := h.HandleDisputeContract(context.Background(), makeRequest(map[string]any{
		"contract_id": "ctr_1", "reason": "wet grain",
	}))
	require.NoError(t, err)
	assert.Equal(t, "wet grain", got["reason"])
	assert.Contains(t, resultText(t, result), "Status: quality_dispute")
}

func TestHandleConfirmReceipt_APIError(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "invalid_transition", "message": "contract is not awaiting confirmation"})
	}))

	result, err := h.HandleConfirmReceipt(context.Background(), makeRequest(map[string]any{"contract_id": "ctr_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "contract is not awaiting confirmation")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", PartyID: "p"}, "test")
	require.NotNil(t, s)
}
