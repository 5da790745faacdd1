package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/negotiation"
	"github.com/mbd888/harvestmart/internal/optimizer"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleSearchListings searches the marketplace.
func (h *Handlers) HandleSearchListings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commodity := req.GetString("commodity", "")
	region := req.GetString("region", "")
	limit := req.GetInt("limit", 20)

	listings, err := h.client.SearchListings(ctx, commodity, region, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search listings: %v", err)), nil
	}
	return mcp.NewToolResultText(formatListings(listings)), nil
}

// HandleGetListing returns one listing.
func (h *Handlers) HandleGetListing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("listing_id", "")
	if id == "" {
		return mcp.NewToolResultError("listing_id is required"), nil
	}

	l, err := h.client.GetListing(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get listing: %v", err)), nil
	}
	return mcp.NewToolResultText(formatListing(l)), nil
}

// HandleRecommendMarket explains where and when to sell a listing.
func (h *Handlers) HandleRecommendMarket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("listing_id", "")
	if id == "" {
		return mcp.NewToolResultError("listing_id is required"), nil
	}
	var regions []string
	for _, r := range strings.Split(req.GetString("regions", ""), ",") {
		if r = strings.TrimSpace(r); r != "" {
			regions = append(regions, r)
		}
	}

	rec, err := h.client.Recommend(ctx, id, regions)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get recommendation: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRecommendation(rec)), nil
}

// HandleMakeOffer bids on a listing.
func (h *Handlers) HandleMakeOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("listing_id", "")
	quantity := req.GetString("quantity", "")
	price := req.GetString("price", "")
	if id == "" || quantity == "" || price == "" {
		return mcp.NewToolResultError("listing_id, quantity and price are required"), nil
	}

	o, err := h.client.MakeOffer(ctx, id, negotiation.MakeOfferRequest{
		Quantity: quantity,
		Price:    price,
		Message:  req.GetString("message", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Offer failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Offer %s placed: %s at %s %s each.\n"+
			"Status: %s (expires %s)",
		o.ID, o.Quantity, o.Price, o.Currency, o.Status, o.ExpiresAt.Format("2006-01-02 15:04 MST"))), nil
}

// HandleRespondOffer accepts, declines or counters an offer.
func (h *Handlers) HandleRespondOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("offer_id", "")
	action := req.GetString("action", "")
	if id == "" || action == "" {
		return mcp.NewToolResultError("offer_id and action are required"), nil
	}

	res, err := h.client.RespondToOffer(ctx, id, negotiation.RespondRequest{
		Action:   action,
		Quantity: req.GetString("quantity", ""),
		Price:    req.GetString("price", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Response failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Offer %s is now %s.\n", res.Offer.ID, res.Offer.Status)
	if res.Counter != nil {
		fmt.Fprintf(&sb, "Counter offer %s: %s at %s %s each.\n",
			res.Counter.ID, res.Counter.Quantity, res.Counter.Price, res.Counter.Currency)
	}
	if res.Contract != nil {
		sb.WriteString("\n")
		sb.WriteString(formatContract(res.Contract))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetContract returns a contract summary.
func (h *Handlers) HandleGetContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("contract_id", "")
	if id == "" {
		return mcp.NewToolResultError("contract_id is required"), nil
	}

	c, err := h.client.GetContract(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get contract: %v", err)), nil
	}
	return mcp.NewToolResultText(formatContract(c)), nil
}

// HandleContractLedger returns the contract's ledger statement.
func (h *Handlers) HandleContractLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("contract_id", "")
	if id == "" {
		return mcp.NewToolResultError("contract_id is required"), nil
	}

	st, err := h.client.Statement(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatement(st)), nil
}

// HandleConfirmReceipt completes a contract as the buyer.
func (h *Handlers) HandleConfirmReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("contract_id", "")
	if id == "" {
		return mcp.NewToolResultError("contract_id is required"), nil
	}

	c, err := h.client.ConfirmReceipt(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirmation failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Contract %s confirmed.\nStatus: %s\nThe escrowed funds are released to the producer.",
		c.ID, c.Status)), nil
}

// HandleDisputeContract opens a quality dispute.
func (h *Handlers) HandleDisputeContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("contract_id", "")
	if id == "" {
		return mcp.NewToolResultError("contract_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	c, err := h.client.Dispute(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Contract %s disputed.\nReason: %s\nStatus: %s\nFunds stay in escrow until an operator resolves the dispute.",
		c.ID, reason, c.Status)), nil
}

// --- Formatting helpers ---

func formatListings(listings []*model.Listing) string {
	if len(listings) == 0 {
		return "No listings found matching your criteria."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d listing(s):\n\n", len(listings))
	for i, l := range listings {
		fmt.Fprintf(&sb, "%d. %s: %s %s of %s\n", i+1, l.ID, l.Remaining, l.Unit, l.Commodity)
		fmt.Fprintf(&sb, "   Ask: %s %s/%s | Region: %s | Status: %s\n",
			l.AskPrice, l.Currency, l.Unit, regionOf(l.Location), l.Status)
		if i < len(listings)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatListing(l *model.Listing) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Listing %s\n", l.ID)
	fmt.Fprintf(&sb, "  Commodity: %s\n", l.Commodity)
	fmt.Fprintf(&sb, "  Producer: %s\n", l.ProducerID)
	fmt.Fprintf(&sb, "  Available: %s of %s %s\n", l.Remaining, l.Quantity, l.Unit)
	fmt.Fprintf(&sb, "  Ask: %s %s/%s\n", l.AskPrice, l.Currency, l.Unit)
	fmt.Fprintf(&sb, "  Region: %s\n", regionOf(l.Location))
	fmt.Fprintf(&sb, "  Status: %s\n", l.Status)
	if l.HarvestedAt != nil {
		fmt.Fprintf(&sb, "  Harvested: %s\n", l.HarvestedAt.Format("2006-01-02"))
	}
	keys := make([]string, 0, len(l.Quality))
	for k := range l.Quality {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  Quality %s: %s\n", k, l.Quality[k])
	}
	if l.RequiresVerifiedBuyer {
		sb.WriteString("  Verified buyers only\n")
	}
	return sb.String()
}

func formatRecommendation(r *optimizer.Recommendation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Market advice for %s from %s:\n", r.Commodity, regionOr(r.Region))
	if r.SellNow {
		fmt.Fprintf(&sb, "  SELL NOW (urgency %.0f%%)\n", r.Urgency*100)
	} else {
		fmt.Fprintf(&sb, "  Best window: %s to %s (urgency %.0f%%)\n",
			r.Window.Start.Format("2006-01-02"), r.Window.End.Format("2006-01-02"), r.Urgency*100)
	}

	if len(r.Regions) == 0 {
		sb.WriteString("\nNo regional market data available.")
		return sb.String()
	}
	sb.WriteString("\nRegions by expected net price:\n")
	for _, s := range r.Regions {
		fmt.Fprintf(&sb, "%d. %s: net %.2f (price %.2f - transport %.2f over %.0f km)\n",
			s.Rank, s.Region, s.NetPrice, s.ExpectedPrice, s.TransportCost, s.DistanceKm)
		fmt.Fprintf(&sb, "   Supply %d | Demand %d | Expected revenue %.2f\n", s.Supply, s.Demand, s.ExpectedRevenue)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatContract(c *model.Contract) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Contract %s\n", c.ID)
	fmt.Fprintf(&sb, "  %s %s at %s %s = %s %s\n", c.Quantity, c.Commodity, c.UnitPrice, c.Currency, c.Total, c.Currency)
	fmt.Fprintf(&sb, "  Buyer: %s | Producer: %s\n", c.BuyerID, c.ProducerID)
	fmt.Fprintf(&sb, "  Deposit required: %s %s\n", c.DepositRequired, c.Currency)
	fmt.Fprintf(&sb, "  Status: %s\n", c.Status)
	if c.Delivery.Carrier != "" {
		fmt.Fprintf(&sb, "  Carrier: %s %s\n", c.Delivery.Carrier, c.Delivery.TrackingRef)
	}
	if c.ConfirmBy != nil {
		fmt.Fprintf(&sb, "  Confirm by: %s\n", c.ConfirmBy.Format("2006-01-02 15:04 MST"))
	}
	if c.Dispute != nil {
		fmt.Fprintf(&sb, "  Dispute: %s\n", c.Dispute.Reason)
	}
	return sb.String()
}

func formatStatement(s *ledger.Statement) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger for %s (%s)\n", s.ContractID, s.Status)
	fmt.Fprintf(&sb, "  Total: %s %s | Deposit: %s | Shortfall: %s\n", s.Total, s.Currency, s.Deposit, s.Shortfall)
	fmt.Fprintf(&sb, "  Paid: %s | Released: %s | Refunded: %s | Fees: %s\n",
		s.Totals.Paid, s.Totals.Released, s.Totals.Refunded, s.Totals.Fees)
	if s.Consistent {
		sb.WriteString("  Consistent: yes\n")
	} else {
		fmt.Fprintf(&sb, "  Consistent: NO (%s)\n", s.Problem)
	}
	if len(s.Entries) > 0 {
		sb.WriteString("\nEntries:\n")
		for _, e := range s.Entries {
			fmt.Fprintf(&sb, "  %s %s %s %s %s\n",
				e.CreatedAt.Format("2006-01-02 15:04"), e.Direction, e.Kind, e.Amount, e.Currency)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func regionOf(loc model.Location) string {
	return regionOr(loc.Region)
}

func regionOr(region string) string {
	if region == "" {
		return "unknown"
	}
	return region
}
