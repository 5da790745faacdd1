package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/negotiation"
	"github.com/mbd888/harvestmart/internal/optimizer"
)

// Config holds the configuration for connecting to the HarvestMart API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	PartyID string // Acting party, sent as X-Party-ID
	Token   string // Optional bearer token for the fronting auth gateway
}

// Client is a pure HTTP client for the HarvestMart API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the HarvestMart API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do makes an HTTP request to the API and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(strings.TrimRight(c.cfg.APIURL, "/") + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.PartyID != "" {
		req.Header.Set("X-Party-ID", c.cfg.PartyID)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SearchListings lists listings, optionally filtered by commodity and region.
func (c *Client) SearchListings(ctx context.Context, commodity, region string, limit int) ([]*model.Listing, error) {
	q := url.Values{}
	if commodity != "" {
		q.Set("commodity", commodity)
	}
	if region != "" {
		q.Set("region", region)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Listings []*model.Listing `json:"listings"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/listings", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Listings, nil
}

// GetListing returns one listing.
func (c *Client) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	var resp struct {
		Listing *model.Listing `json:"listing"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/listings/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Listing, nil
}

// Recommend returns the market recommendation for a listing.
func (c *Client) Recommend(ctx context.Context, listingID string, regions []string) (*optimizer.Recommendation, error) {
	var q url.Values
	if len(regions) > 0 {
		q = url.Values{"regions": {strings.Join(regions, ",")}}
	}
	var resp struct {
		Recommendation *optimizer.Recommendation `json:"recommendation"`
	}
	path := "/v1/listings/" + url.PathEscape(listingID) + "/recommendation"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Recommendation, nil
}

// MakeOffer bids on a listing as the configured party.
func (c *Client) MakeOffer(ctx context.Context, listingID string, req negotiation.MakeOfferRequest) (*model.Offer, error) {
	var resp struct {
		Offer *model.Offer `json:"offer"`
	}
	path := "/v1/listings/" + url.PathEscape(listingID) + "/offers"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Offer, nil
}

// RespondToOffer accepts, declines or counters an offer.
func (c *Client) RespondToOffer(ctx context.Context, offerID string, req negotiation.RespondRequest) (*negotiation.RespondResult, error) {
	var resp negotiation.RespondResult
	path := "/v1/offers/" + url.PathEscape(offerID) + "/respond"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetContract returns one contract.
func (c *Client) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	var resp struct {
		Contract *model.Contract `json:"contract"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contract, nil
}

// Statement returns the ledger statement of a contract.
func (c *Client) Statement(ctx context.Context, contractID string) (*ledger.Statement, error) {
	var resp struct {
		Statement *ledger.Statement `json:"statement"`
	}
	path := "/v1/contracts/" + url.PathEscape(contractID) + "/ledger"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Statement, nil
}

// ConfirmReceipt confirms delivery as the buyer.
func (c *Client) ConfirmReceipt(ctx context.Context, contractID string) (*model.Contract, error) {
	return c.contractAction(ctx, contractID, "confirm", nil)
}

// Dispute opens a quality dispute.
func (c *Client) Dispute(ctx context.Context, contractID, reason string) (*model.Contract, error) {
	return c.contractAction(ctx, contractID, "dispute", map[string]string{"reason": reason})
}

func (c *Client) contractAction(ctx context.Context, contractID, action string, body any) (*model.Contract, error) {
	var resp struct {
		Contract *model.Contract `json:"contract"`
	}
	path := "/v1/contracts/" + url.PathEscape(contractID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Contract, nil
}
