package negotiation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/auth"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/pagination"
	"github.com/mbd888/harvestmart/internal/store"
)

// Handler provides HTTP endpoints for listings and offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up routes that act on behalf of a party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.POST("/listings/:id/withdraw", h.WithdrawListing)
	r.GET("/listings/:id/offers", h.ListOffers)
	r.POST("/listings/:id/offers", h.MakeOffer)

	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/respond", h.RespondToOffer)
	r.POST("/offers/:id/withdraw", h.WithdrawOffer)
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	l, err := h.service.CreateListing(c.Request.Context(), auth.PartyID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListListings handles GET /v1/listings
func (h *Handler) ListListings(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.BadRequest(c, "invalid cursor")
		return
	}
	limit := parseLimit(c.Query("limit"), 50, 200)
	f := store.ListingFilter{
		Commodity:  c.Query("commodity"),
		Region:     c.Query("region"),
		ProducerID: c.Query("producer"),
		Status:     model.ListingStatus(c.Query("status")),
		Limit:      limit + 1,
		After:      cursor,
	}
	listings, err := h.service.ListListings(c.Request.Context(), f)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	listings, next, more := pagination.ComputePage(listings, limit, func(l *model.Listing) (time.Time, string) {
		return l.CreatedAt, l.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"listings":   listings,
		"count":      len(listings),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// WithdrawListing handles POST /v1/listings/:id/withdraw
func (h *Handler) WithdrawListing(c *gin.Context) {
	l, err := h.service.WithdrawListing(c.Request.Context(), auth.PartyID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListOffers handles GET /v1/listings/:id/offers
func (h *Handler) ListOffers(c *gin.Context) {
	offers, err := h.service.ListOffers(c.Request.Context(), auth.PartyID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// MakeOffer handles POST /v1/listings/:id/offers
func (h *Handler) MakeOffer(c *gin.Context) {
	var req MakeOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "quantity and price are required")
		return
	}

	o, err := h.service.MakeOffer(c.Request.Context(), auth.PartyID(c), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.GetOffer(c.Request.Context(), auth.PartyID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// RespondToOffer handles POST /v1/offers/:id/respond
func (h *Handler) RespondToOffer(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "action is required")
		return
	}

	res, err := h.service.RespondToOffer(c.Request.Context(), auth.PartyID(c), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if res.Counter != nil || res.Contract != nil {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// WithdrawOffer handles POST /v1/offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	o, err := h.service.WithdrawOffer(c.Request.Context(), auth.PartyID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

func parseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
