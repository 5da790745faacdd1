package optimizer

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/apperr"
)

// Handler exposes recommendations over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new optimizer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the read-only recommendation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id/recommendation", h.ForListing)
	r.POST("/optimizer/recommend", h.Recommend)
}

// ForListing handles GET /v1/listings/:id/recommendation?regions=a,b
func (h *Handler) ForListing(c *gin.Context) {
	var regions []string
	if raw := c.Query("regions"); raw != "" {
		regions = strings.Split(raw, ",")
	}
	rec, err := h.service.ForListing(c.Request.Context(), c.Param("id"), regions)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendation": rec})
}

// Recommend handles POST /v1/optimizer/recommend
func (h *Handler) Recommend(c *gin.Context) {
	var req RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	rec, err := h.service.Recommend(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendation": rec})
}
