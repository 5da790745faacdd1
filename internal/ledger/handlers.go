package ledger

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/apperr"
)

// Handler provides HTTP endpoints for contract ledgers.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id/ledger", h.GetStatement)
}

// GetStatement handles GET /contracts/:id/ledger
func (h *Handler) GetStatement(c *gin.Context) {
	st, err := h.service.Statement(c.Request.Context(), c.Param("id"))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.logger.Error("ledger statement failed", "contract", c.Param("id"), "error", err)
		}
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": apperr.MessageOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statement": st})
}
