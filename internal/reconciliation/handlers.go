package reconciliation

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/apperr"
)

// maxWebhookBody bounds the webhook bodies read from providers.
const maxWebhookBody = 1 << 20

// Handler exposes the webhook receiver and quarantine inspection.
type Handler struct {
	reconciler *Reconciler
	auditor    *Auditor
}

// NewHandler creates a reconciliation handler.
func NewHandler(reconciler *Reconciler, auditor *Auditor) *Handler {
	return &Handler{reconciler: reconciler, auditor: auditor}
}

// RegisterWebhookRoutes sets up the provider callback route. It is
// unauthenticated; providers are verified by signature.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.Receive)
}

// RegisterAdminRoutes sets up inspection routes. The group must run
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/quarantine", h.ListQuarantined)
	r.POST("/audit", h.Audit)
}

// Receive handles POST /v1/webhooks/:provider. Anything but a 2xx tells
// the provider to redeliver, so integrity rejections answer 400 and only
// store or network failures answer 5xx.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.BadRequest(c, "unreadable body")
		return
	}
	res, err := h.reconciler.Ingest(c.Request.Context(), c.Param("provider"), c.Request.Header, body)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListQuarantined handles GET /v1/admin/quarantine
func (h *Handler) ListQuarantined(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.reconciler.Quarantined(c.Request.Context(), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Audit handles POST /v1/admin/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.auditor.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
