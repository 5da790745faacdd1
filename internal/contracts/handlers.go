package contracts

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/auth"
	"github.com/mbd888/harvestmart/internal/model"
)

// Handler provides HTTP endpoints for contracts.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that act on behalf of a party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id", h.GetContract)
	r.GET("/parties/:id/contracts", h.ListByParty)

	r.POST("/contracts/:id/deposit", h.RequestDeposit)
	r.POST("/contracts/:id/dispatch", h.Dispatch)
	r.POST("/contracts/:id/arrival", h.RecordArrival)
	r.POST("/contracts/:id/confirm", h.ConfirmReceipt)
	r.POST("/contracts/:id/dispute", h.Dispute)
	r.POST("/contracts/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up arbitration routes. The group must run
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id", h.GetContract)
	r.POST("/contracts/:id/resolve", h.Resolve)
	r.POST("/contracts/:id/cancel", h.Cancel)
	r.POST("/contracts/sweep", h.Sweep)
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	ct, err := h.service.Get(c.Request.Context(), auth.PartyID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": ct})
}

// ListByParty handles GET /v1/parties/:id/contracts
func (h *Handler) ListByParty(c *gin.Context) {
	limit := 50
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	list, err := h.service.ListByParty(c.Request.Context(), auth.PartyID(c), c.Param("id"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": list, "count": len(list)})
}

// RequestDeposit handles POST /v1/contracts/:id/deposit
func (h *Handler) RequestDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "provider is required")
		return
	}
	res, err := h.service.RequestDeposit(c.Request.Context(), auth.PartyID(c), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// Dispatch handles POST /v1/contracts/:id/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	var req DispatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	h.respond(c)(h.service.Dispatch(c.Request.Context(), auth.PartyID(c), c.Param("id"), req))
}

// RecordArrival handles POST /v1/contracts/:id/arrival
func (h *Handler) RecordArrival(c *gin.Context) {
	var req ArrivalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "proofRef is required")
		return
	}
	h.respond(c)(h.service.RecordArrival(c.Request.Context(), auth.PartyID(c), c.Param("id"), req))
}

// ConfirmReceipt handles POST /v1/contracts/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	h.respond(c)(h.service.ConfirmReceipt(c.Request.Context(), auth.PartyID(c), c.Param("id")))
}

// Dispute handles POST /v1/contracts/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}
	h.respond(c)(h.service.Dispute(c.Request.Context(), auth.PartyID(c), c.Param("id"), req))
}

// Resolve handles POST /v1/admin/contracts/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "outcome is required")
		return
	}
	h.respond(c)(h.service.Resolve(c.Request.Context(), auth.PartyID(c), c.Param("id"), req))
}

// Cancel handles POST /v1/contracts/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	h.respond(c)(h.service.Cancel(c.Request.Context(), auth.PartyID(c), c.Param("id"), req))
}

// Sweep handles POST /v1/admin/contracts/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.service.SweepDeadlines(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) respond(c *gin.Context) func(ct *model.Contract, err error) {
	return func(ct *model.Contract, err error) {
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"contract": ct})
	}
}
