package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service   *Service
	scheduler *Scheduler
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithScheduler enables the manual sweep-trigger endpoint.
func (h *Handler) WithScheduler(s *Scheduler) *Handler {
	h.scheduler = s
	return h
}

// RegisterRoutes sets up read and customer-facing escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/orders/:orderId/escrows", h.ListByOrder)
	r.GET("/sellers/:sellerId/escrows", h.ListBySeller)
	r.POST("/escrows/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/escrows/:id/report-problem", h.ReportProblem)
}

// RegisterAdminRoutes sets up admin escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/action", h.ManualAction)
	r.POST("/settlement/run", h.TriggerSweep)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListByOrder handles GET /v1/orders/:orderId/escrows
func (h *Handler) ListByOrder(c *gin.Context) {
	recs, err := h.service.ListByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": recs, "count": len(recs)})
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// ListBySeller handles GET /v1/sellers/:sellerId/escrows
func (h *Handler) ListBySeller(c *gin.Context) {
	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// Fetch one extra row to learn whether a next page exists.
	recs, err := h.service.ListBySeller(c.Request.Context(), c.Param("sellerId"), cursor, limit+1)
	if err != nil {
		h.writeError(c, err)
		return
	}

	recs, next, hasMore := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"escrows":    recs,
		"count":      len(recs),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type reportProblemRequest struct {
	Notes string `json:"notes" binding:"required"`
}

// ConfirmReceipt handles POST /v1/escrows/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	rec, err := h.service.RecordCustomerAction(c.Request.Context(), c.Param("id"), ActionConfirmedReceipt, "")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ReportProblem handles POST /v1/escrows/:id/report-problem
func (h *Handler) ReportProblem(c *gin.Context) {
	var req reportProblemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("notes", req.Notes),
		validation.MaxLength("notes", req.Notes, validation.MaxNotesLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rec, err := h.service.RecordCustomerAction(c.Request.Context(), c.Param("id"),
		ActionReportedProblem, validation.SanitizeString(req.Notes, validation.MaxNotesLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

type manualActionRequest struct {
	Action  ManualActionType `json:"action" binding:"required"`
	Reason  string           `json:"reason" binding:"required"`
	AdminID string           `json:"adminId" binding:"required"`
}

// ManualAction handles POST /v1/admin/escrows/:id/action
func (h *Handler) ManualAction(c *gin.Context) {
	var req manualActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	switch req.Action {
	case ManualRelease, ManualHold, ManualDispute:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action must be one of: release, hold, dispute",
		})
		return
	}

	rec, err := h.service.ManualAction(c.Request.Context(), c.Param("id"),
		req.Action, validation.SanitizeString(req.Reason, validation.MaxNotesLength), req.AdminID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// TriggerSweep handles POST /v1/admin/settlement/run
func (h *Handler) TriggerSweep(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "scheduler_unavailable",
			"message": "Settlement scheduler is not running",
		})
		return
	}
	h.scheduler.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "completed", "ranAt": time.Now().UTC()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_released",
			"message": "Escrow has already been released",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Escrow is not in a status that permits this operation",
		})
	case errors.Is(err, ErrTransitionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Escrow status changed concurrently, reload and retry",
		})
	case errors.Is(err, ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "reason_required",
			"message": "A non-empty reason is required",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
