package stock

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/validation"
)

// EventEmitter receives stock level changes for live broadcast.
type EventEmitter interface {
	BroadcastStockChange(productID string, quantity int64)
}

// Handler provides HTTP endpoints for stock operations.
type Handler struct {
	manager *Manager
	events  EventEmitter
}

// NewHandler creates a new stock handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// WithEvents wires a real-time emitter for stock level changes.
func (h *Handler) WithEvents(e EventEmitter) *Handler {
	h.events = e
	return h
}

func (h *Handler) emitLevel(productID string, quantity int64) {
	if h.events != nil {
		h.events.BroadcastStockChange(productID, quantity)
	}
}

// RegisterRoutes sets up stock routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stock/:productId", h.GetEntry)
	r.PUT("/stock/:productId", h.SeedEntry)
	r.POST("/stock/:productId/reserve", h.Reserve)
	r.POST("/stock/:productId/release", h.Release)
}

type quantityRequest struct {
	Quantity int64 `json:"quantity" binding:"required"`
}

type seedRequest struct {
	Quantity int64 `json:"quantity"`
	Active   *bool `json:"active"`
}

// GetEntry handles GET /v1/stock/:productId
func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.manager.Get(c.Request.Context(), c.Param("productId"))
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Product stock entry not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stock": entry})
}

// SeedEntry handles PUT /v1/stock/:productId
func (h *Handler) SeedEntry(c *gin.Context) {
	var req seedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.NonNegativeAmount("quantity", req.Quantity),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	entry, err := h.manager.Seed(c.Request.Context(), c.Param("productId"), req.Quantity, active)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "seed_failed",
			"message": "Failed to write stock entry",
		})
		return
	}

	h.emitLevel(entry.ProductID, entry.Quantity)
	c.JSON(http.StatusOK, gin.H{"stock": entry})
}

// Reserve handles POST /v1/stock/:productId/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	outcome := h.manager.Reserve(c.Request.Context(), c.Param("productId"), req.Quantity)
	if outcome.Success {
		h.emitLevel(c.Param("productId"), outcome.AvailableStock)
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
		return
	}

	// Retryable contention maps to 503 so clients distinguish "try again"
	// from a definitive business refusal.
	if outcome.Retryable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "contention",
			"outcome": outcome,
		})
		return
	}

	c.JSON(http.StatusConflict, gin.H{
		"error":   "reservation_refused",
		"outcome": outcome,
	})
}

// Release handles POST /v1/stock/:productId/release
func (h *Handler) Release(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ok, err := h.manager.Release(c.Request.Context(), c.Param("productId"), req.Quantity)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Product stock entry not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "release_failed",
			"message": err.Error(),
		})
		return
	}

	if ok {
		if entry, getErr := h.manager.Get(c.Request.Context(), c.Param("productId")); getErr == nil {
			h.emitLevel(entry.ProductID, entry.Quantity)
		}
	}
	c.JSON(http.StatusOK, gin.H{"released": ok})
}
