package order

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/validation"
)

// Handler provides HTTP endpoints for order lifecycle operations.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new order handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders/:orderId", h.GetOrder)
	r.GET("/customers/:customerId/orders", h.ListByCustomer)
	r.POST("/orders/:orderId/confirm", h.ConfirmSellerItems)
	r.POST("/orders/:orderId/pickup", h.MarkPickedUp)
	r.POST("/orders/:orderId/ship", h.MarkOnTheWay)
	r.POST("/orders/:orderId/deliver", h.MarkDelivered)
	r.POST("/orders/:orderId/cancel", h.CancelOrder)
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var checks []func() *validation.ValidationError
	checks = append(checks, validation.Required("customerId", req.CustomerID))
	for _, item := range req.Items {
		checks = append(checks,
			validation.Required("productId", item.ProductID),
			validation.Required("sellerId", item.SellerID),
			validation.PositiveQuantity("quantity", item.Quantity),
			validation.NonNegativeAmount("unitPriceCents", item.UnitPriceCents),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ord, err := h.orchestrator.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		var resErr *ReservationError
		if errors.As(err, &resErr) {
			status := http.StatusConflict
			if resErr.Outcome.Retryable {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{
				"error":     "reservation_failed",
				"message":   resErr.Error(),
				"productId": resErr.ProductID,
				"outcome":   resErr.Outcome,
			})
			return
		}
		if errors.Is(err, ErrEmptyOrder) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": ord})
}

// GetOrder handles GET /v1/orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	ord, err := h.orchestrator.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// Listing endpoints cap page size; clients page with the returned cursor.
const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

func pageParams(c *gin.Context) (*pagination.Cursor, int, error) {
	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, 0, errors.New("limit must be a positive integer")
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		return nil, 0, err
	}
	return cursor, limit, nil
}

// ListByCustomer handles GET /v1/customers/:customerId/orders
func (h *Handler) ListByCustomer(c *gin.Context) {
	cursor, limit, err := pageParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// Fetch one extra row to learn whether a next page exists.
	orders, err := h.orchestrator.ListByCustomer(c.Request.Context(), c.Param("customerId"), cursor, limit+1)
	if err != nil {
		h.writeError(c, err)
		return
	}

	orders, next, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type confirmRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
}

// ConfirmSellerItems handles POST /v1/orders/:orderId/confirm
func (h *Handler) ConfirmSellerItems(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ord, err := h.orchestrator.ConfirmSellerItems(c.Request.Context(), c.Param("orderId"), req.SellerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// MarkPickedUp handles POST /v1/orders/:orderId/pickup
func (h *Handler) MarkPickedUp(c *gin.Context) {
	ord, err := h.orchestrator.MarkPickedUp(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// MarkOnTheWay handles POST /v1/orders/:orderId/ship
func (h *Handler) MarkOnTheWay(c *gin.Context) {
	ord, err := h.orchestrator.MarkOnTheWay(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

type deliverRequest struct {
	DeliveredAt *time.Time `json:"deliveredAt"`
}

// MarkDelivered handles POST /v1/orders/:orderId/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	deliveredAt := time.Now().UTC()
	if req.DeliveredAt != nil {
		deliveredAt = *req.DeliveredAt
	}

	ord, err := h.orchestrator.MarkDelivered(c.Request.Context(), c.Param("orderId"), deliveredAt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelOrder handles POST /v1/orders/:orderId/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ord, err := h.orchestrator.CancelOrder(c.Request.Context(),
		c.Param("orderId"), validation.SanitizeString(req.Reason, validation.MaxNotesLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_cancellable",
			"message": "Order can no longer be cancelled",
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Order is not in a status that permits this operation",
		})
	case errors.Is(err, ErrSellerNotInOrder):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Seller has no items in this order",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
