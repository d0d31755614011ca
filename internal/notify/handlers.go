package notify

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/idgen"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/security"
)

// Handler provides HTTP endpoints for notification subscription management.
type Handler struct {
	store         Store
	signingSecret string

	// validateURL rejects endpoints pointing at internal addresses. Tests
	// override it so httptest servers on loopback are accepted.
	validateURL func(string) error
}

// NewHandler creates a new notification handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: security.ValidateEndpointURL}
}

// WithSigningSecret signs all deliveries with one fixed HMAC secret instead
// of a generated per-subscription secret. Used when every receiver verifies
// against a shared key distributed out of band.
func (h *Handler) WithSigningSecret(secret string) *Handler {
	h.signingSecret = secret
	return h
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/:recipientType/:recipientId/subscriptions", h.CreateSubscription)
	r.GET("/notifications/:recipientType/:recipientId/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/:recipientType/:recipientId/subscriptions/:subId", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateSubscription handles POST /v1/notifications/:recipientType/:recipientId/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	recipientType := c.Param("recipientType")
	switch recipientType {
	case "customer", "seller", "admin":
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Recipient type must be customer, seller, or admin",
		})
		return
	}

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := h.signingSecret
	if secret == "" {
		secret = generateSecret()
	}

	sub := &Subscription{
		ID:            idgen.WithPrefix("sub_"),
		RecipientType: recipientType,
		RecipientID:   c.Param("recipientId"),
		URL:           req.URL,
		Secret:        secret,
		Events:        req.Events,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	// The secret is shown exactly once, at creation.
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// ListSubscriptions handles GET /v1/notifications/:recipientType/:recipientId/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.ListByRecipient(c.Request.Context(),
		c.Param("recipientType"), c.Param("recipientId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/notifications/:recipientType/:recipientId/subscriptions/:subId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("subId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}
	if sub.RecipientType != c.Param("recipientType") || sub.RecipientID != c.Param("recipientId") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
