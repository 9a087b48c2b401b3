package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/middleware"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// SubscriptionCheckout sells membership tiers
type SubscriptionCheckout interface {
	StartSubscription(ctx context.Context, principal models.Principal, tierID uuid.UUID) (*models.CheckoutResponse, error)
	ActivateSubscription(ctx context.Context, principal models.Principal, tierID uuid.UUID, paymentRef string) (*models.User, error)
}

// SubscriptionHandler handles membership purchase requests
type SubscriptionHandler struct {
	checkout SubscriptionCheckout
	logger   *logrus.Logger
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(checkout SubscriptionCheckout, logger *logrus.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{checkout: checkout, logger: logger}
}

// StartCheckout handles POST /api/v1/subscriptions/checkout
func (h *SubscriptionHandler) StartCheckout(c *gin.Context) {
	var req models.StartSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "subscription_id is required")
		return
	}

	checkout, err := h.checkout.StartSubscription(c.Request.Context(), middleware.GetPrincipal(c), req.SubscriptionID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, checkout)
}

// Activate handles POST /api/v1/subscriptions/activate
func (h *SubscriptionHandler) Activate(c *gin.Context) {
	var req models.ActivateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "subscription_id and payment_reference are required")
		return
	}

	user, err := h.checkout.ActivateSubscription(c.Request.Context(), middleware.GetPrincipal(c), req.SubscriptionID, req.PaymentReference)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":                  user.ID,
		"subscription_id":          user.SubscriptionID,
		"current_monthly_bookings": user.CurrentMonthlyBookings,
	})
}
