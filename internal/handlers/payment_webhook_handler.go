package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/internal/services"
)

// maxWebhookBody caps the payload read from the processor
const maxWebhookBody = 64 << 10

// SignatureHeader carries the processor's webhook signature
const SignatureHeader = "Stripe-Signature"

// WebhookVerifier authenticates processor webhooks
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signatureHeader string, now time.Time) (*services.WebhookEvent, error)
}

// PaymentWebhookHandler receives payment events pushed by the processor
type PaymentWebhookHandler struct {
	verifier WebhookVerifier
	saga     PaymentFinalizer
	logger   *logrus.Logger
}

// NewPaymentWebhookHandler creates a new payment webhook handler
func NewPaymentWebhookHandler(verifier WebhookVerifier, saga PaymentFinalizer, logger *logrus.Logger) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{
		verifier: verifier,
		saga:     saga,
		logger:   logger,
	}
}

// HandleWebhook handles POST /api/v1/payments/webhook.
// A 2xx tells the processor to stop retrying; only transient failures answer 5xx.
func (h *PaymentWebhookHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "invalid_request", "Failed to read webhook body")
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, c.GetHeader(SignatureHeader), time.Now())
	if err != nil {
		if errors.Is(err, services.ErrProcessorNotConfigured) {
			h.logger.Error("Webhook received but no webhook secret is configured")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   "not_configured",
				Message: "Webhooks are not configured",
			})
			return
		}
		h.logger.WithError(err).WithField("ip", c.ClientIP()).Warn("Rejected webhook with invalid signature")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_signature",
			Message: "Webhook signature verification failed",
		})
		return
	}

	log := h.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	if event.Type != services.EventPaymentIntentSucceeded {
		log.Debug("Ignoring webhook event")
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	intent, err := event.PaymentIntent()
	if err != nil {
		log.WithError(err).Warn("Malformed payment intent in webhook")
		badRequest(c, "invalid_payload", "Malformed payment intent")
		return
	}

	bookingID, err := uuid.Parse(intent.Metadata["booking_id"])
	if err != nil || intent.Metadata["type"] != "booking" {
		// Subscription payments are activated by the member's client
		log.WithField("payment_reference", intent.ID).Debug("Payment is not for a booking")
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	log = log.WithFields(logrus.Fields{
		"booking_id":        bookingID,
		"payment_reference": intent.ID,
	})

	outcome, err := h.saga.OnPaymentSucceeded(c.Request.Context(), bookingID, intent.ID)
	if err != nil {
		bookingErr, ok := models.AsBookingError(err)
		if ok && !bookingErr.IsCritical() && StatusForError(err) < http.StatusInternalServerError && bookingErr.Code != models.CodePaymentNotSucceeded {
			// Retrying cannot change the answer
			log.WithField("code", bookingErr.Code).Warn("Webhook payment could not be applied")
			c.JSON(http.StatusOK, gin.H{"received": true, "handled": false, "code": bookingErr.Code})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	log.WithFields(logrus.Fields{
		"already_finalized": outcome.AlreadyFinalized,
		"buffer_created":    outcome.BufferCreated,
	}).Info("Webhook payment applied")

	c.JSON(http.StatusOK, gin.H{"received": true, "handled": true})
}
