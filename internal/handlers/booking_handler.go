package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/middleware"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/internal/services"
	"github.com/the-social-house/tsh-booking-sub000/pkg/pricing"
)

// BookingAdmitter admits and prices bookings
type BookingAdmitter interface {
	Admit(ctx context.Context, principal models.Principal, req *models.CreateBookingRequest) (*services.AdmissionResult, error)
	Quote(ctx context.Context, principal models.Principal, req *models.CreateBookingRequest) (*pricing.Quote, error)
}

// BookingCheckout prepares payments for pending bookings
type BookingCheckout interface {
	StartBookingPayment(ctx context.Context, principal models.Principal, bookingID uuid.UUID) (*models.CheckoutResponse, error)
}

// PaymentFinalizer applies a processor confirmed payment to a booking
type PaymentFinalizer interface {
	OnPaymentSucceeded(ctx context.Context, bookingID uuid.UUID, paymentRef string) (*services.PaymentOutcome, error)
}

// PaymentConfirmer applies a payment reported by the member who owns the booking
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, principal models.Principal, bookingID uuid.UUID, paymentRef string) (*services.PaymentOutcome, error)
}

// BookingHandler handles booking-related HTTP requests
type BookingHandler struct {
	admission BookingAdmitter
	checkout  BookingCheckout
	saga      PaymentConfirmer
	logger    *logrus.Logger
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(admission BookingAdmitter, checkout BookingCheckout, saga PaymentConfirmer, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		admission: admission,
		checkout:  checkout,
		saga:      saga,
		logger:    logger,
	}
}

// CreateBooking handles POST /api/v1/bookings
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid booking request: "+err.Error())
		return
	}

	result, err := h.admission.Admit(c.Request.Context(), middleware.GetPrincipal(c), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"booking":          result.Booking,
		"quote":            result.Quote,
		"monthly_bookings": result.MonthlyBookings,
	})
}

// QuoteBooking handles POST /api/v1/bookings/quote
func (h *BookingHandler) QuoteBooking(c *gin.Context) {
	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid booking request: "+err.Error())
		return
	}

	quote, err := h.admission.Quote(c.Request.Context(), middleware.GetPrincipal(c), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// StartPayment handles POST /api/v1/bookings/:id/checkout
func (h *BookingHandler) StartPayment(c *gin.Context) {
	bookingID, ok := parseIDParam(c, "id", "booking")
	if !ok {
		return
	}

	checkout, err := h.checkout.StartBookingPayment(c.Request.Context(), middleware.GetPrincipal(c), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, checkout)
}

// ConfirmPayment handles POST /api/v1/bookings/:id/confirm
func (h *BookingHandler) ConfirmPayment(c *gin.Context) {
	bookingID, ok := parseIDParam(c, "id", "booking")
	if !ok {
		return
	}

	var req models.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "payment_reference is required")
		return
	}

	outcome, err := h.saga.ConfirmPayment(c.Request.Context(), middleware.GetPrincipal(c), bookingID, req.PaymentReference)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// parseIDParam reads a UUID path parameter, writing a 400 when it is malformed
func parseIDParam(c *gin.Context, name, entity string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid_id", "Invalid "+entity+" ID format")
		return uuid.Nil, false
	}
	return id, true
}
