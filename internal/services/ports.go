package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// RoomStore is the room side of storage used by the booking core
type RoomStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListUnavailabilities(ctx context.Context, roomID uuid.UUID) ([]models.Unavailability, error)
	CreateUnavailability(ctx context.Context, u *models.Unavailability) error
	GetAmenitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Amenity, error)
}

// BookingStore is the booking side of storage used by the booking core
type BookingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	ListActiveInRange(ctx context.Context, roomID uuid.UUID, from, to time.Time) ([]models.Booking, error)
	CountActiveInDateRange(ctx context.Context, roomID uuid.UUID, startDate, endDate time.Time) (int, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error)
	CreatePending(ctx context.Context, b *models.Booking, quota *int) (int, error)
	SetPaymentIntent(ctx context.Context, id uuid.UUID, ref string) error
	MarkPaid(ctx context.Context, id uuid.UUID, transactionRef string, receiptURL *string, paidAt time.Time) error
	CreateBuffer(ctx context.Context, b *models.Booking) error
	DeleteAmenityLinks(ctx context.Context, bookingID uuid.UUID) (int64, error)
	DeleteBufferStartingAt(ctx context.Context, roomID uuid.UUID, start time.Time) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) (int64, error)
}

// UserStore is the member account side of storage
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	DecrementMonthlyBookings(ctx context.Context, id uuid.UUID) (bool, error)
	SetProcessorCustomerID(ctx context.Context, id uuid.UUID, customerID *string) error
	ActivateSubscription(ctx context.Context, id, subscriptionID uuid.UUID, paymentRef string) error
	ResetMonthlyBookings(ctx context.Context) (int64, error)
}

// SubscriptionStore reads membership tiers and records subscription checkouts
type SubscriptionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionTier, error)
	CreateActivation(ctx context.Context, a *models.SubscriptionActivation) error
	GetActivation(ctx context.Context, paymentRef string) (*models.SubscriptionActivation, error)
}

// PaymentProcessor is the external card processor
type PaymentProcessor interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	DeleteCustomer(ctx context.Context, customerID string) error
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	CreateSubscription(ctx context.Context, customerID, priceID string) (*ProcessorSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	RetrievePaymentStatus(ctx context.Context, paymentRef string) (*PaymentStatusResult, error)
	CancelPaymentIntent(ctx context.Context, paymentRef string) error
	RetrieveReceipt(ctx context.Context, paymentRef string) (string, error)
}

// EventPublisher emits booking lifecycle events
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Auditor records security relevant events
type Auditor interface {
	LogPriceMismatch(ctx context.Context, principal models.Principal, roomID uuid.UUID, submitted, computed float64) error
	LogCriticalFailure(ctx context.Context, bookingID, userID uuid.UUID, stage string, cause error) error
}

// Clock lets tests pin "now"
type Clock func() time.Time

// ============================================================================
// PROCESSOR DTOs
// ============================================================================

// CustomerParams identifies the member at the processor
type CustomerParams struct {
	Email  string
	Name   string
	UserID uuid.UUID
}

// PaymentIntentParams describes a single charge
type PaymentIntentParams struct {
	AmountMinor int64
	Currency    string
	CustomerID  string
	Description string
	Metadata    map[string]string
}

// PaymentIntent is the processor's handle on a charge
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// ProcessorSubscription is the processor's recurring billing handle
type ProcessorSubscription struct {
	ID              string
	Status          string
	LatestInvoiceID string
	PaymentIntentID string
	ClientSecret    string
}

// PaymentStatusResult is the authoritative status of a charge. Metadata is what the
// intent was created with.
type PaymentStatusResult struct {
	Status        string
	TransactionID string
	AmountMinor   int64
	Metadata      map[string]string
}

// Succeeded reports whether the processor considers the charge settled
func (r *PaymentStatusResult) Succeeded() bool {
	return r != nil && r.Status == PaymentStatusSucceeded
}

// IsForBooking reports whether the intent was created for the given booking
func (r *PaymentStatusResult) IsForBooking(bookingID uuid.UUID) bool {
	return r != nil && r.Metadata["type"] == "booking" && r.Metadata["booking_id"] == bookingID.String()
}

// InFlight reports whether the charge may still succeed without the member doing anything new
func (r *PaymentStatusResult) InFlight() bool {
	return r != nil && (r.Status == PaymentStatusProcessing || r.Status == PaymentStatusRequiresAction)
}

// Processor status values
const (
	PaymentStatusSucceeded      = "succeeded"
	PaymentStatusProcessing     = "processing"
	PaymentStatusRequiresAction = "requires_action"
	PaymentStatusCanceled       = "canceled"
)
