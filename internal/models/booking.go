package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/the-social-house/tsh-booking-sub000/pkg/pricing"
)

// PaymentStatus represents the payment state of a booking.
// Matches PostgreSQL ENUM: booking_payment_status
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // Admitted, waiting for payment
	PaymentStatusConfirmed PaymentStatus = "confirmed" // System generated buffers
	PaymentStatusPaid      PaymentStatus = "paid"      // Processor confirmed the charge
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// BookingType distinguishes member reservations from cleaning buffers.
// Matches PostgreSQL ENUM: booking_type
type BookingType string

const (
	BookingTypeBooking BookingType = "booking"
	BookingTypeBuffer  BookingType = "buffer"
)

// MaxAmenitiesPerBooking caps amenity selections on a single request
const MaxAmenitiesPerBooking = 20

// Booking represents a room reservation or a system generated buffer slot
type Booking struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	RoomID             uuid.UUID     `json:"room_id" db:"room_id"`
	UserID             uuid.UUID     `json:"user_id" db:"user_id"`
	BookingDate        time.Time     `json:"booking_date" db:"booking_date"`
	StartTime          time.Time     `json:"start_time" db:"start_time"`
	EndTime            time.Time     `json:"end_time" db:"end_time"`
	BookingType        BookingType   `json:"booking_type" db:"booking_type"`
	NumberOfPeople     int           `json:"number_of_people" db:"number_of_people"`
	TotalPrice         float64       `json:"total_price" db:"total_price"`
	DiscountPercentage *float64      `json:"discount_percentage,omitempty" db:"discount_percentage"`
	PaymentStatus      PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentIntentRef   *string       `json:"payment_intent_ref,omitempty" db:"payment_intent_ref"`
	TransactionRef     *string       `json:"transaction_ref,omitempty" db:"transaction_ref"`
	ReceiptURL         *string       `json:"receipt_url,omitempty" db:"receipt_url"`
	PaidAt             *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`

	// Loaded separately from booking_amenities
	AmenityIDs []uuid.UUID `json:"amenity_ids,omitempty" db:"-"`
}

// IsFinalized reports whether the payment saga already completed for this booking
func (b *Booking) IsFinalized() bool {
	return b.PaymentStatus == PaymentStatusPaid || b.PaymentStatus == PaymentStatusConfirmed
}

// IsBuffer reports whether the row is a system generated buffer
func (b *Booking) IsBuffer() bool {
	return b.BookingType == BookingTypeBuffer
}

// BlocksTimeline reports whether the row occupies its interval on the room timeline
func (b *Booking) BlocksTimeline() bool {
	return b.PaymentStatus != PaymentStatusCancelled
}

// NewBufferBooking builds the buffer row that follows a paid booking
func NewBufferBooking(parent *Booking, start, end time.Time) *Booking {
	now := time.Now()
	return &Booking{
		ID:             uuid.New(),
		RoomID:         parent.RoomID,
		UserID:         parent.UserID,
		BookingDate:    parent.BookingDate,
		StartTime:      start,
		EndTime:        end,
		BookingType:    BookingTypeBuffer,
		NumberOfPeople: 0,
		TotalPrice:     0,
		PaymentStatus:  PaymentStatusConfirmed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// CreateBookingRequest is the member's proposed reservation.
// BookingTotalPrice is the client displayed total and is only compared, never stored.
type CreateBookingRequest struct {
	RoomID            uuid.UUID   `json:"room_id"`
	BookingDate       string      `json:"booking_date"` // YYYY-MM-DD in the business timezone
	StartTime         time.Time   `json:"start_time"`
	EndTime           time.Time   `json:"end_time"`
	NumberOfPeople    int         `json:"number_of_people"`
	AmenityIDs        []uuid.UUID `json:"amenity_ids"`
	BookingTotalPrice float64     `json:"booking_total_price"`
}

// Validate validates the shape of the create booking request
func (r *CreateBookingRequest) Validate() error {
	if r.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}

	if r.BookingDate == "" {
		return errors.New("booking_date is required")
	}

	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return errors.New("start_time and end_time are required")
	}

	if r.NumberOfPeople < 1 {
		return errors.New("number_of_people must be at least 1")
	}

	if r.BookingTotalPrice < 0 {
		return errors.New("booking_total_price cannot be negative")
	}

	if len(r.AmenityIDs) > MaxAmenitiesPerBooking {
		return errors.New("too many amenities selected")
	}

	seen := make(map[uuid.UUID]struct{}, len(r.AmenityIDs))
	for _, id := range r.AmenityIDs {
		if id == uuid.Nil {
			return errors.New("amenity_ids cannot contain empty ids")
		}
		if _, dup := seen[id]; dup {
			return errors.New("amenity_ids cannot contain duplicates")
		}
		seen[id] = struct{}{}
	}

	return nil
}

// ConfirmPaymentRequest carries the processor reference the client paid with
type ConfirmPaymentRequest struct {
	PaymentReference string `json:"payment_reference" binding:"required"`
}

// BookingResponse is returned after admission
type BookingResponse struct {
	Booking *Booking      `json:"booking"`
	Quote   pricing.Quote `json:"quote"`
}

// CheckoutResponse is returned when a payment intent has been prepared
type CheckoutResponse struct {
	BookingID        uuid.UUID `json:"booking_id,omitempty"`
	PaymentReference string    `json:"payment_reference"`
	ClientSecret     string    `json:"client_secret"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	SubscriptionRef  *string   `json:"subscription_ref,omitempty"`
}

// BusyInterval is one occupied range on a room's day
type BusyInterval struct {
	BookingID   uuid.UUID   `json:"booking_id"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	BookingType BookingType `json:"booking_type"`
}
