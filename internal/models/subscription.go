package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionTier is a membership plan with a member discount and an optional monthly quota.
// DiscountRate is a percentage in 0-100. A nil MaxMonthlyBookings means unlimited.
type SubscriptionTier struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	MonthlyPrice       float64   `json:"monthly_price" db:"monthly_price"`
	DiscountRate       float64   `json:"discount_rate" db:"discount_rate"`
	MaxMonthlyBookings *int      `json:"max_monthly_bookings,omitempty" db:"max_monthly_bookings"`
	ProcessorPriceID   *string   `json:"-" db:"processor_price_id"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// IsUnlimited reports whether the tier has no monthly cap
func (t *SubscriptionTier) IsUnlimited() bool {
	return t.MaxMonthlyBookings == nil
}

// AllowsAnother reports whether a member who already made current bookings may book again
func (t *SubscriptionTier) AllowsAnother(current int) bool {
	if t.IsUnlimited() {
		return true
	}
	return current < *t.MaxMonthlyBookings
}

// StartSubscriptionRequest selects the tier a member wants to pay for
type StartSubscriptionRequest struct {
	SubscriptionID uuid.UUID `json:"subscription_id" binding:"required"`
}

// ActivateSubscriptionRequest finalizes a paid subscription
type ActivateSubscriptionRequest struct {
	SubscriptionID   uuid.UUID `json:"subscription_id" binding:"required"`
	PaymentReference string    `json:"payment_reference" binding:"required"`
}

// SubscriptionActivation records which tier a subscription checkout's first payment
// pays for. Each payment reference activates at most one tier, once.
type SubscriptionActivation struct {
	PaymentRef              string     `json:"payment_reference" db:"payment_ref"`
	UserID                  uuid.UUID  `json:"user_id" db:"user_id"`
	SubscriptionID          uuid.UUID  `json:"subscription_id" db:"subscription_id"`
	ProcessorSubscriptionID string     `json:"processor_subscription_id" db:"processor_subscription_id"`
	AmountMinor             int64      `json:"amount_minor" db:"amount_minor"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	ConsumedAt              *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

// IsConsumed reports whether the payment already activated a subscription
func (a *SubscriptionActivation) IsConsumed() bool {
	return a.ConsumedAt != nil
}
