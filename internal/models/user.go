package models

import (
	"time"

	"github.com/google/uuid"
)

// Roles carried in access tokens
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User is a member account with its subscription link and monthly usage counter
type User struct {
	ID                     uuid.UUID  `json:"id" db:"id"`
	Email                  string     `json:"email" db:"email"`
	FullName               *string    `json:"full_name,omitempty" db:"full_name"`
	Role                   string     `json:"role" db:"role"`
	SubscriptionID         *uuid.UUID `json:"subscription_id,omitempty" db:"subscription_id"`
	CurrentMonthlyBookings int        `json:"current_monthly_bookings" db:"current_monthly_bookings"`
	ProcessorCustomerID    *string    `json:"-" db:"processor_customer_id"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// HasSubscription reports whether the user is linked to a tier
func (u *User) HasSubscription() bool {
	return u.SubscriptionID != nil && *u.SubscriptionID != uuid.Nil
}

// DisplayName returns the full name, falling back to the email
func (u *User) DisplayName() string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	return u.Email
}

// Principal is the authenticated caller of an operation
type Principal struct {
	UserID    uuid.UUID
	Email     string
	Role      string
	IPAddress string
	UserAgent string
}

// IsAdmin reports whether the principal holds the admin role
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// IsAuthenticated reports whether the principal carries a user id
func (p Principal) IsAuthenticated() bool {
	return p.UserID != uuid.Nil
}
