package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// UserRepository handles member accounts and their monthly booking counter
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user by ID, or nil when it does not exist
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `
		SELECT id, email, full_name, role, subscription_id, current_monthly_bookings,
		       processor_customer_id, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &user, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// DecrementMonthlyBookings lowers the counter by one without letting it go below zero.
// It reports whether a row was actually decremented.
func (r *UserRepository) DecrementMonthlyBookings(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE users
		SET current_monthly_bookings = current_monthly_bookings - 1, updated_at = NOW()
		WHERE id = $1 AND current_monthly_bookings > 0
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to decrement monthly bookings: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetProcessorCustomerID stores (or clears, with nil) the processor customer reference
func (r *UserRepository) SetProcessorCustomerID(ctx context.Context, id uuid.UUID, customerID *string) error {
	query := `UPDATE users SET processor_customer_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, customerID)
	if err != nil {
		return fmt.Errorf("failed to set processor customer: %w", err)
	}
	return nil
}

// ActivateSubscription consumes the activation recorded for paymentRef and links the
// user to the tier. The monthly counter only starts over when the tier changes.
// ErrPaymentReused is returned when the reference does not match an unconsumed
// activation of this user and tier.
func (r *UserRepository) ActivateSubscription(ctx context.Context, id, subscriptionID uuid.UUID, paymentRef string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	consume := `
		UPDATE subscription_activations
		SET consumed_at = NOW()
		WHERE payment_ref = $1 AND user_id = $2 AND subscription_id = $3 AND consumed_at IS NULL
	`
	result, err := tx.ExecContext(ctx, consume, paymentRef, id, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to consume activation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPaymentReused
	}

	// SET expressions see the old subscription_id
	link := `
		UPDATE users
		SET subscription_id = $2,
		    current_monthly_bookings = CASE
		        WHEN subscription_id IS DISTINCT FROM $2 THEN 0
		        ELSE current_monthly_bookings
		    END,
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, link, id, subscriptionID); err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResetMonthlyBookings zeroes every member's counter at the start of a month
func (r *UserRepository) ResetMonthlyBookings(ctx context.Context) (int64, error) {
	query := `
		UPDATE users
		SET current_monthly_bookings = 0, updated_at = NOW()
		WHERE current_monthly_bookings <> 0
	`
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly bookings: %w", err)
	}
	return result.RowsAffected()
}
