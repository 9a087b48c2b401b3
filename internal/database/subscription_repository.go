package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// SubscriptionRepository handles membership tiers
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// GetByID returns the tier, or nil when it does not exist
func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionTier, error) {
	var tier models.SubscriptionTier
	query := `
		SELECT id, name, monthly_price, discount_rate, max_monthly_bookings, processor_price_id, created_at
		FROM subscriptions
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &tier, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &tier, nil
}

// List returns every tier ordered by price
func (r *SubscriptionRepository) List(ctx context.Context) ([]models.SubscriptionTier, error) {
	tiers := []models.SubscriptionTier{}
	query := `
		SELECT id, name, monthly_price, discount_rate, max_monthly_bookings, processor_price_id, created_at
		FROM subscriptions
		ORDER BY monthly_price
	`
	if err := r.db.SelectContext(ctx, &tiers, query); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return tiers, nil
}

// CreateActivation records the tier a subscription checkout's payment pays for.
// A payment reference that was recorded before yields ErrPaymentReused.
func (r *SubscriptionRepository) CreateActivation(ctx context.Context, a *models.SubscriptionActivation) error {
	query := `
		INSERT INTO subscription_activations (
			payment_ref, user_id, subscription_id, processor_subscription_id, amount_minor
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		a.PaymentRef, a.UserID, a.SubscriptionID, a.ProcessorSubscriptionID, a.AmountMinor,
	).Scan(&a.CreatedAt)
	if err != nil {
		if SQLState(err) == sqlStateUniqueViolation {
			return fmt.Errorf("%w: %v", ErrPaymentReused, err)
		}
		return fmt.Errorf("failed to create activation: %w", err)
	}
	return nil
}

// GetActivation returns the activation recorded for a payment reference, or nil
func (r *SubscriptionRepository) GetActivation(ctx context.Context, paymentRef string) (*models.SubscriptionActivation, error) {
	var activation models.SubscriptionActivation
	query := `
		SELECT payment_ref, user_id, subscription_id, processor_subscription_id, amount_minor,
		       created_at, consumed_at
		FROM subscription_activations
		WHERE payment_ref = $1
	`
	err := r.db.GetContext(ctx, &activation, query, paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activation: %w", err)
	}
	return &activation, nil
}
