package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

const bookingColumns = `
	id, room_id, user_id, booking_date, start_time, end_time, booking_type,
	number_of_people, total_price, discount_percentage, payment_status,
	payment_intent_ref, transaction_ref, receipt_url, paid_at, created_at, updated_at
`

// BookingRepository handles booking and buffer rows
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new booking repository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// ============================================================================
// READS
// ============================================================================

// GetByID returns a booking with its amenity ids, or nil when it does not exist
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	err := r.db.GetContext(ctx, &booking, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	amenityIDs := []uuid.UUID{}
	err = r.db.SelectContext(ctx, &amenityIDs, `SELECT amenity_id FROM booking_amenities WHERE booking_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking amenities: %w", err)
	}
	booking.AmenityIDs = amenityIDs

	return &booking, nil
}

// ListActiveInRange returns non-cancelled rows of a room intersecting [from, to)
func (r *BookingRepository) ListActiveInRange(ctx context.Context, roomID uuid.UUID, from, to time.Time) ([]models.Booking, error) {
	bookings := []models.Booking{}
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE room_id = $1
		  AND payment_status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`
	if err := r.db.SelectContext(ctx, &bookings, query, roomID, from, to); err != nil {
		return nil, fmt.Errorf("failed to list bookings in range: %w", err)
	}
	return bookings, nil
}

// CountActiveInDateRange counts member bookings of a room on the closed date range
func (r *BookingRepository) CountActiveInDateRange(ctx context.Context, roomID uuid.UUID, startDate, endDate time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM bookings
		WHERE room_id = $1
		  AND booking_type = 'booking'
		  AND payment_status <> 'cancelled'
		  AND booking_date BETWEEN $2 AND $3
	`
	if err := r.db.GetContext(ctx, &count, query, roomID, startDate, endDate); err != nil {
		return 0, fmt.Errorf("failed to count bookings in date range: %w", err)
	}
	return count, nil
}

// ListStalePending returns member bookings still pending that were created before cutoff
func (r *BookingRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	bookings := []models.Booking{}
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE payment_status = 'pending'
		  AND booking_type = 'booking'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	if err := r.db.SelectContext(ctx, &bookings, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale pending bookings: %w", err)
	}
	return bookings, nil
}

// ============================================================================
// ADMISSION (single transaction)
// ============================================================================

// CreatePending inserts a pending booking with its amenity links and increments
// the member's monthly counter in one transaction. A nil quota means unlimited.
// It returns ErrSlotTaken when the exclusion constraint fires and
// ErrQuotaExceeded when the counter already reached the quota.
func (r *BookingRepository) CreatePending(ctx context.Context, b *models.Booking, quota *int) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertBooking := `
		INSERT INTO bookings (
			id, room_id, user_id, booking_date, start_time, end_time, booking_type,
			number_of_people, total_price, discount_percentage, payment_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowxContext(ctx, insertBooking,
		b.ID, b.RoomID, b.UserID, b.BookingDate, b.StartTime, b.EndTime, b.BookingType,
		b.NumberOfPeople, b.TotalPrice, b.DiscountPercentage, b.PaymentStatus,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isOverlapViolation(err) {
			return 0, fmt.Errorf("%w: %v", ErrSlotTaken, err)
		}
		return 0, fmt.Errorf("failed to insert booking: %w", err)
	}

	for _, amenityID := range b.AmenityIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO booking_amenities (booking_id, amenity_id) VALUES ($1, $2)`,
			b.ID, amenityID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to link amenity %s: %w", amenityID, err)
		}
	}

	var counter int
	incrementQuota := `
		UPDATE users
		SET current_monthly_bookings = current_monthly_bookings + 1, updated_at = NOW()
		WHERE id = $1
		  AND ($2::int IS NULL OR current_monthly_bookings < $2::int)
		RETURNING current_monthly_bookings
	`
	err = tx.QueryRowxContext(ctx, incrementQuota, b.UserID, quota).Scan(&counter)
	if err == sql.ErrNoRows {
		return 0, ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment monthly bookings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isOverlapViolation(err) {
			return 0, fmt.Errorf("%w: %v", ErrSlotTaken, err)
		}
		return 0, fmt.Errorf("failed to commit booking: %w", err)
	}

	return counter, nil
}

// ============================================================================
// PAYMENT TRANSITIONS
// ============================================================================

// SetPaymentIntent records the processor payment intent for a pending booking
func (r *BookingRepository) SetPaymentIntent(ctx context.Context, id uuid.UUID, ref string) error {
	query := `
		UPDATE bookings
		SET payment_intent_ref = $2, updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, id, ref)
	if err != nil {
		return fmt.Errorf("failed to set payment intent: %w", err)
	}
	return expectOneRow(result, ErrNotPending)
}

// MarkPaid moves a pending booking to paid. Only one caller can win the transition;
// the others get ErrNotPending.
func (r *BookingRepository) MarkPaid(ctx context.Context, id uuid.UUID, transactionRef string, receiptURL *string, paidAt time.Time) error {
	query := `
		UPDATE bookings
		SET payment_status = 'paid',
		    transaction_ref = $2,
		    receipt_url = $3,
		    paid_at = $4,
		    updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, id, transactionRef, receiptURL, paidAt)
	if err != nil {
		return fmt.Errorf("failed to mark booking paid: %w", err)
	}
	return expectOneRow(result, ErrNotPending)
}

// CreateBuffer inserts a confirmed buffer row
func (r *BookingRepository) CreateBuffer(ctx context.Context, b *models.Booking) error {
	query := `
		INSERT INTO bookings (
			id, room_id, user_id, booking_date, start_time, end_time, booking_type,
			number_of_people, total_price, payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'buffer', 0, 0, 'confirmed', NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query, b.ID, b.RoomID, b.UserID, b.BookingDate, b.StartTime, b.EndTime)
	if err != nil {
		if isOverlapViolation(err) {
			return fmt.Errorf("%w: %v", ErrSlotTaken, err)
		}
		return fmt.Errorf("failed to create buffer: %w", err)
	}
	return nil
}

// ============================================================================
// COMPENSATION (each step independent)
// ============================================================================

// DeleteAmenityLinks removes the amenity selections of a booking
func (r *BookingRepository) DeleteAmenityLinks(ctx context.Context, bookingID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM booking_amenities WHERE booking_id = $1`, bookingID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete booking amenities: %w", err)
	}
	return result.RowsAffected()
}

// DeleteBufferStartingAt removes the buffer of a room that starts exactly at start
func (r *BookingRepository) DeleteBufferStartingAt(ctx context.Context, roomID uuid.UUID, start time.Time) (int64, error) {
	query := `DELETE FROM bookings WHERE room_id = $1 AND booking_type = 'buffer' AND start_time = $2`
	result, err := r.db.ExecContext(ctx, query, roomID, start)
	if err != nil {
		return 0, fmt.Errorf("failed to delete buffer: %w", err)
	}
	return result.RowsAffected()
}

// Delete removes the booking row
func (r *BookingRepository) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete booking: %w", err)
	}
	return result.RowsAffected()
}

func expectOneRow(result sql.Result, notMatched error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notMatched
	}
	return nil
}
