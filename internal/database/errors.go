package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PostgreSQL error codes the repositories react to
const (
	sqlStateUniqueViolation    = "23505"
	sqlStateExclusionViolation = "23P01"
)

var (
	// ErrSlotTaken indicates the storage layer rejected an overlapping booking
	ErrSlotTaken = errors.New("time slot already taken")

	// ErrDatesOverlap indicates the storage layer rejected an overlapping unavailability period
	ErrDatesOverlap = errors.New("unavailability dates overlap an existing period")

	// ErrQuotaExceeded indicates the member's monthly counter is already at the cap
	ErrQuotaExceeded = errors.New("monthly booking quota exhausted")

	// ErrNotPending indicates a payment transition found the booking no longer pending
	ErrNotPending = errors.New("booking is no longer pending")

	// ErrPaymentReused indicates a subscription payment reference was already recorded or consumed
	ErrPaymentReused = errors.New("payment reference already used")
)

// SQLState extracts the SQLSTATE code from a pgx or lib/pq error.
// It returns an empty string for errors that did not come from the server.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// isOverlapViolation reports whether err came from an exclusion or unique constraint
func isOverlapViolation(err error) bool {
	switch SQLState(err) {
	case sqlStateExclusionViolation, sqlStateUniqueViolation:
		return true
	}
	return false
}
