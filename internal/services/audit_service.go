package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/internal/utils"
)

// Audit actions
const (
	AuditActionPriceMismatch   = "price_mismatch"
	AuditActionCriticalFailure = "critical_failure"
)

// AuditService handles audit logging for security and integrity events
type AuditService struct {
	db database.DB
}

// NewAuditService creates a new audit service
func NewAuditService(db database.DB) *AuditService {
	return &AuditService{
		db: db,
	}
}

// AuditEvent represents an event to be logged
type AuditEvent struct {
	UserID     *uuid.UUID     // Can be nil for system events
	Action     string         // e.g. "price_mismatch", "critical_failure"
	EntityType string         // e.g. "room", "booking"
	EntityID   *uuid.UUID     // ID of the affected entity (can be nil)
	IPAddress  string         // Client IP address
	UserAgent  string         // Client user agent
	Details    map[string]any // Stored as JSONB
}

// LogPriceMismatch records a booking submitted with a price the server did not compute
func (s *AuditService) LogPriceMismatch(ctx context.Context, principal models.Principal, roomID uuid.UUID, submitted, computed float64) error {
	userID := principal.UserID

	return s.logEvent(ctx, AuditEvent{
		UserID:     &userID,
		Action:     AuditActionPriceMismatch,
		EntityType: "room",
		EntityID:   &roomID,
		IPAddress:  principal.IPAddress,
		UserAgent:  principal.UserAgent,
		Details: map[string]any{
			"submitted_price": submitted,
			"computed_price":  computed,
			"difference":      submitted - computed,
			"device_info":     utils.ParseUserAgent(principal.UserAgent),
		},
	})
}

// LogCriticalFailure records a saga failure that needs an operator
func (s *AuditService) LogCriticalFailure(ctx context.Context, bookingID, userID uuid.UUID, stage string, cause error) error {
	details := map[string]any{"stage": stage}
	if cause != nil {
		details["error"] = cause.Error()
	}

	return s.logEvent(ctx, AuditEvent{
		UserID:     &userID,
		Action:     AuditActionCriticalFailure,
		EntityType: "booking",
		EntityID:   &bookingID,
		IPAddress:  "system",
		Details:    details,
	})
}

// logEvent is the internal method that writes to the audit_logs table
func (s *AuditService) logEvent(ctx context.Context, event AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `
		INSERT INTO audit_logs (user_id, action, entity_type, entity_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		event.UserID,
		event.Action,
		event.EntityType,
		event.EntityID,
		event.IPAddress,
		event.UserAgent,
		details,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	return nil
}
