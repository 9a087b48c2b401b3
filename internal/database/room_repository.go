package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// RoomRepository handles rooms, their amenities and unavailability periods
type RoomRepository struct {
	db *sqlx.DB
}

// NewRoomRepository creates a new room repository
func NewRoomRepository(db *sqlx.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// GetByID returns the room with its offered amenity ids, or nil when it does not exist
func (r *RoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	var room models.Room
	query := `
		SELECT id, name, capacity, hourly_price, description, created_at, updated_at
		FROM rooms
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &room, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	amenityIDs := []uuid.UUID{}
	err = r.db.SelectContext(ctx, &amenityIDs, `SELECT amenity_id FROM room_amenities WHERE room_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get room amenities: %w", err)
	}
	room.AmenityIDs = amenityIDs

	return &room, nil
}

// ListUnavailabilities returns every unavailability period of a room ordered by start date
func (r *RoomRepository) ListUnavailabilities(ctx context.Context, roomID uuid.UUID) ([]models.Unavailability, error) {
	periods := []models.Unavailability{}
	query := `
		SELECT id, room_id, start_date, end_date, reason, created_at
		FROM room_unavailabilities
		WHERE room_id = $1
		ORDER BY start_date
	`
	if err := r.db.SelectContext(ctx, &periods, query, roomID); err != nil {
		return nil, fmt.Errorf("failed to list unavailabilities: %w", err)
	}
	return periods, nil
}

// CreateUnavailability inserts a period. An overlap with an existing period of
// the same room returns ErrDatesOverlap.
func (r *RoomRepository) CreateUnavailability(ctx context.Context, u *models.Unavailability) error {
	query := `
		INSERT INTO room_unavailabilities (id, room_id, start_date, end_date, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`
	err := r.db.QueryRowxContext(ctx, query, u.ID, u.RoomID, u.StartDate, u.EndDate, u.Reason).Scan(&u.CreatedAt)
	if err != nil {
		if isOverlapViolation(err) {
			return fmt.Errorf("%w: %v", ErrDatesOverlap, err)
		}
		return fmt.Errorf("failed to create unavailability: %w", err)
	}
	return nil
}

// GetAmenitiesByIDs loads the requested amenities. Unknown ids are silently absent from the result.
func (r *RoomRepository) GetAmenitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Amenity, error) {
	amenities := []models.Amenity{}
	if len(ids) == 0 {
		return amenities, nil
	}

	query := `SELECT id, name, price FROM amenities WHERE id = ANY($1::uuid[]) ORDER BY name`
	if err := r.db.SelectContext(ctx, &amenities, query, pq.Array(uuidStrings(ids))); err != nil {
		return nil, fmt.Errorf("failed to get amenities: %w", err)
	}
	return amenities, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
