package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Room is a bookable meeting room
type Room struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Capacity    int       `json:"capacity" db:"capacity"`
	HourlyPrice float64   `json:"hourly_price" db:"hourly_price"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`

	// Loaded separately
	Unavailabilities []Unavailability `json:"unavailabilities,omitempty" db:"-"`
	AmenityIDs       []uuid.UUID      `json:"amenity_ids,omitempty" db:"-"`
}

// OffersAmenity reports whether the amenity is linked to the room
func (r *Room) OffersAmenity(id uuid.UUID) bool {
	for _, offered := range r.AmenityIDs {
		if offered == id {
			return true
		}
	}
	return false
}

// Unavailability is a closed, inclusive date range in which a room cannot be booked
type Unavailability struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RoomID    uuid.UUID `json:"room_id" db:"room_id"`
	StartDate time.Time `json:"start_date" db:"start_date"`
	EndDate   time.Time `json:"end_date" db:"end_date"`
	Reason    *string   `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Amenity is an optional extra a room can offer
type Amenity struct {
	ID    uuid.UUID `json:"id" db:"id"`
	Name  string    `json:"name" db:"name"`
	Price *float64  `json:"price,omitempty" db:"price"`
}

// EffectivePrice treats a missing price as free
func (a Amenity) EffectivePrice() float64 {
	if a.Price == nil {
		return 0
	}
	return *a.Price
}

// CreateUnavailabilityRequest is the admin request to block a room for a date range
type CreateUnavailabilityRequest struct {
	StartDate string  `json:"start_date" binding:"required"`
	EndDate   string  `json:"end_date" binding:"required"`
	Reason    *string `json:"reason,omitempty"`
}

// Validate validates the create unavailability request
func (r *CreateUnavailabilityRequest) Validate() error {
	if r.StartDate == "" || r.EndDate == "" {
		return errors.New("start_date and end_date are required")
	}
	if r.Reason != nil && len(*r.Reason) > 500 {
		return errors.New("reason cannot exceed 500 characters")
	}
	return nil
}
