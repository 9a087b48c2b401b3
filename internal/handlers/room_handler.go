package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/middleware"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
)

// RoomManager reads rooms and blocks them for date ranges
type RoomManager interface {
	GetRoom(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
	AddUnavailability(ctx context.Context, principal models.Principal, roomID uuid.UUID, req *models.CreateUnavailabilityRequest) (*models.Unavailability, error)
}

// AvailabilityReader lists what is already on a room's timeline
type AvailabilityReader interface {
	BusyIntervals(ctx context.Context, roomID uuid.UUID, date time.Time) ([]models.BusyInterval, error)
}

// RoomHandler handles room-related HTTP requests
type RoomHandler struct {
	rooms        RoomManager
	availability AvailabilityReader
	policy       timeslot.Policy
	logger       *logrus.Logger
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(rooms RoomManager, availability AvailabilityReader, policy timeslot.Policy, logger *logrus.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:        rooms,
		availability: availability,
		policy:       policy,
		logger:       logger,
	}
}

// GetRoom handles GET /api/v1/rooms/:id
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID, ok := parseIDParam(c, "id", "room")
	if !ok {
		return
	}

	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, room)
}

// GetAvailability handles GET /api/v1/rooms/:id/availability?date=YYYY-MM-DD
func (h *RoomHandler) GetAvailability(c *gin.Context) {
	roomID, ok := parseIDParam(c, "id", "room")
	if !ok {
		return
	}

	date, err := h.policy.ParseDate(c.Query("date"))
	if err != nil {
		badRequest(c, "invalid_date", "date query parameter must be YYYY-MM-DD")
		return
	}

	if _, err := h.rooms.GetRoom(c.Request.Context(), roomID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	intervals, err := h.availability.BusyIntervals(c.Request.Context(), roomID, date)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":      roomID,
		"date":         date.Format(timeslot.DateLayout),
		"opening_hour": h.policy.OpeningHour,
		"closing_hour": h.policy.ClosingHour,
		"busy":         intervals,
	})
}

// AddUnavailability handles POST /api/v1/admin/rooms/:id/unavailability
func (h *RoomHandler) AddUnavailability(c *gin.Context) {
	roomID, ok := parseIDParam(c, "id", "room")
	if !ok {
		return
	}

	var req models.CreateUnavailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "start_date and end_date are required")
		return
	}

	period, err := h.rooms.AddUnavailability(c.Request.Context(), middleware.GetPrincipal(c), roomID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, period)
}
