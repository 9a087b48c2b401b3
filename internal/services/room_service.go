package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
)

// RoomService manages room details and unavailability periods
type RoomService struct {
	rooms    RoomStore
	bookings BookingStore
	policy   timeslot.Policy
	logger   *logrus.Logger
}

// NewRoomService creates a new room service
func NewRoomService(rooms RoomStore, bookings BookingStore, policy timeslot.Policy, logger *logrus.Logger) *RoomService {
	return &RoomService{
		rooms:    rooms,
		bookings: bookings,
		policy:   policy,
		logger:   logger,
	}
}

// GetRoom returns a room with its unavailability periods
func (s *RoomService) GetRoom(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, storageError("failed to load room", err)
	}
	if room == nil {
		return nil, models.NewBookingError(models.CodeRoomNotFound, "Room not found")
	}

	periods, err := s.rooms.ListUnavailabilities(ctx, roomID)
	if err != nil {
		return nil, storageError("failed to load room unavailability", err)
	}
	room.Unavailabilities = periods
	return room, nil
}

// AddUnavailability blocks a room for a closed date range. Periods of one room may not
// overlap and may not cover days that already hold bookings.
func (s *RoomService) AddUnavailability(ctx context.Context, principal models.Principal, roomID uuid.UUID, req *models.CreateUnavailabilityRequest) (*models.Unavailability, error) {
	if !principal.IsAuthenticated() {
		return nil, models.NewBookingError(models.CodeUnauthenticated, "Authentication required")
	}
	if !principal.IsAdmin() {
		return nil, models.NewBookingError(models.CodeForbidden, "Only administrators can block rooms")
	}

	if req == nil {
		return nil, models.NewBookingError(models.CodeValidation, "Invalid unavailability request")
	}
	if err := req.Validate(); err != nil {
		return nil, models.NewBookingError(models.CodeValidation, "Invalid unavailability request").
			WithDetails("%s", err.Error())
	}
	startDate, err := s.policy.ParseDate(req.StartDate)
	if err != nil {
		return nil, models.NewBookingError(models.CodeValidation, "Invalid start date").WithDetails("%s", err.Error())
	}
	endDate, err := s.policy.ParseDate(req.EndDate)
	if err != nil {
		return nil, models.NewBookingError(models.CodeValidation, "Invalid end date").WithDetails("%s", err.Error())
	}
	if endDate.Before(startDate) {
		return nil, models.NewBookingError(models.CodeValidation, "End date must not be before start date")
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	for _, period := range room.Unavailabilities {
		if timeslot.DateRangesOverlap(startDate, endDate, period.StartDate, period.EndDate) {
			return nil, models.NewBookingError(models.CodeOverlappingDates, "Dates overlap an existing unavailability period").
				WithDetails("existing period %s to %s",
					period.StartDate.Format(timeslot.DateLayout), period.EndDate.Format(timeslot.DateLayout))
		}
	}

	count, err := s.bookings.CountActiveInDateRange(ctx, roomID, startDate, endDate)
	if err != nil {
		return nil, storageError("failed to count bookings", err)
	}
	if count > 0 {
		return nil, models.NewBookingError(models.CodeBookingConflict, "Room has bookings in this period").
			WithDetails("%d booking(s) between %s and %s", count, req.StartDate, req.EndDate).
			WithHint("Cancel or move the existing bookings first")
	}

	period := &models.Unavailability{
		ID:        uuid.New(),
		RoomID:    roomID,
		StartDate: startDate,
		EndDate:   endDate,
		Reason:    req.Reason,
		CreatedAt: time.Now(),
	}
	if err := s.rooms.CreateUnavailability(ctx, period); err != nil {
		if errors.Is(err, database.ErrDatesOverlap) {
			return nil, models.NewBookingError(models.CodeOverlappingDates, "Dates overlap an existing unavailability period").Wrap(err)
		}
		return nil, storageError("failed to create unavailability", err)
	}

	s.logger.WithFields(logrus.Fields{
		"room_id":    roomID,
		"start_date": req.StartDate,
		"end_date":   req.EndDate,
		"admin_id":   principal.UserID,
	}).Info("Room unavailability added")

	return period, nil
}
