package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
)

// AvailabilityService answers whether a room is free for a candidate slot.
// Reads are advisory; the storage exclusion constraint settles races.
type AvailabilityService struct {
	rooms    RoomStore
	bookings BookingStore
	policy   timeslot.Policy
	logger   *logrus.Logger
}

// NewAvailabilityService creates a new availability service
func NewAvailabilityService(rooms RoomStore, bookings BookingStore, policy timeslot.Policy, logger *logrus.Logger) *AvailabilityService {
	return &AvailabilityService{
		rooms:    rooms,
		bookings: bookings,
		policy:   policy,
		logger:   logger,
	}
}

// Check returns nil when [start, end) on date is free for roomID, otherwise a
// ROOM_UNAVAILABLE or TIME_SLOT_CONFLICT booking error.
func (s *AvailabilityService) Check(ctx context.Context, roomID uuid.UUID, date, start, end time.Time) error {
	periods, err := s.rooms.ListUnavailabilities(ctx, roomID)
	if err != nil {
		return storageError("failed to load room unavailability", err)
	}
	for _, period := range periods {
		if timeslot.DateWithin(date, period.StartDate, period.EndDate) {
			bookingErr := models.NewBookingError(models.CodeRoomUnavailable, "Room is unavailable on the selected date").
				WithDetails("unavailable from %s to %s",
					period.StartDate.Format(timeslot.DateLayout), period.EndDate.Format(timeslot.DateLayout)).
				WithHint("Choose another date or another room")
			if period.Reason != nil {
				bookingErr.Details += ": " + *period.Reason
			}
			return bookingErr
		}
	}

	buffer := s.policy.BufferDuration
	existing, err := s.bookings.ListActiveInRange(ctx, roomID, start.Add(-buffer), end.Add(buffer))
	if err != nil {
		return storageError("failed to load existing bookings", err)
	}

	if err := s.findConflict(start, end, existing); err != nil {
		s.logger.WithFields(logrus.Fields{
			"room_id": roomID,
			"start":   start,
			"end":     end,
		}).Debug("Candidate slot conflicts with the room timeline")
		return err
	}

	return nil
}

// findConflict applies the overlap rules against the room's active rows
func (s *AvailabilityService) findConflict(start, end time.Time, existing []models.Booking) error {
	after := s.policy.ReservationWindow(end)

	for i := range existing {
		b := &existing[i]
		if !b.BlocksTimeline() {
			continue
		}

		// Direct overlap with a booking or buffer
		if timeslot.Overlaps(start, end, b.StartTime, b.EndTime) {
			return s.slotConflict(b, "overlaps an existing reservation")
		}

		// Something starts inside the window this slot's buffer will need
		if !b.StartTime.Before(after.Start) && b.StartTime.Before(after.End) {
			return s.slotConflict(b, "leaves no room for the cleaning buffer after this slot")
		}

		// The slot falls inside the buffer owed to an earlier booking
		if b.BookingType == models.BookingTypeBooking {
			owed := s.policy.ReservationWindow(b.EndTime)
			if timeslot.Overlaps(start, end, owed.Start, owed.End) {
				return s.slotConflict(b, "falls inside the cleaning buffer of an earlier booking")
			}
		}
	}

	return nil
}

// BusyIntervals returns the occupied intervals of a room on one business day
func (s *AvailabilityService) BusyIntervals(ctx context.Context, roomID uuid.UUID, date time.Time) ([]models.BusyInterval, error) {
	y, m, d := date.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, s.policy.Location)
	dayEnd := dayStart.AddDate(0, 0, 1)

	existing, err := s.bookings.ListActiveInRange(ctx, roomID, dayStart, dayEnd)
	if err != nil {
		return nil, storageError("failed to load existing bookings", err)
	}

	intervals := make([]models.BusyInterval, 0, len(existing))
	for _, b := range existing {
		intervals = append(intervals, models.BusyInterval{
			BookingID:   b.ID,
			Start:       b.StartTime,
			End:         b.EndTime,
			BookingType: b.BookingType,
		})
	}
	return intervals, nil
}

func (s *AvailabilityService) slotConflict(existing *models.Booking, reason string) *models.BookingError {
	return models.NewBookingError(models.CodeTimeSlotConflict, "The selected time slot is not available").
		WithDetails("%s (%s-%s)", reason,
			existing.StartTime.Format(time.RFC3339), existing.EndTime.Format(time.RFC3339)).
		WithHint(fmt.Sprintf("Bookings need a %d minute gap for cleaning; try a different time", int(s.policy.BufferDuration.Minutes())))
}
