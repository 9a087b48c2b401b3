package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/mq"
	"github.com/the-social-house/tsh-booking-sub000/pkg/obs"
	"go.opentelemetry.io/otel/attribute"
)

// Compensation steps in the order they run
const (
	StepDeleteAmenityLinks = "delete_amenity_links"
	StepDeleteBuffer       = "delete_buffer"
	StepDecrementQuota     = "decrement_quota"
	StepDeleteBooking      = "delete_booking"
)

// RollbackStep is the outcome of one compensation step
type RollbackStep struct {
	Name     string `json:"name"`
	Affected int64  `json:"affected"`
	Error    string `json:"error,omitempty"`
}

// Succeeded reports whether the step ran without error
func (s RollbackStep) Succeeded() bool {
	return s.Error == ""
}

// RollbackReport lists every compensation step that ran
type RollbackReport struct {
	BookingID uuid.UUID      `json:"booking_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Steps     []RollbackStep `json:"steps"`
	Completed bool           `json:"completed"`
}

// Step returns the named step, if it ran
func (r *RollbackReport) Step(name string) (RollbackStep, bool) {
	for _, step := range r.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return RollbackStep{}, false
}

// FailedSteps returns the names of the steps that errored
func (r *RollbackReport) FailedSteps() []string {
	failed := []string{}
	for _, step := range r.Steps {
		if !step.Succeeded() {
			failed = append(failed, step.Name)
		}
	}
	return failed
}

// RollbackService undoes an admitted booking
type RollbackService struct {
	bookings BookingStore
	users    UserStore
	events   EventPublisher
	logger   *logrus.Logger
}

// NewRollbackService creates a new rollback service
func NewRollbackService(bookings BookingStore, users UserStore, events EventPublisher, logger *logrus.Logger) *RollbackService {
	return &RollbackService{
		bookings: bookings,
		users:    users,
		events:   events,
		logger:   logger,
	}
}

// Rollback removes a booking with its amenity links and trailing buffer and gives the
// member their quota slot back. Rolling back a buffer row removes only that row. Every
// step runs even when an earlier one failed; the rollback counts as complete only when
// the booking row itself is gone. A nil userID means the booking's own member.
func (s *RollbackService) Rollback(ctx context.Context, bookingID, userID uuid.UUID) (report *RollbackReport, err error) {
	ctx, span := obs.StartSpan(ctx, "booking", "booking.rollback",
		attribute.String("booking.id", bookingID.String()))
	defer func() { obs.EndSpan(span, err) }()

	report = &RollbackReport{BookingID: bookingID, UserID: userID}
	log := s.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"user_id":    userID,
	})

	// The buffer is located by the booking's end time, so read it before anything is deleted
	booking, getErr := s.bookings.GetByID(ctx, bookingID)
	if getErr != nil {
		log.WithError(getErr).Warn("Rollback could not load booking, buffer cleanup will be skipped")
	}
	if getErr == nil && booking == nil {
		// Already rolled back; running the steps again would hand back a second quota slot
		log.Info("Booking already removed, nothing to roll back")
		report.Completed = true
		return report, nil
	}
	if userID == uuid.Nil && booking != nil {
		userID = booking.UserID
		report.UserID = userID
		log = log.WithField("user_id", userID)
	}

	report.Steps = append(report.Steps, s.runStep(log, StepDeleteAmenityLinks, func() (int64, error) {
		return s.bookings.DeleteAmenityLinks(ctx, bookingID)
	}))

	if booking != nil && !booking.IsBuffer() {
		report.Steps = append(report.Steps, s.runStep(log, StepDeleteBuffer, func() (int64, error) {
			return s.bookings.DeleteBufferStartingAt(ctx, booking.RoomID, booking.EndTime)
		}))
	} else if getErr != nil {
		report.Steps = append(report.Steps, RollbackStep{Name: StepDeleteBuffer, Error: getErr.Error()})
	}

	// Buffers carry the member of the booking they follow but never took a quota slot
	if booking == nil || !booking.IsBuffer() {
		report.Steps = append(report.Steps, s.runStep(log, StepDecrementQuota, func() (int64, error) {
			decremented, err := s.users.DecrementMonthlyBookings(ctx, userID)
			if decremented {
				return 1, err
			}
			return 0, err
		}))
	}

	deleteStep := s.runStep(log, StepDeleteBooking, func() (int64, error) {
		return s.bookings.Delete(ctx, bookingID)
	})
	report.Steps = append(report.Steps, deleteStep)
	report.Completed = deleteStep.Succeeded()

	if !report.Completed {
		log.WithField("failed_steps", report.FailedSteps()).Error("Booking rollback incomplete")
		return report, models.NewBookingError(models.CodeStorage, "Failed to remove booking during rollback").
			WithDetails("%s", deleteStep.Error).
			Wrap(errors.New(deleteStep.Error))
	}

	log.WithField("failed_steps", report.FailedSteps()).Info("Booking rolled back")

	if pubErr := s.events.PublishJSON(ctx, mq.KeyBookingRolledBack, report); pubErr != nil {
		log.WithError(pubErr).Warn("Failed to publish rollback event")
	}

	return report, nil
}

// runStep executes a single compensation step. Failures are logged and recorded, never returned.
func (s *RollbackService) runStep(log *logrus.Entry, name string, fn func() (int64, error)) RollbackStep {
	affected, err := fn()
	step := RollbackStep{Name: name, Affected: affected}
	if err != nil {
		step.Error = err.Error()
		log.WithError(err).WithField("step", name).Warn("Rollback step failed, continuing")
	}
	return step
}
