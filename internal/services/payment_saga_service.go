package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/mq"
	"github.com/the-social-house/tsh-booking-sub000/pkg/obs"
	"github.com/the-social-house/tsh-booking-sub000/pkg/pricing"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
	"go.opentelemetry.io/otel/attribute"
)

// stalePendingBatch bounds one abandoned checkout sweep
const stalePendingBatch = 100

// PaymentOutcome describes how a payment confirmation was applied
type PaymentOutcome struct {
	Booking          *models.Booking `json:"booking"`
	AlreadyFinalized bool            `json:"already_finalized"`
	BufferCreated    bool            `json:"buffer_created"`
	BufferSkipReason string          `json:"buffer_skip_reason,omitempty"`
}

// SweepReport summarizes one abandoned checkout sweep
type SweepReport struct {
	Examined   int `json:"examined"`
	Finalized  int `json:"finalized"`
	RolledBack int `json:"rolled_back"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// criticalEvent is published when money moved but no booking could be kept or removed
type criticalEvent struct {
	BookingID        uuid.UUID       `json:"booking_id"`
	UserID           uuid.UUID       `json:"user_id"`
	PaymentReference string          `json:"payment_reference"`
	Stage            string          `json:"stage"`
	Error            string          `json:"error"`
	Rollback         *RollbackReport `json:"rollback,omitempty"`
}

// PaymentSagaService finalizes or compensates pending bookings once the processor has spoken
type PaymentSagaService struct {
	bookings  BookingStore
	processor PaymentProcessor
	rollback  *RollbackService
	auditor   Auditor
	events    EventPublisher
	policy    timeslot.Policy
	now       Clock
	logger    *logrus.Logger
}

// NewPaymentSagaService creates a new payment saga service
func NewPaymentSagaService(
	bookings BookingStore,
	processor PaymentProcessor,
	rollback *RollbackService,
	auditor Auditor,
	events EventPublisher,
	policy timeslot.Policy,
	clock Clock,
	logger *logrus.Logger,
) *PaymentSagaService {
	if clock == nil {
		clock = time.Now
	}
	return &PaymentSagaService{
		bookings:  bookings,
		processor: processor,
		rollback:  rollback,
		auditor:   auditor,
		events:    events,
		policy:    policy,
		now:       clock,
		logger:    logger,
	}
}

// ============================================================================
// PAYMENT CONFIRMATION
// ============================================================================

// ConfirmPayment applies a payment the member reports from the client. Only the
// booking's own member or an admin may confirm it.
func (s *PaymentSagaService) ConfirmPayment(ctx context.Context, principal models.Principal, bookingID uuid.UUID, paymentRef string) (*PaymentOutcome, error) {
	if !principal.IsAuthenticated() {
		return nil, models.NewBookingError(models.CodeUnauthenticated, "Authentication required")
	}

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, storageError("failed to load booking", err)
	}
	if booking == nil || booking.IsBuffer() {
		return nil, models.NewBookingError(models.CodeBookingNotFound, "Booking not found")
	}
	if booking.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, models.NewBookingError(models.CodeForbidden, "You can only confirm payments for your own bookings")
	}

	return s.OnPaymentSucceeded(ctx, bookingID, paymentRef)
}

// OnPaymentSucceeded moves a pending booking to paid after the processor confirms the
// charge, then tries to place the cleaning buffer. The payment must be the booking's
// own intent (or carry its id in the intent metadata) and cover the full price.
// Calling it again for a finalized booking returns success without repeating any
// side effect.
func (s *PaymentSagaService) OnPaymentSucceeded(ctx context.Context, bookingID uuid.UUID, paymentRef string) (outcome *PaymentOutcome, err error) {
	ctx, span := obs.StartSpan(ctx, "booking", "booking.payment_succeeded",
		attribute.String("booking.id", bookingID.String()))
	defer func() { obs.EndSpan(span, err) }()

	log := s.logger.WithFields(logrus.Fields{
		"booking_id":        bookingID,
		"payment_reference": paymentRef,
	})

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, storageError("failed to load booking", err)
	}
	if booking == nil {
		return nil, s.resolveMissingBooking(ctx, bookingID, paymentRef)
	}

	if booking.IsBuffer() {
		return nil, models.NewBookingError(models.CodeInvalidBookingState, "Buffer slots cannot be paid for")
	}
	if booking.IsFinalized() {
		log.Debug("Booking already finalized, nothing to do")
		return &PaymentOutcome{Booking: booking, AlreadyFinalized: true}, nil
	}
	if booking.PaymentStatus != models.PaymentStatusPending {
		return nil, models.NewBookingError(models.CodeInvalidBookingState, "Booking is not awaiting payment").
			WithDetails("payment status is %s", booking.PaymentStatus)
	}
	if booking.PaymentIntentRef != nil && *booking.PaymentIntentRef != paymentRef {
		return nil, models.NewBookingError(models.CodeInvalidBookingState, "Payment reference does not belong to this booking")
	}

	status, err := s.processor.RetrievePaymentStatus(ctx, paymentRef)
	if err != nil {
		return nil, processorError(models.CodePaymentProcessor, "Failed to verify payment", err)
	}
	if !status.Succeeded() {
		log.WithField("processor_status", status.Status).Info("Payment not yet succeeded, booking stays pending")
		return nil, models.NewBookingError(models.CodePaymentNotSucceeded, "Payment has not succeeded").
			WithDetails("processor status %q", status.Status).
			WithHint("Complete the payment and confirm again")
	}
	if booking.PaymentIntentRef == nil && !status.IsForBooking(booking.ID) {
		log.Warn("Payment was created for a different booking")
		return nil, models.NewBookingError(models.CodeInvalidBookingState, "Payment reference does not belong to this booking")
	}

	if expected := pricing.ToMinorUnits(booking.TotalPrice); status.AmountMinor != expected {
		log.WithFields(logrus.Fields{
			"charged_minor":  status.AmountMinor,
			"expected_minor": expected,
		}).Error("Charged amount differs from booking price, booking stays pending")
		return nil, models.NewBookingError(models.CodeInvalidBookingState, "Charged amount does not match the booking price").
			WithDetails("charged %d, expected %d minor units", status.AmountMinor, expected).
			WithHint("Contact support")
	}

	var receiptURL *string
	receipt, err := s.processor.RetrieveReceipt(ctx, paymentRef)
	if err != nil {
		log.WithError(err).Warn("Failed to retrieve receipt, continuing without it")
	} else if receipt != "" {
		receiptURL = &receipt
	}

	transactionRef := status.TransactionID
	if transactionRef == "" {
		transactionRef = paymentRef
	}
	paidAt := s.now()

	if err := s.bookings.MarkPaid(ctx, bookingID, transactionRef, receiptURL, paidAt); err != nil {
		if errors.Is(err, database.ErrNotPending) {
			return s.resolveLostTransition(ctx, booking, paymentRef)
		}
		return nil, s.compensate(ctx, booking, paymentRef, err)
	}

	booking.PaymentStatus = models.PaymentStatusPaid
	booking.TransactionRef = &transactionRef
	booking.ReceiptURL = receiptURL
	booking.PaidAt = &paidAt
	log.WithField("transaction_ref", transactionRef).Info("Booking paid")

	if pubErr := s.events.PublishJSON(ctx, mq.KeyBookingPaid, booking); pubErr != nil {
		log.WithError(pubErr).Warn("Failed to publish booking paid event")
	}

	outcome = &PaymentOutcome{Booking: booking}
	outcome.BufferCreated, outcome.BufferSkipReason = s.placeBuffer(ctx, booking)
	return outcome, nil
}

// resolveMissingBooking decides what a confirmation for an unknown booking means. A
// charge that succeeded for that booking means money moved with nothing to show for it.
func (s *PaymentSagaService) resolveMissingBooking(ctx context.Context, bookingID uuid.UUID, paymentRef string) error {
	notFound := models.NewBookingError(models.CodeBookingNotFound, "Booking not found").
		WithDetails("booking %s does not exist", bookingID)

	status, err := s.processor.RetrievePaymentStatus(ctx, paymentRef)
	if err != nil {
		return processorError(models.CodePaymentProcessor, "Failed to verify payment", err)
	}
	if !status.Succeeded() || !status.IsForBooking(bookingID) {
		return notFound
	}

	// A malformed user_id leaves uuid.Nil, the audit row still names the booking
	userID, _ := uuid.Parse(status.Metadata["user_id"])
	failure := fmt.Errorf("payment %s succeeded for booking %s which no longer exists", paymentRef, bookingID)
	return s.escalate(ctx, bookingID, userID, paymentRef, "payment_orphaned", failure, nil,
		"Payment succeeded but the booking no longer exists")
}

// resolveLostTransition handles a MarkPaid that matched no pending row: a concurrent
// confirmation won, or the booking was removed in between.
func (s *PaymentSagaService) resolveLostTransition(ctx context.Context, booking *models.Booking, paymentRef string) (*PaymentOutcome, error) {
	current, err := s.bookings.GetByID(ctx, booking.ID)
	if err != nil {
		return nil, storageError("failed to reload booking", err)
	}
	if current == nil {
		failure := fmt.Errorf("booking %s was removed while payment %s was being recorded", booking.ID, paymentRef)
		return nil, s.escalate(ctx, booking.ID, booking.UserID, paymentRef, "payment_orphaned", failure, nil,
			"Payment succeeded but the booking no longer exists")
	}
	if current.IsFinalized() {
		return &PaymentOutcome{Booking: current, AlreadyFinalized: true}, nil
	}
	return nil, models.NewBookingError(models.CodeInvalidBookingState, "Booking is not awaiting payment").
		WithDetails("payment status is %s", current.PaymentStatus)
}

// compensate runs after the processor took the money but the paid transition could not
// be written. The booking is rolled back; if that fails too an operator has to step in.
func (s *PaymentSagaService) compensate(ctx context.Context, booking *models.Booking, paymentRef string, cause error) error {
	s.logger.WithFields(logrus.Fields{
		"booking_id":        booking.ID,
		"user_id":           booking.UserID,
		"payment_reference": paymentRef,
	}).WithError(cause).Error("Failed to record successful payment, rolling back booking")

	report, rollbackErr := s.rollback.Rollback(ctx, booking.ID, booking.UserID)
	if rollbackErr == nil && report.Completed {
		return models.NewBookingError(models.CodeBookingRolledBack, "Payment could not be recorded and the booking was cancelled").
			WithDetails("%s", cause.Error()).
			WithHint("Contact support to have the payment refunded").
			Wrap(cause)
	}

	failure := cause
	if rollbackErr != nil {
		failure = fmt.Errorf("%v; rollback: %w", cause, rollbackErr)
	}
	return s.escalate(ctx, booking.ID, booking.UserID, paymentRef, "payment_recording", failure, report,
		"Payment succeeded but the booking could not be recorded or removed")
}

// escalate audits and announces a payment that left money and bookings out of step,
// and returns the critical error for the caller.
func (s *PaymentSagaService) escalate(
	ctx context.Context,
	bookingID, userID uuid.UUID,
	paymentRef, stage string,
	failure error,
	report *RollbackReport,
	message string,
) error {
	log := s.logger.WithFields(logrus.Fields{
		"booking_id":        bookingID,
		"user_id":           userID,
		"payment_reference": paymentRef,
		"stage":             stage,
	})
	log.WithError(failure).Error("Payment needs operator attention")

	if auditErr := s.auditor.LogCriticalFailure(ctx, bookingID, userID, stage, failure); auditErr != nil {
		log.WithError(auditErr).Error("Failed to audit critical payment failure")
	}

	event := criticalEvent{
		BookingID:        bookingID,
		UserID:           userID,
		PaymentReference: paymentRef,
		Stage:            stage,
		Error:            failure.Error(),
		Rollback:         report,
	}
	if pubErr := s.events.PublishJSON(ctx, mq.KeyBookingCritical, event); pubErr != nil {
		log.WithError(pubErr).Error("Failed to publish critical booking event")
	}

	return models.NewBookingError(models.CodePaymentRecordingFailed, message).
		WithDetails("%s", failure.Error()).
		WithHint("An operator has been notified").
		Wrap(failure).
		AsCritical()
}

// placeBuffer creates the cleaning buffer after a paid booking. It never fails the
// payment; the returned reason says why no buffer was created.
func (s *PaymentSagaService) placeBuffer(ctx context.Context, booking *models.Booking) (bool, string) {
	log := s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"room_id":    booking.RoomID,
	})

	window, ok := s.policy.ComputeBufferWindow(booking.EndTime)
	if !ok {
		log.Debug("No buffer needed before closing time")
		return false, "closing"
	}

	existing, err := s.bookings.ListActiveInRange(ctx, booking.RoomID, window.Start, window.End)
	if err != nil {
		log.WithError(err).Warn("Failed to re-check buffer window, skipping buffer")
		return false, "storage_error"
	}
	for _, other := range existing {
		if other.ID == booking.ID || !other.BlocksTimeline() {
			continue
		}
		if !timeslot.Overlaps(window.Start, window.End, other.StartTime, other.EndTime) {
			continue
		}
		if other.IsBuffer() && other.StartTime.Equal(window.Start) {
			return false, "exists"
		}
		log.WithField("blocking_booking_id", other.ID).Info("Buffer window occupied, skipping buffer")
		return false, "occupied"
	}

	buffer := models.NewBufferBooking(booking, window.Start, window.End)
	if err := s.bookings.CreateBuffer(ctx, buffer); err != nil {
		if errors.Is(err, database.ErrSlotTaken) {
			log.Info("Buffer window taken concurrently, skipping buffer")
			return false, "occupied"
		}
		log.WithError(err).Warn("Failed to create buffer")
		return false, "storage_error"
	}

	log.WithFields(logrus.Fields{
		"buffer_id":    buffer.ID,
		"buffer_start": window.Start,
		"buffer_end":   window.End,
	}).Info("Buffer created")

	if pubErr := s.events.PublishJSON(ctx, mq.KeyBufferCreated, buffer); pubErr != nil {
		log.WithError(pubErr).Warn("Failed to publish buffer created event")
	}
	return true, ""
}

// ============================================================================
// ABANDONED CHECKOUTS
// ============================================================================

// ExpireAbandoned resolves pending bookings older than olderThan. Late successes are
// finalized and anything still in flight is left for the next sweep. An open intent is
// cancelled at the processor before its booking is rolled back, so it cannot be paid
// for a slot that is gone.
func (s *PaymentSagaService) ExpireAbandoned(ctx context.Context, olderThan time.Duration) (*SweepReport, error) {
	cutoff := s.now().Add(-olderThan)

	stale, err := s.bookings.ListStalePending(ctx, cutoff, stalePendingBatch)
	if err != nil {
		return nil, storageError("failed to list stale bookings", err)
	}

	report := &SweepReport{Examined: len(stale)}
	for i := range stale {
		booking := &stale[i]
		log := s.logger.WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"user_id":    booking.UserID,
		})

		if booking.PaymentIntentRef != nil {
			ref := *booking.PaymentIntentRef
			status, err := s.processor.RetrievePaymentStatus(ctx, ref)
			if err != nil {
				log.WithError(err).Warn("Could not verify abandoned checkout, leaving it for the next sweep")
				report.Skipped++
				continue
			}

			switch {
			case status.Succeeded():
				if _, err := s.OnPaymentSucceeded(ctx, booking.ID, ref); err != nil {
					log.WithError(err).Error("Failed to finalize late payment")
					report.Failed++
				} else {
					report.Finalized++
				}
				continue
			case status.InFlight():
				report.Skipped++
				continue
			case status.Status != PaymentStatusCanceled:
				// The processor refuses once the intent succeeded; the next sweep finalizes it
				if err := s.processor.CancelPaymentIntent(ctx, ref); err != nil {
					log.WithError(err).Warn("Could not cancel abandoned payment intent, leaving it for the next sweep")
					report.Skipped++
					continue
				}
			}
		}

		rollbackReport, err := s.rollback.Rollback(ctx, booking.ID, booking.UserID)
		if err != nil || !rollbackReport.Completed {
			log.WithError(err).Error("Failed to roll back abandoned checkout")
			report.Failed++
			continue
		}
		report.RolledBack++
	}

	s.logger.WithFields(logrus.Fields{
		"cutoff":      cutoff,
		"examined":    report.Examined,
		"finalized":   report.Finalized,
		"rolled_back": report.RolledBack,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
	}).Info("Abandoned checkout sweep finished")

	return report, nil
}
