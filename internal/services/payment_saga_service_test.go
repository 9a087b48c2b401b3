package services

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/mq"
)

func TestPaymentSagaService_OnPaymentSucceeded(t *testing.T) {
	t.Run("Marks booking paid and places a buffer", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)

		outcome, err := h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		require.NoError(t, err)
		assert.False(t, outcome.AlreadyFinalized)
		assert.True(t, outcome.BufferCreated)

		stored := h.bookings.get(result.Booking.ID)
		assert.Equal(t, models.PaymentStatusPaid, stored.PaymentStatus)
		require.NotNil(t, stored.TransactionRef)
		assert.Equal(t, "ch_pi_1", *stored.TransactionRef)
		require.NotNil(t, stored.ReceiptURL)
		assert.Contains(t, *stored.ReceiptURL, "pi_1")
		require.NotNil(t, stored.PaidAt)
		assert.Equal(t, h.now, *stored.PaidAt)

		var buffer *models.Booking
		for _, b := range h.bookings.bookings {
			if b.IsBuffer() {
				buffer = b
			}
		}
		require.NotNil(t, buffer)
		assert.Equal(t, at(11, 30), buffer.StartTime)
		assert.Equal(t, at(12, 0), buffer.EndTime)
		assert.Equal(t, h.room.ID, buffer.RoomID)
		assert.Equal(t, models.PaymentStatusConfirmed, buffer.PaymentStatus)

		assert.Equal(t, 1, h.events.published(mq.KeyBookingPaid))
		assert.Equal(t, 1, h.events.published(mq.KeyBufferCreated))
	})

	t.Run("Second confirmation is a no-op", func(t *testing.T) {
		h := newBookingHarness(t)
		booking := paidWithBuffer(t, h)

		outcome, err := h.saga.OnPaymentSucceeded(testCtx(), booking.ID, "pi_paid")

		require.NoError(t, err)
		assert.True(t, outcome.AlreadyFinalized)
		assert.False(t, outcome.BufferCreated)
		assert.Equal(t, 1, h.bookings.count(models.BookingTypeBuffer))
		assert.Equal(t, 1, h.events.published(mq.KeyBookingPaid))
	})

	t.Run("Concurrent confirmations create one buffer", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_race", result.Booking)

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_race")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 1, h.bookings.count(models.BookingTypeBuffer))
		assert.Equal(t, models.PaymentStatusPaid, h.bookings.get(result.Booking.ID).PaymentStatus)
	})

	t.Run("Payment not succeeded leaves booking pending", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_unpaid")

		assertCode(t, err, models.CodePaymentNotSucceeded)
		assert.Equal(t, models.PaymentStatusPending, h.bookings.get(result.Booking.ID).PaymentStatus)
		assert.Zero(t, h.bookings.count(models.BookingTypeBuffer))
	})

	t.Run("Processor lookup failure", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.statusErr = errStoreDown

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		assertCode(t, err, models.CodePaymentProcessor)
		assert.Equal(t, models.PaymentStatusPending, h.bookings.get(result.Booking.ID).PaymentStatus)
	})

	t.Run("Unknown booking", func(t *testing.T) {
		h := newBookingHarness(t)

		_, err := h.saga.OnPaymentSucceeded(testCtx(), uuid.New(), "pi_1")

		assertCode(t, err, models.CodeBookingNotFound)
		assert.Empty(t, h.auditor.calls)
		assert.Zero(t, h.events.published(mq.KeyBookingCritical))
	})

	t.Run("Payment for a removed booking is critical", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		_, err = h.rollback.Rollback(testCtx(), result.Booking.ID, uuid.Nil)
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		assertCode(t, err, models.CodePaymentRecordingFailed)
		bookingErr, _ := models.AsBookingError(err)
		assert.True(t, bookingErr.IsCritical())
		require.Len(t, h.auditor.calls, 1)
		assert.Equal(t, AuditActionCriticalFailure, h.auditor.calls[0].action)
		assert.Equal(t, result.Booking.ID, h.auditor.calls[0].bookingID)
		assert.Equal(t, 1, h.events.published(mq.KeyBookingCritical))
	})

	t.Run("Payment of another booking cannot confirm this one", func(t *testing.T) {
		h := newBookingHarness(t)
		first, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		second, err := h.admission.Admit(testCtx(), h.principal, h.slot(at(14, 0), at(18, 0)))
		require.NoError(t, err)
		h.processor.pay("pi_first", first.Booking)
		_, err = h.saga.OnPaymentSucceeded(testCtx(), first.Booking.ID, "pi_first")
		require.NoError(t, err)

		_, err = h.saga.OnPaymentSucceeded(testCtx(), second.Booking.ID, "pi_first")

		assertCode(t, err, models.CodeInvalidBookingState)
		assert.Equal(t, models.PaymentStatusPending, h.bookings.get(second.Booking.ID).PaymentStatus)
	})

	t.Run("Charge below the booking price is refused", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		require.NoError(t, h.bookings.SetPaymentIntent(testCtx(), result.Booking.ID, "pi_1"))
		h.processor.succeed("pi_1", 100, bookingMetadata(result.Booking))

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		assertCode(t, err, models.CodeInvalidBookingState)
		bookingErr, _ := models.AsBookingError(err)
		assert.Contains(t, bookingErr.Details, "expected 20250")
		assert.Equal(t, models.PaymentStatusPending, h.bookings.get(result.Booking.ID).PaymentStatus)
		assert.Zero(t, h.bookings.count(models.BookingTypeBuffer))
	})

	t.Run("Reference of another checkout is refused", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		require.NoError(t, h.bookings.SetPaymentIntent(testCtx(), result.Booking.ID, "pi_mine"))
		h.processor.pay("pi_other", result.Booking)

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_other")

		assertCode(t, err, models.CodeInvalidBookingState)
		assert.Zero(t, h.processor.statusLookups)
	})

	t.Run("Buffer rows cannot be paid", func(t *testing.T) {
		h := newBookingHarness(t)
		buffer := h.bookings.seed(models.Booking{
			RoomID:        h.room.ID,
			BookingDate:   testDay(),
			StartTime:     at(12, 0),
			EndTime:       at(12, 30),
			BookingType:   models.BookingTypeBuffer,
			PaymentStatus: models.PaymentStatusConfirmed,
		})

		_, err := h.saga.OnPaymentSucceeded(testCtx(), buffer.ID, "pi_1")

		assertCode(t, err, models.CodeInvalidBookingState)
	})

	t.Run("Receipt failure does not block payment", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)
		h.processor.receiptErr = errStoreDown

		outcome, err := h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		require.NoError(t, err)
		assert.Nil(t, outcome.Booking.ReceiptURL)
		assert.Equal(t, models.PaymentStatusPaid, h.bookings.get(result.Booking.ID).PaymentStatus)
	})

	t.Run("Recording failure rolls the booking back", func(t *testing.T) {
		h := newBookingHarness(t)
		h.setCounter(1)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)
		h.bookings.markPaidErr = errStoreDown

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		assertCode(t, err, models.CodeBookingRolledBack)
		assert.ErrorIs(t, err, errStoreDown)
		assert.Nil(t, h.bookings.get(result.Booking.ID))
		assert.Equal(t, 1, h.users.counter(h.member.ID))
		assert.Empty(t, h.auditor.calls)
		assert.Zero(t, h.events.published(mq.KeyBookingCritical))
	})

	t.Run("Recording and rollback failure is critical", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)
		h.bookings.markPaidErr = errStoreDown
		h.bookings.deleteErr = errStoreDown

		_, err = h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, "pi_1")

		assertCode(t, err, models.CodePaymentRecordingFailed)
		bookingErr, _ := models.AsBookingError(err)
		assert.True(t, bookingErr.IsCritical())

		require.Len(t, h.auditor.calls, 1)
		assert.Equal(t, AuditActionCriticalFailure, h.auditor.calls[0].action)
		assert.Equal(t, result.Booking.ID, h.auditor.calls[0].bookingID)
		assert.Equal(t, 1, h.events.published(mq.KeyBookingCritical))
	})
}

func TestPaymentSagaService_ConfirmPayment(t *testing.T) {
	t.Run("Owner confirms", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)

		outcome, err := h.saga.ConfirmPayment(testCtx(), h.principal, result.Booking.ID, "pi_1")

		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPaid, outcome.Booking.PaymentStatus)
	})

	t.Run("Other members cannot confirm", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)
		stranger := models.Principal{UserID: uuid.New(), Role: models.RoleMember}

		_, err = h.saga.ConfirmPayment(testCtx(), stranger, result.Booking.ID, "pi_1")

		assertCode(t, err, models.CodeForbidden)
		assert.Equal(t, models.PaymentStatusPending, h.bookings.get(result.Booking.ID).PaymentStatus)
		assert.Zero(t, h.processor.statusLookups)
	})

	t.Run("Admin confirms for a member", func(t *testing.T) {
		h := newBookingHarness(t)
		result, err := h.admission.Admit(testCtx(), h.principal, h.request())
		require.NoError(t, err)
		h.processor.pay("pi_1", result.Booking)
		admin := models.Principal{UserID: uuid.New(), Role: models.RoleAdmin}

		_, err = h.saga.ConfirmPayment(testCtx(), admin, result.Booking.ID, "pi_1")

		require.NoError(t, err)
	})

	t.Run("Unknown booking", func(t *testing.T) {
		h := newBookingHarness(t)

		_, err := h.saga.ConfirmPayment(testCtx(), h.principal, uuid.New(), "pi_1")

		assertCode(t, err, models.CodeBookingNotFound)
	})

	t.Run("Anonymous caller", func(t *testing.T) {
		h := newBookingHarness(t)

		_, err := h.saga.ConfirmPayment(testCtx(), models.Principal{}, uuid.New(), "pi_1")

		assertCode(t, err, models.CodeUnauthenticated)
	})
}

func TestPaymentSagaService_BufferPlacement(t *testing.T) {
	pay := func(t *testing.T, h *bookingHarness, start, end time.Time) *PaymentOutcome {
		t.Helper()
		result, err := h.admission.Admit(testCtx(), h.principal, h.slot(start, end))
		require.NoError(t, err)
		ref := "pi_" + result.Booking.ID.String()[:8]
		h.processor.pay(ref, result.Booking)
		outcome, err := h.saga.OnPaymentSucceeded(testCtx(), result.Booking.ID, ref)
		require.NoError(t, err)
		return outcome
	}

	t.Run("No buffer near closing time", func(t *testing.T) {
		h := newBookingHarness(t)

		outcome := pay(t, h, at(20, 45), at(21, 45))

		assert.False(t, outcome.BufferCreated)
		assert.Equal(t, "closing", outcome.BufferSkipReason)
		assert.Zero(t, h.bookings.count(models.BookingTypeBuffer))
	})

	t.Run("No buffer for a booking ending at closing", func(t *testing.T) {
		h := newBookingHarness(t)

		outcome := pay(t, h, at(20, 0), at(22, 0))

		assert.False(t, outcome.BufferCreated)
		assert.Equal(t, "closing", outcome.BufferSkipReason)
	})

	t.Run("Occupied window is skipped", func(t *testing.T) {
		h := newBookingHarness(t)
		booking := h.bookings.seed(models.Booking{
			RoomID:        h.room.ID,
			UserID:        h.member.ID,
			BookingDate:   testDay(),
			StartTime:     at(15, 0),
			EndTime:       at(16, 0),
			PaymentStatus: models.PaymentStatusPending,
		})
		// Admitted before the buffer rule existed for this slot, so it sits inside the window
		h.bookings.seed(models.Booking{
			RoomID:        h.room.ID,
			UserID:        uuid.New(),
			BookingDate:   testDay(),
			StartTime:     at(16, 10),
			EndTime:       at(17, 0),
			PaymentStatus: models.PaymentStatusPaid,
		})
		h.processor.pay("pi_1", booking)

		outcome, err := h.saga.OnPaymentSucceeded(testCtx(), booking.ID, "pi_1")

		require.NoError(t, err)
		assert.False(t, outcome.BufferCreated)
		assert.Equal(t, "occupied", outcome.BufferSkipReason)
		assert.Equal(t, models.PaymentStatusPaid, h.bookings.get(booking.ID).PaymentStatus)
		assert.Zero(t, h.bookings.count(models.BookingTypeBuffer))
	})

	t.Run("Existing buffer is reused", func(t *testing.T) {
		h := newBookingHarness(t)
		booking := h.bookings.seed(models.Booking{
			RoomID:        h.room.ID,
			UserID:        h.member.ID,
			BookingDate:   testDay(),
			StartTime:     at(15, 0),
			EndTime:       at(16, 0),
			PaymentStatus: models.PaymentStatusPending,
		})
		h.bookings.seed(models.Booking{
			RoomID:        h.room.ID,
			BookingDate:   testDay(),
			StartTime:     at(16, 0),
			EndTime:       at(16, 30),
			BookingType:   models.BookingTypeBuffer,
			PaymentStatus: models.PaymentStatusConfirmed,
		})
		h.processor.pay("pi_1", booking)

		outcome, err := h.saga.OnPaymentSucceeded(testCtx(), booking.ID, "pi_1")

		require.NoError(t, err)
		assert.Equal(t, "exists", outcome.BufferSkipReason)
		assert.Equal(t, 1, h.bookings.count(models.BookingTypeBuffer))
	})
}

func TestPaymentSagaService_ExpireAbandoned(t *testing.T) {
	t.Run("Resolves each stale checkout", func(t *testing.T) {
		h := newBookingHarness(t)
		h.setCounter(0)
		stale := h.now.Add(-2 * time.Hour)

		seedPending := func(start, end time.Time, ref *string, createdAt time.Time) *models.Booking {
			h.setCounter(h.users.counter(h.member.ID) + 1)
			return h.bookings.seed(models.Booking{
				RoomID:           h.room.ID,
				UserID:           h.member.ID,
				BookingDate:      testDay(),
				StartTime:        start,
				EndTime:          end,
				TotalPrice:       100,
				PaymentStatus:    models.PaymentStatusPending,
				PaymentIntentRef: ref,
				CreatedAt:        createdAt,
			})
		}

		noIntent := seedPending(at(9, 0), at(10, 0), nil, stale)
		late := seedPending(at(11, 0), at(12, 0), stringPtr("pi_late"), stale)
		inFlight := seedPending(at(13, 0), at(14, 0), stringPtr("pi_processing"), stale)
		failed := seedPending(at(15, 0), at(16, 0), stringPtr("pi_failed"), stale)
		open := seedPending(at(19, 0), at(20, 0), stringPtr("pi_open"), stale)
		fresh := seedPending(at(17, 0), at(18, 0), nil, h.now)

		h.processor.pay("pi_late", late)
		h.processor.statuses["pi_processing"] = &PaymentStatusResult{Status: PaymentStatusProcessing}
		h.processor.statuses["pi_failed"] = &PaymentStatusResult{Status: PaymentStatusCanceled}

		report, err := h.saga.ExpireAbandoned(testCtx(), 30*time.Minute)

		require.NoError(t, err)
		assert.Equal(t, 5, report.Examined)
		assert.Equal(t, 1, report.Finalized)
		assert.Equal(t, 3, report.RolledBack)
		assert.Equal(t, 1, report.Skipped)
		assert.Zero(t, report.Failed)

		assert.Nil(t, h.bookings.get(noIntent.ID))
		assert.Nil(t, h.bookings.get(failed.ID))
		assert.Nil(t, h.bookings.get(open.ID))
		assert.Equal(t, []string{"pi_open"}, h.processor.cancelledIntents)
		assert.Equal(t, models.PaymentStatusPaid, h.bookings.get(late.ID).PaymentStatus)
		assert.Equal(t, models.PaymentStatusPending, h.bookings.get(inFlight.ID).PaymentStatus)
		assert.NotNil(t, h.bookings.get(fresh.ID))
		assert.Equal(t, 3, h.users.counter(h.member.ID))
	})

	t.Run("Intent that cannot be cancelled is left for the next sweep", func(t *testing.T) {
		h := newBookingHarness(t)
		booking := h.bookings.seed(models.Booking{
			RoomID:           h.room.ID,
			UserID:           h.member.ID,
			BookingDate:      testDay(),
			StartTime:        at(9, 0),
			EndTime:          at(10, 0),
			TotalPrice:       100,
			PaymentStatus:    models.PaymentStatusPending,
			PaymentIntentRef: stringPtr("pi_open"),
			CreatedAt:        h.now.Add(-time.Hour),
		})
		h.processor.cancelErr = errStoreDown

		report, err := h.saga.ExpireAbandoned(testCtx(), 30*time.Minute)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Zero(t, report.RolledBack)
		assert.NotNil(t, h.bookings.get(booking.ID))
	})

	t.Run("Payment after the sweep is escalated", func(t *testing.T) {
		h := newBookingHarness(t)
		booking := h.bookings.seed(models.Booking{
			RoomID:           h.room.ID,
			UserID:           h.member.ID,
			BookingDate:      testDay(),
			StartTime:        at(9, 0),
			EndTime:          at(10, 0),
			TotalPrice:       100,
			PaymentStatus:    models.PaymentStatusPending,
			PaymentIntentRef: stringPtr("pi_open"),
			CreatedAt:        h.now.Add(-time.Hour),
		})

		report, err := h.saga.ExpireAbandoned(testCtx(), 30*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, report.RolledBack)
		require.Equal(t, []string{"pi_open"}, h.processor.cancelledIntents)

		// The processor settled the charge anyway
		h.processor.pay("pi_open", booking)
		_, err = h.saga.OnPaymentSucceeded(testCtx(), booking.ID, "pi_open")

		assertCode(t, err, models.CodePaymentRecordingFailed)
		bookingErr, _ := models.AsBookingError(err)
		assert.True(t, bookingErr.IsCritical())
		require.Len(t, h.auditor.calls, 1)
		assert.Equal(t, booking.ID, h.auditor.calls[0].bookingID)
		assert.Equal(t, 1, h.events.published(mq.KeyBookingCritical))
	})

	t.Run("Processor outage leaves bookings for the next sweep", func(t *testing.T) {
		h := newBookingHarness(t)
		booking := h.bookings.seed(models.Booking{
			RoomID:           h.room.ID,
			UserID:           h.member.ID,
			BookingDate:      testDay(),
			StartTime:        at(9, 0),
			EndTime:          at(10, 0),
			PaymentStatus:    models.PaymentStatusPending,
			PaymentIntentRef: stringPtr("pi_1"),
			CreatedAt:        h.now.Add(-time.Hour),
		})
		h.processor.statusErr = errStoreDown

		report, err := h.saga.ExpireAbandoned(testCtx(), 30*time.Minute)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.NotNil(t, h.bookings.get(booking.ID))
	})

	t.Run("Storage failure", func(t *testing.T) {
		h := newBookingHarness(t)
		h.bookings.deleteErr = errStoreDown
		h.bookings.seed(models.Booking{
			RoomID:        h.room.ID,
			UserID:        h.member.ID,
			BookingDate:   testDay(),
			StartTime:     at(9, 0),
			EndTime:       at(10, 0),
			PaymentStatus: models.PaymentStatusPending,
			CreatedAt:     h.now.Add(-time.Hour),
		})

		report, err := h.saga.ExpireAbandoned(testCtx(), 30*time.Minute)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
	})
}
