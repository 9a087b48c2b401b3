package services

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// storageError wraps a store failure, keeping the native SQLSTATE for diagnostics
func storageError(message string, err error) *models.BookingError {
	bookingErr := models.NewBookingError(models.CodeStorage, message).Wrap(err)
	if state := database.SQLState(err); state != "" {
		bookingErr.WithDetails("sqlstate %s", state)
	}
	return bookingErr
}

// processorError wraps a payment processor failure under the given code
func processorError(code models.ErrorCode, message string, err error) *models.BookingError {
	bookingErr := models.NewBookingError(code, message).Wrap(err)
	if err != nil {
		bookingErr.WithDetails("%s", err.Error())
	}
	return bookingErr
}

// logRejection logs a booking error at the level its severity calls for
func logRejection(logger *logrus.Logger, err error, fields logrus.Fields) {
	var bookingErr *models.BookingError
	if !errors.As(err, &bookingErr) {
		logger.WithFields(fields).WithError(err).Error("Booking operation failed")
		return
	}

	entry := logger.WithFields(fields).WithFields(logrus.Fields{
		"code":     bookingErr.Code,
		"severity": bookingErr.Severity,
	})
	if bookingErr.Err != nil {
		entry = entry.WithError(bookingErr.Err)
	}

	switch bookingErr.Severity {
	case models.SeverityCritical:
		entry.WithField("critical", true).Error(bookingErr.Message)
	case models.SeverityUpstream:
		entry.Error(bookingErr.Message)
	case models.SeverityIntegrity, models.SeverityPayment:
		entry.Warn(bookingErr.Message)
	default:
		entry.Info(bookingErr.Message)
	}
}
