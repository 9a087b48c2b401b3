package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

var statusByCode = map[models.ErrorCode]int{
	models.CodeUnauthenticated:           http.StatusUnauthorized,
	models.CodeForbidden:                 http.StatusForbidden,
	models.CodeValidation:                http.StatusBadRequest,
	models.CodeInvalidTimeSlot:           http.StatusBadRequest,
	models.CodeCapacityExceeded:          http.StatusBadRequest,
	models.CodePastDate:                  http.StatusBadRequest,
	models.CodePastTime:                  http.StatusBadRequest,
	models.CodeInvalidAmenity:            http.StatusBadRequest,
	models.CodePriceMismatch:             http.StatusBadRequest,
	models.CodeSubscriptionLimitExceeded: http.StatusForbidden,
	models.CodeTimeSlotConflict:          http.StatusConflict,
	models.CodeOverlappingDates:          http.StatusConflict,
	models.CodeBookingConflict:           http.StatusConflict,
	models.CodeRoomUnavailable:           http.StatusConflict,
	models.CodeInvalidBookingState:       http.StatusConflict,
	models.CodeRoomNotFound:              http.StatusNotFound,
	models.CodeBookingNotFound:           http.StatusNotFound,
	models.CodeSubscriptionNotFound:      http.StatusNotFound,
	models.CodePaymentNotSucceeded:       http.StatusPaymentRequired,
	models.CodePaymentProcessor:          http.StatusBadGateway,
	models.CodeProcessorCustomer:         http.StatusBadGateway,
	models.CodeProcessorSubscription:     http.StatusBadGateway,
	models.CodePaymentIntent:             http.StatusBadGateway,
	models.CodeBookingRolledBack:         http.StatusConflict,
	models.CodeStorage:                   http.StatusInternalServerError,
	models.CodePaymentRecordingFailed:    http.StatusInternalServerError,
}

// StatusForError maps a booking error to its HTTP status
func StatusForError(err error) int {
	bookingErr, ok := models.AsBookingError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status, ok := statusByCode[bookingErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Errors that are not booking errors
// never leak their text to the client.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status := StatusForError(err)

	bookingErr, ok := models.AsBookingError(err)
	if !ok {
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Unhandled error")
		c.JSON(status, ErrorResponse{
			Error:   "internal_error",
			Message: "An unexpected error occurred",
			Code:    string(models.CodeStorage),
		})
		return
	}

	entry := logger.WithFields(logrus.Fields{
		"path":     c.Request.URL.Path,
		"code":     bookingErr.Code,
		"severity": bookingErr.Severity,
	})
	switch {
	case bookingErr.IsCritical():
		entry.WithError(err).Error("CRITICAL: request failed with critical booking error")
	case status >= http.StatusInternalServerError:
		entry.WithError(err).Error("Request failed")
	default:
		entry.Debug("Request rejected")
	}

	// Storage details can carry driver messages
	details := bookingErr.Details
	if bookingErr.Code == models.CodeStorage {
		details = ""
	}

	c.JSON(status, ErrorResponse{
		Error:   string(bookingErr.Severity),
		Message: bookingErr.Message,
		Code:    string(bookingErr.Code),
		Details: details,
		Hint:    bookingErr.Hint,
	})
}

// badRequest rejects a request body or parameter before it reaches a service
func badRequest(c *gin.Context, errorType, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   errorType,
		Message: message,
		Code:    string(models.CodeValidation),
	})
}
