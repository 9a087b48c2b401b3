package models

import (
	"errors"
	"fmt"
)

// ErrorSeverity groups error codes by who has to act on them
type ErrorSeverity string

const (
	SeverityValidation ErrorSeverity = "validation" // malformed input
	SeverityPolicy     ErrorSeverity = "policy"     // business rule said no
	SeverityIntegrity  ErrorSeverity = "integrity"  // client sent data the server does not trust
	SeverityUpstream   ErrorSeverity = "upstream"   // storage or payment processor failed
	SeverityPayment    ErrorSeverity = "payment"    // the charge itself did not succeed
	SeverityCritical   ErrorSeverity = "critical"   // operator must intervene
)

// ErrorCode is the stable machine readable identifier returned to clients
type ErrorCode string

const (
	CodeUnauthenticated           ErrorCode = "UNAUTHENTICATED"
	CodeForbidden                 ErrorCode = "FORBIDDEN"
	CodeValidation                ErrorCode = "VALIDATION_ERROR"
	CodeInvalidTimeSlot           ErrorCode = "INVALID_TIME_SLOT"
	CodeCapacityExceeded          ErrorCode = "CAPACITY_EXCEEDED"
	CodePastDate                  ErrorCode = "PAST_DATE"
	CodePastTime                  ErrorCode = "PAST_TIME"
	CodeSubscriptionLimitExceeded ErrorCode = "SUBSCRIPTION_LIMIT_EXCEEDED"
	CodeTimeSlotConflict          ErrorCode = "TIME_SLOT_CONFLICT"
	CodeInvalidAmenity            ErrorCode = "INVALID_AMENITY"
	CodeOverlappingDates          ErrorCode = "OVERLAPPING_DATES"
	CodeBookingConflict           ErrorCode = "BOOKING_CONFLICT"
	CodeRoomNotFound              ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomUnavailable           ErrorCode = "ROOM_UNAVAILABLE"
	CodeBookingNotFound           ErrorCode = "BOOKING_NOT_FOUND"
	CodeSubscriptionNotFound      ErrorCode = "SUBSCRIPTION_NOT_FOUND"
	CodeInvalidBookingState       ErrorCode = "INVALID_BOOKING_STATE"
	CodePriceMismatch             ErrorCode = "PRICE_MISMATCH"
	CodeStorage                   ErrorCode = "STORAGE_ERROR"
	CodePaymentNotSucceeded       ErrorCode = "PAYMENT_NOT_SUCCEEDED"
	CodePaymentProcessor          ErrorCode = "PAYMENT_PROCESSOR_ERROR"
	CodeProcessorCustomer         ErrorCode = "STRIPE_CUSTOMER_ERROR"
	CodeProcessorSubscription     ErrorCode = "STRIPE_SUBSCRIPTION_ERROR"
	CodePaymentIntent             ErrorCode = "PAYMENT_INTENT_ERROR"
	CodeBookingRolledBack         ErrorCode = "BOOKING_ROLLED_BACK"
	CodePaymentRecordingFailed    ErrorCode = "PAYMENT_RECORDING_FAILED"
)

var severityByCode = map[ErrorCode]ErrorSeverity{
	CodeUnauthenticated:           SeverityValidation,
	CodeForbidden:                 SeverityPolicy,
	CodeValidation:                SeverityValidation,
	CodeInvalidTimeSlot:           SeverityValidation,
	CodeCapacityExceeded:          SeverityPolicy,
	CodePastDate:                  SeverityPolicy,
	CodePastTime:                  SeverityPolicy,
	CodeSubscriptionLimitExceeded: SeverityPolicy,
	CodeTimeSlotConflict:          SeverityPolicy,
	CodeInvalidAmenity:            SeverityPolicy,
	CodeOverlappingDates:          SeverityPolicy,
	CodeBookingConflict:           SeverityPolicy,
	CodeRoomNotFound:              SeverityPolicy,
	CodeRoomUnavailable:           SeverityPolicy,
	CodeBookingNotFound:           SeverityPolicy,
	CodeSubscriptionNotFound:      SeverityPolicy,
	CodeInvalidBookingState:       SeverityPolicy,
	CodePriceMismatch:             SeverityIntegrity,
	CodeStorage:                   SeverityUpstream,
	CodePaymentNotSucceeded:       SeverityPayment,
	CodePaymentProcessor:          SeverityUpstream,
	CodeProcessorCustomer:         SeverityUpstream,
	CodeProcessorSubscription:     SeverityUpstream,
	CodePaymentIntent:             SeverityUpstream,
	CodeBookingRolledBack:         SeverityUpstream,
	CodePaymentRecordingFailed:    SeverityCritical,
}

// BookingError is the structured error every booking operation returns
type BookingError struct {
	Code     ErrorCode     `json:"code"`
	Message  string        `json:"message"`
	Details  string        `json:"details,omitempty"`
	Hint     string        `json:"hint,omitempty"`
	Severity ErrorSeverity `json:"severity"`
	Err      error         `json:"-"`
}

// NewBookingError creates an error whose severity follows from its code
func NewBookingError(code ErrorCode, message string) *BookingError {
	severity, ok := severityByCode[code]
	if !ok {
		severity = SeverityUpstream
	}
	return &BookingError{
		Code:     code,
		Message:  message,
		Severity: severity,
	}
}

func (e *BookingError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// WithDetails attaches diagnostic details
func (e *BookingError) WithDetails(format string, args ...any) *BookingError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithHint attaches a user facing suggestion
func (e *BookingError) WithHint(hint string) *BookingError {
	e.Hint = hint
	return e
}

// Wrap records the underlying cause
func (e *BookingError) Wrap(err error) *BookingError {
	e.Err = err
	return e
}

// AsCritical escalates the error so operators get notified
func (e *BookingError) AsCritical() *BookingError {
	e.Severity = SeverityCritical
	return e
}

// IsCritical reports whether the error needs operator attention
func (e *BookingError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// AsBookingError extracts a *BookingError from an error chain
func AsBookingError(err error) (*BookingError, bool) {
	var bookingErr *BookingError
	if errors.As(err, &bookingErr) {
		return bookingErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given booking error code
func HasCode(err error, code ErrorCode) bool {
	bookingErr, ok := AsBookingError(err)
	return ok && bookingErr.Code == code
}
