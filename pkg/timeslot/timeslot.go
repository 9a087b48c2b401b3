package timeslot

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the wire format for booking and unavailability dates
const DateLayout = "2006-01-02"

const (
	DefaultOpeningHour       = 9
	DefaultClosingHour       = 22
	DefaultBufferDuration    = 30 * time.Minute
	DefaultMinBufferDuration = 30 * time.Minute
)

var (
	// ErrPastDate indicates the booking date is before today
	ErrPastDate = errors.New("booking date is in the past")

	// ErrPastTime indicates the booking is today but its start time has already passed
	ErrPastTime = errors.New("booking start time has already passed")

	// ErrInvalidRange indicates end is not strictly after start
	ErrInvalidRange = errors.New("end time must be after start time")
)

// Policy holds the fixed business rules of the venue timeline.
// All wall-clock comparisons happen in Location.
type Policy struct {
	Location          *time.Location
	OpeningHour       int
	ClosingHour       int
	BufferDuration    time.Duration
	MinBufferDuration time.Duration
}

// Window is a half-open interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// DefaultPolicy returns the 09:00-22:00 UTC policy with 30 minute buffers
func DefaultPolicy() Policy {
	return NewPolicy(time.UTC, DefaultOpeningHour, DefaultClosingHour, DefaultBufferDuration)
}

// NewPolicy creates a policy for the given business timezone and opening hours
func NewPolicy(loc *time.Location, openingHour, closingHour int, buffer time.Duration) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{
		Location:          loc,
		OpeningHour:       openingHour,
		ClosingHour:       closingHour,
		BufferDuration:    buffer,
		MinBufferDuration: buffer,
	}
}

// Overlaps reports whether [startA, endA) and [startB, endB) intersect.
// Touching endpoints do not overlap.
func Overlaps(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && startB.Before(endA)
}

// DateRangesOverlap compares closed calendar-date ranges, ignoring time of day
func DateRangesOverlap(start1, end1, start2, end2 time.Time) bool {
	return !civil(start1).After(civil(end2)) && !civil(start2).After(civil(end1))
}

// DateWithin reports whether date falls inside the closed range [start, end]
func DateWithin(date, start, end time.Time) bool {
	d := civil(date)
	return !d.Before(civil(start)) && !d.After(civil(end))
}

// civil strips the time of day and location, keeping the calendar date as written
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as midnight in the business timezone
func (p Policy) ParseDate(value string) (time.Time, error) {
	date, err := time.ParseInLocation(DateLayout, value, p.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", value)
	}
	return date, nil
}

// SameDate reports whether t, seen in the business timezone, falls on date
func (p Policy) SameDate(date, t time.Time) bool {
	return civil(date).Equal(civil(t.In(p.Location)))
}

// WithinBusinessHours reports whether [start, end) lies within opening hours
// of a single business day.
func (p Policy) WithinBusinessHours(start, end time.Time) bool {
	s := start.In(p.Location)
	e := end.In(p.Location)
	if !e.After(s) {
		return false
	}

	y, m, d := s.Date()
	opening := time.Date(y, m, d, p.OpeningHour, 0, 0, 0, p.Location)
	closing := time.Date(y, m, d, p.ClosingHour, 0, 0, 0, p.Location)

	return !s.Before(opening) && !e.After(closing)
}

// IsInPast reports whether a slot on date starting at start is already in the past at now
func (p Policy) IsInPast(date, start, now time.Time) bool {
	return p.CheckNotPast(date, start, now) != nil
}

// CheckNotPast returns ErrPastDate when date is before today and ErrPastTime
// when date is today but start is before now.
func (p Policy) CheckNotPast(date, start, now time.Time) error {
	today := civil(now.In(p.Location))
	day := civil(date)

	if day.Before(today) {
		return ErrPastDate
	}
	if day.Equal(today) && start.Before(now) {
		return ErrPastTime
	}
	return nil
}

// ComputeBufferWindow returns the cleaning buffer that follows a booking ending at end.
// The buffer is clipped at closing time and skipped entirely when the clipped
// window is shorter than MinBufferDuration or the booking ends at or after closing hour.
func (p Policy) ComputeBufferWindow(end time.Time) (Window, bool) {
	e := end.In(p.Location)
	if e.Hour() >= p.ClosingHour {
		return Window{}, false
	}

	y, m, d := e.Date()
	closing := time.Date(y, m, d, p.ClosingHour, 0, 0, 0, p.Location)

	bufferEnd := e.Add(p.BufferDuration)
	if bufferEnd.After(closing) {
		bufferEnd = closing
	}

	if bufferEnd.Sub(e) < p.MinBufferDuration {
		return Window{}, false
	}

	return Window{Start: end, End: bufferEnd}, true
}

// ReservationWindow is the unclipped window after end that admission keeps free
func (p Policy) ReservationWindow(end time.Time) Window {
	return Window{Start: end, End: end.Add(p.BufferDuration)}
}

// Hours returns the fractional number of hours in [start, end)
func Hours(start, end time.Time) (float64, error) {
	if !end.After(start) {
		return 0, ErrInvalidRange
	}
	return end.Sub(start).Hours(), nil
}
