package pricing

import (
	"errors"
	"math"
	"time"
)

// PriceTolerance is the largest accepted difference between a submitted
// total and the server computed total, in currency units.
const PriceTolerance = 0.01

// comparisonEpsilon absorbs float noise when the difference sits exactly on the tolerance
const comparisonEpsilon = 1e-9

var (
	// ErrInvalidDuration indicates end is not after start
	ErrInvalidDuration = errors.New("booking end time must be after start time")

	// ErrNegativePrice indicates a negative hourly or amenity price
	ErrNegativePrice = errors.New("prices cannot be negative")

	// ErrInvalidDiscount indicates a discount rate outside 0-100
	ErrInvalidDiscount = errors.New("discount rate must be between 0 and 100")
)

// Input carries everything the engine needs to price one booking
type Input struct {
	HourlyPrice   float64
	Start         time.Time
	End           time.Time
	AmenityPrices []float64
	DiscountRate  float64 // percent, 0-100
}

// Quote is the server side price breakdown of a booking
type Quote struct {
	Hours              float64  `json:"hours"`
	RoomSubtotal       float64  `json:"room_subtotal"`
	AmenitiesSubtotal  float64  `json:"amenities_subtotal"`
	Subtotal           float64  `json:"subtotal"`
	DiscountAmount     float64  `json:"discount_amount"`
	DiscountPercentage *float64 `json:"discount_percentage,omitempty"`
	Total              float64  `json:"total"`
}

// Calculate prices a booking. Amenities are charged once per booking.
func Calculate(in Input) (Quote, error) {
	if !in.End.After(in.Start) {
		return Quote{}, ErrInvalidDuration
	}
	if in.HourlyPrice < 0 {
		return Quote{}, ErrNegativePrice
	}
	if in.DiscountRate < 0 || in.DiscountRate > 100 {
		return Quote{}, ErrInvalidDiscount
	}

	hours := in.End.Sub(in.Start).Hours()
	roomSubtotal := in.HourlyPrice * hours

	amenitiesSubtotal := 0.0
	for _, price := range in.AmenityPrices {
		if price < 0 {
			return Quote{}, ErrNegativePrice
		}
		amenitiesSubtotal += price
	}

	subtotal := roomSubtotal + amenitiesSubtotal
	discountAmount := subtotal * in.DiscountRate / 100
	total := math.Max(0, subtotal-discountAmount)

	quote := Quote{
		Hours:             hours,
		RoomSubtotal:      Round(roomSubtotal),
		AmenitiesSubtotal: Round(amenitiesSubtotal),
		Subtotal:          Round(subtotal),
		DiscountAmount:    Round(discountAmount),
		Total:             Round(total),
	}

	if in.DiscountRate > 0 {
		rate := in.DiscountRate
		quote.DiscountPercentage = &rate
	}

	return quote, nil
}

// MatchesSubmitted reports whether the client supplied total is within
// PriceTolerance of the server computed total.
func MatchesSubmitted(serverTotal, submittedTotal float64) bool {
	return math.Abs(serverTotal-submittedTotal) <= PriceTolerance+comparisonEpsilon
}

// Round rounds to cents, half away from zero
func Round(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// ToMinorUnits converts an amount to the integer minor units payment processors expect
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
