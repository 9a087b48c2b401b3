package services

import (
	"context"
	"errors"
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

// AdmissionState is a checkpoint of the admission pipeline
type AdmissionState string

const (
	StateReceived         AdmissionState = "received"
	StateAuthenticated    AdmissionState = "authenticated"
	StateValidated        AdmissionState = "validated"
	StateQuotaChecked     AdmissionState = "quota_checked"
	StateCapacityChecked  AdmissionState = "capacity_checked"
	StateTimeChecked      AdmissionState = "time_checked"
	StateConflictChecked  AdmissionState = "conflict_checked"
	StatePriced           AdmissionState = "priced"
	StatePriceVerified    AdmissionState = "price_verified"
	StatePersisted        AdmissionState = "persisted"
	StateQuotaIncremented AdmissionState = "quota_incremented"
	StateRejected         AdmissionState = "rejected"
)

// AdmissionResult is a pending booking accepted by the pipeline
type AdmissionResult struct {
	Booking         *models.Booking  `json:"booking"`
	Quote           pricing.Quote    `json:"quote"`
	MonthlyBookings int              `json:"monthly_bookings"`
	Trace           []AdmissionState `json:"trace"`
}

// BookingAdmissionService decides whether a proposed booking is accepted and what it costs
type BookingAdmissionService struct {
	rooms         RoomStore
	bookings      BookingStore
	users         UserStore
	subscriptions SubscriptionStore
	availability  *AvailabilityService
	auditor       Auditor
	events        EventPublisher
	policy        timeslot.Policy
	now           Clock
	logger        *logrus.Logger
}

// NewBookingAdmissionService creates a new booking admission service
func NewBookingAdmissionService(
	rooms RoomStore,
	bookings BookingStore,
	users UserStore,
	subscriptions SubscriptionStore,
	availability *AvailabilityService,
	auditor Auditor,
	events EventPublisher,
	policy timeslot.Policy,
	clock Clock,
	logger *logrus.Logger,
) *BookingAdmissionService {
	if clock == nil {
		clock = time.Now
	}
	return &BookingAdmissionService{
		rooms:         rooms,
		bookings:      bookings,
		users:         users,
		subscriptions: subscriptions,
		availability:  availability,
		auditor:       auditor,
		events:        events,
		policy:        policy,
		now:           clock,
		logger:        logger,
	}
}

// admission carries what the checks learned so far
type admission struct {
	trace []AdmissionState
	date  time.Time
	room  *models.Room
	tier  *models.SubscriptionTier
	quote pricing.Quote
}

func (a *admission) reach(state AdmissionState) {
	a.trace = append(a.trace, state)
}

func (a *admission) last() AdmissionState {
	return a.trace[len(a.trace)-1]
}

// quota returns the cap to enforce on persist, nil for unlimited
func (a *admission) quota() *int {
	if a.tier == nil {
		return nil
	}
	return a.tier.MaxMonthlyBookings
}

// Admit runs the full admission pipeline and persists a pending booking.
// Every failure is a *models.BookingError; no step is retried.
func (s *BookingAdmissionService) Admit(ctx context.Context, principal models.Principal, req *models.CreateBookingRequest) (result *AdmissionResult, err error) {
	ctx, span := obs.StartSpan(ctx, "booking", "booking.admit",
		attribute.String("user.id", principal.UserID.String()))
	defer func() { obs.EndSpan(span, err) }()

	a := &admission{trace: []AdmissionState{StateReceived}}
	log := s.logger.WithField("user_id", principal.UserID)
	if req != nil {
		log = log.WithField("room_id", req.RoomID)
	}

	defer func() {
		if err != nil {
			logRejection(s.logger, err, logrus.Fields{
				"user_id": principal.UserID,
				"state":   a.last(),
				"outcome": StateRejected,
			})
		}
	}()

	if err := s.evaluate(ctx, principal, req, a); err != nil {
		return nil, err
	}

	if !pricing.MatchesSubmitted(a.quote.Total, req.BookingTotalPrice) {
		log.WithFields(logrus.Fields{
			"submitted_price": req.BookingTotalPrice,
			"computed_price":  a.quote.Total,
		}).Warn("Submitted booking price does not match server price")

		if auditErr := s.auditor.LogPriceMismatch(ctx, principal, req.RoomID, req.BookingTotalPrice, a.quote.Total); auditErr != nil {
			log.WithError(auditErr).Error("Failed to audit price mismatch")
		}

		return nil, models.NewBookingError(models.CodePriceMismatch, "Submitted price does not match the current price").
			WithDetails("submitted %.2f, expected %.2f", req.BookingTotalPrice, a.quote.Total).
			WithHint("Refresh the booking form to get the current price")
	}
	a.reach(StatePriceVerified)

	booking := &models.Booking{
		ID:                 uuid.New(),
		RoomID:             req.RoomID,
		UserID:             principal.UserID,
		BookingDate:        a.date,
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
		BookingType:        models.BookingTypeBooking,
		NumberOfPeople:     req.NumberOfPeople,
		TotalPrice:         a.quote.Total,
		DiscountPercentage: a.quote.DiscountPercentage,
		PaymentStatus:      models.PaymentStatusPending,
		AmenityIDs:         req.AmenityIDs,
	}

	counter, err := s.bookings.CreatePending(ctx, booking, a.quota())
	if err != nil {
		return nil, s.persistError(err)
	}
	a.reach(StatePersisted)
	a.reach(StateQuotaIncremented)

	log.WithFields(logrus.Fields{
		"booking_id":       booking.ID,
		"total_price":      booking.TotalPrice,
		"monthly_bookings": counter,
	}).Info("Booking admitted")

	if pubErr := s.events.PublishJSON(ctx, mq.KeyBookingAdmitted, booking); pubErr != nil {
		log.WithError(pubErr).Warn("Failed to publish booking admitted event")
	}

	return &AdmissionResult{
		Booking:         booking,
		Quote:           a.quote,
		MonthlyBookings: counter,
		Trace:           a.trace,
	}, nil
}

// Quote runs the admission checks up to pricing without persisting anything
func (s *BookingAdmissionService) Quote(ctx context.Context, principal models.Principal, req *models.CreateBookingRequest) (*pricing.Quote, error) {
	a := &admission{trace: []AdmissionState{StateReceived}}
	if err := s.evaluate(ctx, principal, req, a); err != nil {
		logRejection(s.logger, err, logrus.Fields{
			"user_id": principal.UserID,
			"state":   a.last(),
			"quote":   true,
		})
		return nil, err
	}
	return &a.quote, nil
}

// evaluate runs every read-only checkpoint from Authenticated to Priced in fixed order
func (s *BookingAdmissionService) evaluate(ctx context.Context, principal models.Principal, req *models.CreateBookingRequest, a *admission) error {
	if !principal.IsAuthenticated() {
		return models.NewBookingError(models.CodeUnauthenticated, "Authentication required")
	}
	a.reach(StateAuthenticated)

	if err := s.validate(req, a); err != nil {
		return err
	}
	a.reach(StateValidated)

	if err := s.checkQuota(ctx, principal, a); err != nil {
		return err
	}
	a.reach(StateQuotaChecked)

	room, err := s.rooms.GetByID(ctx, req.RoomID)
	if err != nil {
		return storageError("failed to load room", err)
	}
	if room == nil {
		return models.NewBookingError(models.CodeRoomNotFound, "Room not found").
			WithDetails("room %s does not exist", req.RoomID)
	}
	if req.NumberOfPeople > room.Capacity {
		return models.NewBookingError(models.CodeCapacityExceeded, "Too many people for this room").
			WithDetails("room capacity is %d, requested %d", room.Capacity, req.NumberOfPeople).
			WithHint("Reduce the number of people or choose a larger room")
	}
	a.room = room
	a.reach(StateCapacityChecked)

	switch err := s.policy.CheckNotPast(a.date, req.StartTime, s.now()); {
	case errors.Is(err, timeslot.ErrPastDate):
		return models.NewBookingError(models.CodePastDate, "Cannot book a date in the past")
	case errors.Is(err, timeslot.ErrPastTime):
		return models.NewBookingError(models.CodePastTime, "Cannot book a time that has already passed").
			WithHint("Choose a later start time")
	}
	if !s.policy.WithinBusinessHours(req.StartTime, req.EndTime) {
		return models.NewBookingError(models.CodeInvalidTimeSlot, "Booking must be within business hours").
			WithDetails("open %02d:00-%02d:00", s.policy.OpeningHour, s.policy.ClosingHour)
	}
	a.reach(StateTimeChecked)

	if err := s.availability.Check(ctx, req.RoomID, a.date, req.StartTime, req.EndTime); err != nil {
		return err
	}
	a.reach(StateConflictChecked)

	amenityPrices, err := s.selectedAmenityPrices(ctx, room, req.AmenityIDs)
	if err != nil {
		return err
	}

	discountRate := 0.0
	if a.tier != nil {
		discountRate = a.tier.DiscountRate
	}
	quote, err := pricing.Calculate(pricing.Input{
		HourlyPrice:   room.HourlyPrice,
		Start:         req.StartTime,
		End:           req.EndTime,
		AmenityPrices: amenityPrices,
		DiscountRate:  discountRate,
	})
	if err != nil {
		return models.NewBookingError(models.CodeValidation, "Unable to price booking").
			WithDetails("%s", err.Error()).
			Wrap(err)
	}
	a.quote = quote
	a.reach(StatePriced)

	return nil
}

// validate covers the request shape and slot geometry; it never touches storage
func (s *BookingAdmissionService) validate(req *models.CreateBookingRequest, a *admission) error {
	if req == nil {
		return models.NewBookingError(models.CodeValidation, "Booking request is required")
	}
	if err := req.Validate(); err != nil {
		return models.NewBookingError(models.CodeValidation, "Invalid booking request").
			WithDetails("%s", err.Error())
	}

	date, err := s.policy.ParseDate(req.BookingDate)
	if err != nil {
		return models.NewBookingError(models.CodeValidation, "Invalid booking date").
			WithDetails("%s", err.Error())
	}
	a.date = date

	if !req.EndTime.After(req.StartTime) {
		return models.NewBookingError(models.CodeInvalidTimeSlot, "End time must be after start time")
	}
	if !s.policy.SameDate(date, req.StartTime) {
		return models.NewBookingError(models.CodeValidation, "Start time does not fall on the booking date").
			WithDetails("booking_date %s, start_time %s", req.BookingDate, req.StartTime.Format(time.RFC3339))
	}
	return nil
}

// checkQuota loads the member's tier and enforces current < max.
// Members without a tier book without discount or cap.
func (s *BookingAdmissionService) checkQuota(ctx context.Context, principal models.Principal, a *admission) error {
	user, err := s.users.GetByID(ctx, principal.UserID)
	if err != nil {
		return storageError("failed to load user", err)
	}
	if user == nil {
		return models.NewBookingError(models.CodeUnauthenticated, "User account not found")
	}
	if !user.HasSubscription() {
		return nil
	}

	tier, err := s.subscriptions.GetByID(ctx, *user.SubscriptionID)
	if err != nil {
		return storageError("failed to load subscription", err)
	}
	if tier == nil {
		return models.NewBookingError(models.CodeSubscriptionNotFound, "Subscription not found").
			WithDetails("subscription %s does not exist", *user.SubscriptionID)
	}

	if !tier.AllowsAnother(user.CurrentMonthlyBookings) {
		return models.NewBookingError(models.CodeSubscriptionLimitExceeded, "Monthly booking limit reached").
			WithDetails("%d of %d bookings used this month", user.CurrentMonthlyBookings, *tier.MaxMonthlyBookings).
			WithHint("Upgrade your subscription to book more rooms this month")
	}

	a.tier = tier
	return nil
}

// selectedAmenityPrices checks the selection against the room's offer and returns the prices
func (s *BookingAdmissionService) selectedAmenityPrices(ctx context.Context, room *models.Room, ids []uuid.UUID) ([]float64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		if !room.OffersAmenity(id) {
			return nil, models.NewBookingError(models.CodeInvalidAmenity, "Amenity is not offered by this room").
				WithDetails("amenity %s", id)
		}
	}

	amenities, err := s.rooms.GetAmenitiesByIDs(ctx, ids)
	if err != nil {
		return nil, storageError("failed to load amenities", err)
	}
	if len(amenities) != len(ids) {
		return nil, models.NewBookingError(models.CodeInvalidAmenity, "One or more amenities do not exist").
			WithDetails("requested %d, found %d", len(ids), len(amenities))
	}

	prices := make([]float64, 0, len(amenities))
	for _, amenity := range amenities {
		if amenity.EffectivePrice() < 0 {
			return nil, models.NewBookingError(models.CodeInvalidAmenity, "Amenity has an invalid price").
				WithDetails("amenity %s", amenity.ID)
		}
		prices = append(prices, amenity.EffectivePrice())
	}
	return prices, nil
}

// persistError maps the storage backstops onto the rejections admission would have produced
func (s *BookingAdmissionService) persistError(err error) error {
	switch {
	case errors.Is(err, database.ErrSlotTaken):
		return models.NewBookingError(models.CodeTimeSlotConflict, "The selected time slot is not available").
			WithDetails("another booking was confirmed for this slot").
			WithHint("Try a different time").
			Wrap(err)
	case errors.Is(err, database.ErrQuotaExceeded):
		return models.NewBookingError(models.CodeSubscriptionLimitExceeded, "Monthly booking limit reached").
			Wrap(err)
	default:
		return storageError("failed to create booking", err)
	}
}
