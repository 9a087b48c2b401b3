package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/pricing"
)

// CheckoutService prepares processor side payments for bookings and subscriptions
type CheckoutService struct {
	bookings      BookingStore
	users         UserStore
	subscriptions SubscriptionStore
	processor     PaymentProcessor
	currency      string
	logger        *logrus.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	bookings BookingStore,
	users UserStore,
	subscriptions SubscriptionStore,
	processor PaymentProcessor,
	currency string,
	logger *logrus.Logger,
) *CheckoutService {
	return &CheckoutService{
		bookings:      bookings,
		users:         users,
		subscriptions: subscriptions,
		processor:     processor,
		currency:      currency,
		logger:        logger,
	}
}

// processorSetup tracks what one checkout attempt created at the processor
type processorSetup struct {
	userID          uuid.UUID
	customerID      string
	createdCustomer bool
	subscriptionID  string
}

// StartBookingPayment creates a payment intent for a pending booking owned by the principal
func (s *CheckoutService) StartBookingPayment(ctx context.Context, principal models.Principal, bookingID uuid.UUID) (*models.CheckoutResponse, error) {
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
		return nil, models.NewBookingError(models.CodeForbidden, "You can only pay for your own bookings")
	}
	if booking.PaymentStatus != models.PaymentStatusPending {
		return nil, models.NewBookingError(models.CodeInvalidBookingState, "Booking is not awaiting payment").
			WithDetails("payment status is %s", booking.PaymentStatus)
	}

	user, err := s.loadUser(ctx, booking.UserID)
	if err != nil {
		return nil, err
	}

	setup := &processorSetup{userID: user.ID}
	if err := s.ensureCustomer(ctx, user, setup); err != nil {
		return nil, err
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, PaymentIntentParams{
		AmountMinor: pricing.ToMinorUnits(booking.TotalPrice),
		Currency:    s.currency,
		CustomerID:  setup.customerID,
		Description: "Room booking " + booking.ID.String(),
		Metadata: map[string]string{
			"booking_id": booking.ID.String(),
			"user_id":    booking.UserID.String(),
			"type":       "booking",
		},
	})
	if err != nil {
		s.teardown(ctx, setup)
		return nil, processorError(models.CodePaymentIntent, "Failed to create payment intent", err)
	}

	if err := s.bookings.SetPaymentIntent(ctx, booking.ID, intent.ID); err != nil {
		if errors.Is(err, database.ErrNotPending) {
			return nil, models.NewBookingError(models.CodeInvalidBookingState, "Booking is no longer awaiting payment")
		}
		return nil, storageError("failed to save payment intent", err)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":        booking.ID,
		"payment_reference": intent.ID,
		"amount":            booking.TotalPrice,
	}).Info("Booking checkout started")

	return &models.CheckoutResponse{
		BookingID:        booking.ID,
		PaymentReference: intent.ID,
		ClientSecret:     intent.ClientSecret,
		Amount:           booking.TotalPrice,
		Currency:         s.currency,
	}, nil
}

// StartSubscription sets up customer, subscription and first payment for a tier.
// Anything created at the processor is torn down again when a later step fails.
func (s *CheckoutService) StartSubscription(ctx context.Context, principal models.Principal, tierID uuid.UUID) (*models.CheckoutResponse, error) {
	if !principal.IsAuthenticated() {
		return nil, models.NewBookingError(models.CodeUnauthenticated, "Authentication required")
	}

	tier, err := s.loadTier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if tier.ProcessorPriceID == nil || *tier.ProcessorPriceID == "" {
		return nil, models.NewBookingError(models.CodeValidation, "This subscription cannot be purchased online")
	}

	user, err := s.loadUser(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}

	setup := &processorSetup{userID: user.ID}
	if err := s.ensureCustomer(ctx, user, setup); err != nil {
		return nil, err
	}

	sub, err := s.processor.CreateSubscription(ctx, setup.customerID, *tier.ProcessorPriceID)
	if err != nil {
		s.teardown(ctx, setup)
		return nil, processorError(models.CodeProcessorSubscription, "Failed to create subscription", err)
	}
	setup.subscriptionID = sub.ID

	if sub.PaymentIntentID == "" || sub.ClientSecret == "" {
		s.teardown(ctx, setup)
		return nil, models.NewBookingError(models.CodePaymentIntent, "Subscription has no payment to confirm").
			WithDetails("subscription %s returned no payment intent", sub.ID)
	}

	activation := &models.SubscriptionActivation{
		PaymentRef:              sub.PaymentIntentID,
		UserID:                  user.ID,
		SubscriptionID:          tier.ID,
		ProcessorSubscriptionID: sub.ID,
		AmountMinor:             pricing.ToMinorUnits(tier.MonthlyPrice),
	}
	if err := s.subscriptions.CreateActivation(ctx, activation); err != nil {
		s.teardown(ctx, setup)
		return nil, storageError("failed to record subscription checkout", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":           user.ID,
		"subscription_id":   tier.ID,
		"processor_sub_id":  sub.ID,
		"payment_reference": sub.PaymentIntentID,
	}).Info("Subscription checkout started")

	return &models.CheckoutResponse{
		PaymentReference: sub.PaymentIntentID,
		ClientSecret:     sub.ClientSecret,
		Amount:           tier.MonthlyPrice,
		Currency:         s.currency,
		SubscriptionRef:  &sub.ID,
	}, nil
}

// ActivateSubscription links the tier to the member once the processor reports the
// first payment of their own checkout for that tier as succeeded. Each payment
// activates once, and the monthly counter starts over only when the tier changes.
func (s *CheckoutService) ActivateSubscription(ctx context.Context, principal models.Principal, tierID uuid.UUID, paymentRef string) (*models.User, error) {
	if !principal.IsAuthenticated() {
		return nil, models.NewBookingError(models.CodeUnauthenticated, "Authentication required")
	}

	tier, err := s.loadTier(ctx, tierID)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"user_id":           principal.UserID,
		"subscription_id":   tier.ID,
		"payment_reference": paymentRef,
	})

	activation, err := s.subscriptions.GetActivation(ctx, paymentRef)
	if err != nil {
		return nil, storageError("failed to load subscription checkout", err)
	}
	if activation == nil || activation.UserID != principal.UserID || activation.SubscriptionID != tier.ID {
		log.Warn("Activation with a payment from another checkout refused")
		return nil, models.NewBookingError(models.CodeForbidden, "Payment does not belong to this subscription checkout")
	}
	if activation.IsConsumed() {
		log.Warn("Activation with an already used payment refused")
		return nil, models.NewBookingError(models.CodeForbidden, "Payment has already been used to activate a subscription")
	}

	status, err := s.processor.RetrievePaymentStatus(ctx, paymentRef)
	if err != nil {
		return nil, processorError(models.CodePaymentProcessor, "Failed to verify payment", err)
	}
	if !status.Succeeded() {
		return nil, models.NewBookingError(models.CodePaymentNotSucceeded, "Payment has not succeeded").
			WithDetails("processor status %q", status.Status)
	}
	if status.AmountMinor != activation.AmountMinor {
		log.WithFields(logrus.Fields{
			"charged_minor":  status.AmountMinor,
			"expected_minor": activation.AmountMinor,
		}).Error("Subscription payment amount differs from tier price")
		return nil, models.NewBookingError(models.CodePaymentNotSucceeded, "Payment does not cover the subscription price").
			WithDetails("charged %d, expected %d minor units", status.AmountMinor, activation.AmountMinor)
	}

	if err := s.users.ActivateSubscription(ctx, principal.UserID, tier.ID, paymentRef); err != nil {
		if errors.Is(err, database.ErrPaymentReused) {
			return nil, models.NewBookingError(models.CodeForbidden, "Payment has already been used to activate a subscription")
		}
		return nil, storageError("failed to activate subscription", err)
	}

	log.Info("Subscription activated")

	return s.loadUser(ctx, principal.UserID)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *CheckoutService) loadUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, storageError("failed to load user", err)
	}
	if user == nil {
		return nil, models.NewBookingError(models.CodeUnauthenticated, "User account not found")
	}
	return user, nil
}

func (s *CheckoutService) loadTier(ctx context.Context, id uuid.UUID) (*models.SubscriptionTier, error) {
	tier, err := s.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, storageError("failed to load subscription", err)
	}
	if tier == nil {
		return nil, models.NewBookingError(models.CodeSubscriptionNotFound, "Subscription not found")
	}
	return tier, nil
}

// ensureCustomer reuses the member's processor customer or creates one
func (s *CheckoutService) ensureCustomer(ctx context.Context, user *models.User, setup *processorSetup) error {
	if user.ProcessorCustomerID != nil && *user.ProcessorCustomerID != "" {
		setup.customerID = *user.ProcessorCustomerID
		return nil
	}

	customerID, err := s.processor.CreateCustomer(ctx, CustomerParams{
		Email:  user.Email,
		Name:   user.DisplayName(),
		UserID: user.ID,
	})
	if err != nil {
		return processorError(models.CodeProcessorCustomer, "Failed to create payment customer", err)
	}
	setup.customerID = customerID
	setup.createdCustomer = true

	if err := s.users.SetProcessorCustomerID(ctx, user.ID, &customerID); err != nil {
		s.teardown(ctx, setup)
		return storageError("failed to save payment customer", err)
	}
	return nil
}

// teardown removes the processor objects this attempt created. Failures are logged only;
// the caller is already returning the original error.
func (s *CheckoutService) teardown(ctx context.Context, setup *processorSetup) {
	log := s.logger.WithFields(logrus.Fields{
		"user_id":     setup.userID,
		"customer_id": setup.customerID,
	})

	if setup.subscriptionID != "" {
		if err := s.processor.CancelSubscription(ctx, setup.subscriptionID); err != nil {
			log.WithError(err).WithField("processor_sub_id", setup.subscriptionID).Error("Failed to cancel orphaned subscription")
		}
	}

	if !setup.createdCustomer {
		return
	}
	if err := s.processor.DeleteCustomer(ctx, setup.customerID); err != nil {
		log.WithError(err).Error("Failed to delete orphaned customer")
	}
	if err := s.users.SetProcessorCustomerID(ctx, setup.userID, nil); err != nil {
		log.WithError(err).Warn("Failed to clear customer reference")
	}
}
