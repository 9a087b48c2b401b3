package services

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/pkg/pricing"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
)

// ============================================================================
// SHARED FIXTURES
// ============================================================================

const testDate = "2030-06-10"

var errStoreDown = errors.New("connection refused")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// at returns a wall clock time on testDate in UTC
func at(hour, minute int) time.Time {
	return time.Date(2030, 6, 10, hour, minute, 0, 0, time.UTC)
}

func testDay() time.Time {
	return time.Date(2030, 6, 10, 0, 0, 0, 0, time.UTC)
}

func testCtx() context.Context {
	return context.Background()
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func stringPtr(v string) *string { return &v }

func uuidPtr(v uuid.UUID) *uuid.UUID { return &v }

// ============================================================================
// ROOMS
// ============================================================================

type fakeRoomStore struct {
	mu               sync.Mutex
	rooms            map[uuid.UUID]*models.Room
	unavailabilities map[uuid.UUID][]models.Unavailability
	amenities        map[uuid.UUID]models.Amenity
	getErr           error
	calls            int
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{
		rooms:            map[uuid.UUID]*models.Room{},
		unavailabilities: map[uuid.UUID][]models.Unavailability{},
		amenities:        map[uuid.UUID]models.Amenity{},
	}
}

func (f *fakeRoomStore) GetByID(_ context.Context, id uuid.UUID) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	room, ok := f.rooms[id]
	if !ok {
		return nil, nil
	}
	copied := *room
	return &copied, nil
}

func (f *fakeRoomStore) ListUnavailabilities(_ context.Context, roomID uuid.UUID) ([]models.Unavailability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]models.Unavailability{}, f.unavailabilities[roomID]...), nil
}

func (f *fakeRoomStore) CreateUnavailability(_ context.Context, u *models.Unavailability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.unavailabilities[u.RoomID] {
		if timeslot.DateRangesOverlap(u.StartDate, u.EndDate, existing.StartDate, existing.EndDate) {
			return database.ErrDatesOverlap
		}
	}
	f.unavailabilities[u.RoomID] = append(f.unavailabilities[u.RoomID], *u)
	return nil
}

func (f *fakeRoomStore) GetAmenitiesByIDs(_ context.Context, ids []uuid.UUID) ([]models.Amenity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	found := []models.Amenity{}
	for _, id := range ids {
		if amenity, ok := f.amenities[id]; ok {
			found = append(found, amenity)
		}
	}
	return found, nil
}

// ============================================================================
// BOOKINGS
// ============================================================================

type fakeBookingStore struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*models.Booking
	links    map[uuid.UUID][]uuid.UUID
	users    *fakeUserStore

	createErr      error
	markPaidErr    error
	deleteErr      error
	deleteLinksErr error
	listErr        error
	calls          int
}

func newFakeBookingStore(users *fakeUserStore) *fakeBookingStore {
	return &fakeBookingStore{
		bookings: map[uuid.UUID]*models.Booking{},
		links:    map[uuid.UUID][]uuid.UUID{},
		users:    users,
	}
}

// seed stores a row directly, bypassing quota
func (f *fakeBookingStore) seed(b models.Booking) *models.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.BookingType == "" {
		b.BookingType = models.BookingTypeBooking
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	f.bookings[b.ID] = &b
	if len(b.AmenityIDs) > 0 {
		f.links[b.ID] = append([]uuid.UUID{}, b.AmenityIDs...)
	}
	return &b
}

func (f *fakeBookingStore) overlapsLocked(roomID uuid.UUID, start, end time.Time) bool {
	for _, existing := range f.bookings {
		if existing.RoomID == roomID && existing.BlocksTimeline() &&
			timeslot.Overlaps(start, end, existing.StartTime, existing.EndTime) {
			return true
		}
	}
	return false
}

func (f *fakeBookingStore) count(bookingType models.BookingType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.bookings {
		if b.BookingType == bookingType {
			n++
		}
	}
	return n
}

func (f *fakeBookingStore) get(id uuid.UUID) *models.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil
	}
	copied := *b
	return &copied
}

func (f *fakeBookingStore) GetByID(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	b, ok := f.bookings[id]
	if !ok {
		return nil, nil
	}
	copied := *b
	copied.AmenityIDs = append([]uuid.UUID{}, f.links[id]...)
	return &copied, nil
}

func (f *fakeBookingStore) ListActiveInRange(_ context.Context, roomID uuid.UUID, from, to time.Time) ([]models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	found := []models.Booking{}
	for _, b := range f.bookings {
		if b.RoomID == roomID && b.BlocksTimeline() && b.StartTime.Before(to) && b.EndTime.After(from) {
			found = append(found, *b)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].StartTime.Before(found[j].StartTime) })
	return found, nil
}

func (f *fakeBookingStore) CountActiveInDateRange(_ context.Context, roomID uuid.UUID, startDate, endDate time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.bookings {
		if b.RoomID == roomID && b.BookingType == models.BookingTypeBooking && b.BlocksTimeline() &&
			timeslot.DateWithin(b.BookingDate, startDate, endDate) {
			n++
		}
	}
	return n, nil
}

func (f *fakeBookingStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := []models.Booking{}
	for _, b := range f.bookings {
		if b.PaymentStatus == models.PaymentStatusPending && b.BookingType == models.BookingTypeBooking && b.CreatedAt.Before(cutoff) {
			found = append(found, *b)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (f *fakeBookingStore) CreatePending(_ context.Context, b *models.Booking, quota *int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	if f.overlapsLocked(b.RoomID, b.StartTime, b.EndTime) {
		return 0, database.ErrSlotTaken
	}

	counter, err := f.users.increment(b.UserID, quota)
	if err != nil {
		return 0, err
	}

	copied := *b
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	f.bookings[b.ID] = &copied
	if len(b.AmenityIDs) > 0 {
		f.links[b.ID] = append([]uuid.UUID{}, b.AmenityIDs...)
	}
	return counter, nil
}

func (f *fakeBookingStore) SetPaymentIntent(_ context.Context, id uuid.UUID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok || b.PaymentStatus != models.PaymentStatusPending {
		return database.ErrNotPending
	}
	b.PaymentIntentRef = &ref
	return nil
}

func (f *fakeBookingStore) MarkPaid(_ context.Context, id uuid.UUID, transactionRef string, receiptURL *string, paidAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markPaidErr != nil {
		return f.markPaidErr
	}
	b, ok := f.bookings[id]
	if !ok || b.PaymentStatus != models.PaymentStatusPending {
		return database.ErrNotPending
	}
	b.PaymentStatus = models.PaymentStatusPaid
	b.TransactionRef = &transactionRef
	b.ReceiptURL = receiptURL
	b.PaidAt = &paidAt
	return nil
}

func (f *fakeBookingStore) CreateBuffer(_ context.Context, b *models.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overlapsLocked(b.RoomID, b.StartTime, b.EndTime) {
		return database.ErrSlotTaken
	}
	copied := *b
	f.bookings[b.ID] = &copied
	return nil
}

func (f *fakeBookingStore) DeleteAmenityLinks(_ context.Context, bookingID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteLinksErr != nil {
		return 0, f.deleteLinksErr
	}
	n := int64(len(f.links[bookingID]))
	delete(f.links, bookingID)
	return n, nil
}

func (f *fakeBookingStore) DeleteBufferStartingAt(_ context.Context, roomID uuid.UUID, start time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, b := range f.bookings {
		if b.RoomID == roomID && b.IsBuffer() && b.StartTime.Equal(start) {
			delete(f.bookings, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeBookingStore) Delete(_ context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	if _, ok := f.bookings[id]; !ok {
		return 0, nil
	}
	delete(f.bookings, id)
	return 1, nil
}

// ============================================================================
// USERS AND SUBSCRIPTIONS
// ============================================================================

type fakeUserStore struct {
	mu           sync.Mutex
	users        map[uuid.UUID]*models.User
	subs         *fakeSubscriptionStore
	decrementErr error
	customerErr  error
	calls        int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[uuid.UUID]*models.User{}}
}

func (f *fakeUserStore) add(u models.User) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	f.users[u.ID] = &u
	return &u
}

func (f *fakeUserStore) counter(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].CurrentMonthlyBookings
}

// increment applies the same increment-with-check the SQL repository does
func (f *fakeUserStore) increment(id uuid.UUID, quota *int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok || (quota != nil && u.CurrentMonthlyBookings >= *quota) {
		return 0, database.ErrQuotaExceeded
	}
	u.CurrentMonthlyBookings++
	return u.CurrentMonthlyBookings, nil
}

func (f *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserStore) DecrementMonthlyBookings(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decrementErr != nil {
		return false, f.decrementErr
	}
	u, ok := f.users[id]
	if !ok || u.CurrentMonthlyBookings <= 0 {
		return false, nil
	}
	u.CurrentMonthlyBookings--
	return true, nil
}

func (f *fakeUserStore) SetProcessorCustomerID(_ context.Context, id uuid.UUID, customerID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return f.customerErr
	}
	if u, ok := f.users[id]; ok {
		u.ProcessorCustomerID = customerID
	}
	return nil
}

// ActivateSubscription consumes the activation the way the SQL repository does
func (f *fakeUserStore) ActivateSubscription(_ context.Context, id, subscriptionID uuid.UUID, paymentRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return errors.New("user not found")
	}
	if !f.subs.consume(paymentRef, id, subscriptionID) {
		return database.ErrPaymentReused
	}
	if u.SubscriptionID == nil || *u.SubscriptionID != subscriptionID {
		u.CurrentMonthlyBookings = 0
	}
	u.SubscriptionID = &subscriptionID
	return nil
}

func (f *fakeUserStore) ResetMonthlyBookings(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, u := range f.users {
		if u.CurrentMonthlyBookings > 0 {
			u.CurrentMonthlyBookings = 0
			n++
		}
	}
	return n, nil
}

type fakeSubscriptionStore struct {
	mu          sync.Mutex
	tiers       map[uuid.UUID]*models.SubscriptionTier
	activations map[string]*models.SubscriptionActivation
}

func newFakeSubscriptionStore() *fakeSubscriptionStore {
	return &fakeSubscriptionStore{
		tiers:       map[uuid.UUID]*models.SubscriptionTier{},
		activations: map[string]*models.SubscriptionActivation{},
	}
}

func (f *fakeSubscriptionStore) add(t models.SubscriptionTier) *models.SubscriptionTier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.tiers[t.ID] = &t
	return &t
}

func (f *fakeSubscriptionStore) consume(paymentRef string, userID, subscriptionID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activations[paymentRef]
	if !ok || a.UserID != userID || a.SubscriptionID != subscriptionID || a.IsConsumed() {
		return false
	}
	now := time.Now()
	a.ConsumedAt = &now
	return true
}

func (f *fakeSubscriptionStore) GetByID(_ context.Context, id uuid.UUID) (*models.SubscriptionTier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tiers[id]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (f *fakeSubscriptionStore) CreateActivation(_ context.Context, a *models.SubscriptionActivation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.activations[a.PaymentRef]; exists {
		return database.ErrPaymentReused
	}
	copied := *a
	copied.CreatedAt = time.Now()
	f.activations[a.PaymentRef] = &copied
	return nil
}

func (f *fakeSubscriptionStore) GetActivation(_ context.Context, paymentRef string) (*models.SubscriptionActivation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activations[paymentRef]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

// ============================================================================
// PROCESSOR, AUDIT, EVENTS
// ============================================================================

type fakeProcessor struct {
	mu       sync.Mutex
	statuses map[string]*PaymentStatusResult
	receipts map[string]string

	customerErr     error
	intentErr       error
	subscriptionErr error
	statusErr       error
	cancelErr       error
	receiptErr      error
	subscription    *ProcessorSubscription

	createdCustomers []string
	deletedCustomers []string
	intents          []PaymentIntentParams
	cancelledSubs    []string
	cancelledIntents []string
	statusLookups    int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		statuses: map[string]*PaymentStatusResult{},
		receipts: map[string]string{},
	}
}

// succeed records ref as a settled charge of amountMinor created with metadata
func (f *fakeProcessor) succeed(ref string, amountMinor int64, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = &PaymentStatusResult{
		Status:        PaymentStatusSucceeded,
		TransactionID: "ch_" + ref,
		AmountMinor:   amountMinor,
		Metadata:      metadata,
	}
	f.receipts[ref] = "https://pay.example.com/receipts/" + ref
}

// pay settles ref as the full price of the booking, created by its checkout
func (f *fakeProcessor) pay(ref string, b *models.Booking) {
	f.succeed(ref, pricing.ToMinorUnits(b.TotalPrice), bookingMetadata(b))
}

func bookingMetadata(b *models.Booking) map[string]string {
	return map[string]string{
		"type":       "booking",
		"booking_id": b.ID.String(),
		"user_id":    b.UserID.String(),
	}
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, params CustomerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return "", f.customerErr
	}
	id := "cus_" + params.UserID.String()[:8]
	f.createdCustomers = append(f.createdCustomers, id)
	return id, nil
}

func (f *fakeProcessor) DeleteCustomer(_ context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedCustomers = append(f.deletedCustomers, customerID)
	return nil
}

func (f *fakeProcessor) CreatePaymentIntent(_ context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	f.intents = append(f.intents, params)
	return &PaymentIntent{ID: "pi_test", ClientSecret: "pi_test_secret", Status: "requires_payment_method"}, nil
}

func (f *fakeProcessor) CreateSubscription(_ context.Context, customerID, priceID string) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscriptionErr != nil {
		return nil, f.subscriptionErr
	}
	if f.subscription != nil {
		return f.subscription, nil
	}
	return &ProcessorSubscription{
		ID:              "sub_test",
		Status:          "incomplete",
		LatestInvoiceID: "in_test",
		PaymentIntentID: "pi_sub",
		ClientSecret:    "pi_sub_secret",
	}, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledSubs = append(f.cancelledSubs, subscriptionID)
	return nil
}

func (f *fakeProcessor) RetrievePaymentStatus(_ context.Context, ref string) (*PaymentStatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusLookups++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if status, ok := f.statuses[ref]; ok {
		return status, nil
	}
	return &PaymentStatusResult{Status: "requires_payment_method"}, nil
}

func (f *fakeProcessor) CancelPaymentIntent(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelledIntents = append(f.cancelledIntents, ref)
	status := &PaymentStatusResult{Status: PaymentStatusCanceled}
	if previous, ok := f.statuses[ref]; ok {
		status.AmountMinor = previous.AmountMinor
		status.Metadata = previous.Metadata
	}
	f.statuses[ref] = status
	return nil
}

func (f *fakeProcessor) RetrieveReceipt(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return "", f.receiptErr
	}
	return f.receipts[ref], nil
}

type auditCall struct {
	action    string
	bookingID uuid.UUID
	submitted float64
	computed  float64
}

type fakeAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (f *fakeAuditor) LogPriceMismatch(_ context.Context, _ models.Principal, _ uuid.UUID, submitted, computed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{action: AuditActionPriceMismatch, submitted: submitted, computed: computed})
	return nil
}

func (f *fakeAuditor) LogCriticalFailure(_ context.Context, bookingID, _ uuid.UUID, _ string, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{action: AuditActionCriticalFailure, bookingID: bookingID})
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) published(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}
