package payments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
)

var testCreds = config.Credentials{
	ConsumerKey:    "key",
	ConsumerSecret: "secret",
	Passkey:        "passkey",
	Shortcode:      "174379",
	Environment:    config.EnvironmentSandbox,
}

func testOptions() Options {
	return Options{
		TransactionType: "CustomerPayBillOnline",
		CallbackURL:     "https://shop.example.co.ke/api/payments/mpesa/callback",
		TransactionDesc: "Order payment",
		ReferencePrefix: "PAY",
		Location:        time.FixedZone("EAT", 3*3600),
		PromptWindow:    2 * time.Minute,
	}
}

// memStore - AttemptStore в памяти с той же семантикой CAS, что и MySQL.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	attempts map[int64]*models.PaymentAttempt
	orders   map[int64]models.OrderPaymentStatus
	events   []models.PaymentEvent

	failCreate   error
	failAttach   error
	failFinalize error
}

func newMemStore() *memStore {
	return &memStore{
		attempts: map[int64]*models.PaymentAttempt{},
		orders:   map[int64]models.OrderPaymentStatus{},
	}
}

func (s *memStore) CreateAttempt(_ context.Context, a *models.PaymentAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return 0, s.failCreate
	}
	for _, existing := range s.attempts {
		if existing.Reference == a.Reference {
			return 0, models.ErrDuplicateReference
		}
	}
	s.nextID++
	cp := *a
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.attempts[cp.ID] = &cp
	if _, ok := s.orders[cp.OrderID]; !ok {
		s.orders[cp.OrderID] = models.OrderPaymentPending
	}
	return cp.ID, nil
}

func (s *memStore) AttachCheckout(_ context.Context, id int64, checkoutID, merchantRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAttach != nil {
		return s.failAttach
	}
	a, ok := s.attempts[id]
	if !ok {
		return errors.New("not found")
	}
	a.CheckoutID = &checkoutID
	a.MerchantRequestID = &merchantRequestID
	return nil
}

func (s *memStore) GetAttemptByCheckoutID(_ context.Context, checkoutID string) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.byCheckout(checkoutID); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) byCheckout(checkoutID string) *models.PaymentAttempt {
	for _, a := range s.attempts {
		if a.CheckoutID != nil && *a.CheckoutID == checkoutID {
			return a
		}
	}
	return nil
}

func (s *memStore) GetLatestAttemptForOrder(_ context.Context, orderID int64) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PaymentAttempt
	for _, a := range s.attempts {
		if a.OrderID == orderID && (latest == nil || a.ID > latest.ID) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) FindInFlightAttempt(_ context.Context, orderID int64, since time.Time) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.OrderID == orderID && a.Status == models.AttemptStatusPending && a.CheckoutID != nil && !a.CreatedAt.Before(since) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) FinalizeAttempt(_ context.Context, checkoutID string, outcome models.Outcome) (*models.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize != nil {
		return nil, s.failFinalize
	}
	a := s.byCheckout(checkoutID)
	if a == nil {
		return nil, models.ErrAttemptNotFound
	}
	if a.Status != models.AttemptStatusPending {
		return nil, models.ErrAttemptFinalized
	}
	a.Status = outcome.AttemptStatus()
	src := outcome.Source
	a.Source = &src
	if outcome.Receipt != "" {
		a.ReceiptNumber = &outcome.Receipt
	}
	if outcome.Reason != "" {
		a.ResultDesc = &outcome.Reason
	}
	if !(s.orders[a.OrderID] == models.OrderPaymentPaid && !outcome.Paid) {
		s.orders[a.OrderID] = outcome.OrderStatus()
	}
	eventType := models.EventPaymentFailed
	if outcome.Paid {
		eventType = models.EventPaymentCompleted
	}
	ev := models.PaymentEvent{ID: uuid.NewString(), AttemptID: a.ID, OrderID: a.OrderID, Type: eventType, CreatedAt: time.Now()}
	s.events = append(s.events, ev)
	return &ev, nil
}

func (s *memStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentAttempt
	for _, a := range s.attempts {
		if a.Status == models.AttemptStatusPending && a.CreatedAt.Before(before) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkUnacceptedFailed(_ context.Context, id int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.Status != models.AttemptStatusPending || a.CheckoutID != nil {
		return false, nil
	}
	a.Status = models.AttemptStatusFailed
	a.ResultDesc = &reason
	return true, nil
}

func (s *memStore) attempt(id int64) models.PaymentAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.attempts[id]
}

func (s *memStore) orderStatus(id int64) models.OrderPaymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// seedPending добавляет pending попытку с checkout id и заданным возрастом.
func (s *memStore) seedPending(orderID int64, checkoutID string, age time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := &models.PaymentAttempt{
		ID:        s.nextID,
		OrderID:   orderID,
		Phone:     "254722000000",
		Status:    models.AttemptStatusPending,
		CreatedAt: time.Now().Add(-age),
	}
	if checkoutID != "" {
		a.CheckoutID = &checkoutID
	}
	s.attempts[a.ID] = a
	if _, ok := s.orders[orderID]; !ok {
		s.orders[orderID] = models.OrderPaymentPending
	}
	return a.ID
}

// fakeGateway - Gateway с подменяемыми ответами.
type fakeGateway struct {
	tokenErr error
	pushResp *mpesa.STKPushResponse
	pushErr  error
	query    func(checkoutID string) (*mpesa.STKQueryResponse, error)

	pushCalls  atomic.Int32
	queryCalls atomic.Int32
	lastPush   mpesa.STKPushRequest
}

func (g *fakeGateway) AccessToken(context.Context, config.Credentials) (string, error) {
	if g.tokenErr != nil {
		return "", g.tokenErr
	}
	return "tok", nil
}

func (g *fakeGateway) STKPush(_ context.Context, _ config.Credentials, _ string, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.pushCalls.Add(1)
	g.lastPush = req
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return g.pushResp, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, _ config.Credentials, _ string, req mpesa.STKQueryRequest) (*mpesa.STKQueryResponse, error) {
	g.queryCalls.Add(1)
	return g.query(req.CheckoutRequestID)
}

type countingKicker struct {
	n atomic.Int32
}

func (k *countingKicker) Kick() { k.n.Add(1) }
