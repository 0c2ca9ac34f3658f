package adminhandlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sokoni.co.ke/internal/db"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payments"
)

type fakeOrderStore struct {
	statuses map[int64]models.OrderPaymentStatus
}

func (f *fakeOrderStore) SetPaymentStatus(_ context.Context, id int64, status models.OrderPaymentStatus) error {
	if _, ok := f.statuses[id]; !ok {
		return db.ErrOrderNotFound
	}
	f.statuses[id] = status
	return nil
}

type fakeAttempts struct {
	pending  bool
	attempts []models.PaymentAttempt
}

func (f fakeAttempts) HasPendingAttempt(context.Context, int64) (bool, error) { return f.pending, nil }
func (f fakeAttempts) ListAttemptsForOrder(context.Context, int64) ([]models.PaymentAttempt, error) {
	return f.attempts, nil
}

type fakePoller struct {
	checkout string
}

func (f *fakePoller) Poll(_ context.Context, checkoutID string) (payments.PollResult, error) {
	f.checkout = checkoutID
	fin := payments.FinalizeResult{Status: payments.FinalizeNoopTerminal}
	return payments.PollResult{CheckoutID: checkoutID, Status: models.AttemptStatusCompleted, ResultCode: "0", Finalize: &fin}, nil
}

func (f *fakePoller) PollOrder(context.Context, int64) (payments.PollResult, error) {
	return payments.PollResult{}, payments.ErrNoAttempt
}

func form(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestAdminOverridePaymentStatusHandler(t *testing.T) {
	orders := &fakeOrderStore{statuses: map[int64]models.OrderPaymentStatus{55: models.OrderPaymentPending}}
	h := AdminOverridePaymentStatusHandler(orders, fakeAttempts{pending: true})

	rec := httptest.NewRecorder()
	h(rec, form("/admin/orders/payment-status", url.Values{"order_id": {"55"}, "status": {"paid"}, "note": {"paid in cash at pickup"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OrderPaymentPaid, orders.statuses[55])
	assert.JSONEq(t, `{"order_id":55,"payment_status":"paid","pending_attempt":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h(rec, form("/admin/orders/payment-status", url.Values{"order_id": {"55"}, "status": {"refunded"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, form("/admin/orders/payment-status", url.Values{"order_id": {"404"}, "status": {"failed"}}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminPollPaymentHandler(t *testing.T) {
	poller := &fakePoller{}
	h := AdminPollPaymentHandler(poller)

	rec := httptest.NewRecorder()
	h(rec, form("/admin/payments/poll", url.Values{"checkout_id": {"ws_CO_1"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ws_CO_1", poller.checkout)
	assert.JSONEq(t, `{"result":{"checkout_id":"ws_CO_1","status":"completed","result_code":"0"},"finalize":"noop_terminal"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h(rec, form("/admin/payments/poll", url.Values{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminOrderAttemptsHandler(t *testing.T) {
	h := AdminOrderAttemptsHandler(fakeAttempts{})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/admin/orders/attempts?order_id=55", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"order_id":55,"attempts":[]}`, rec.Body.String())
}
