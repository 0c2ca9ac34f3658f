package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sokoni.co.ke/internal/middleware"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
	"sokoni.co.ke/internal/payments"
)

type fakeOrders map[int64]*models.Order

func (f fakeOrders) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	return f[id], nil
}

type fakeInitiator struct {
	got    *payments.InitiateRequest
	result payments.InitiateResult
}

func (f *fakeInitiator) Initiate(_ context.Context, req payments.InitiateRequest) payments.InitiateResult {
	f.got = &req
	return f.result
}

type fakeFinalizer struct {
	mu       sync.Mutex
	calls    int
	checkout string
	outcome  models.Outcome
}

func (f *fakeFinalizer) Finalize(_ context.Context, checkoutID string, outcome models.Outcome) payments.FinalizeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.checkout = checkoutID
	f.outcome = outcome
	return payments.FinalizeResult{Status: payments.FinalizeApplied}
}

type fakePoller struct {
	res payments.PollResult
	err error
}

func (f fakePoller) Poll(context.Context, string) (payments.PollResult, error) { return f.res, f.err }
func (f fakePoller) PollOrder(context.Context, int64) (payments.PollResult, error) {
	return f.res, f.err
}

type fakeCallbackLog struct {
	saved    []*models.CallbackLog
	statuses map[string]string
}

func (f *fakeCallbackLog) SaveCallback(_ context.Context, cb *models.CallbackLog) error {
	f.saved = append(f.saved, cb)
	return nil
}

func (f *fakeCallbackLog) UpdateCallbackStatus(_ context.Context, id, status string) error {
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[id] = status
	return nil
}

func customer(id int64) *models.User {
	role := models.RoleUser
	return &models.User{ID: id, Email: "buyer@example.com", RoleName: &role}
}

func order55() fakeOrders {
	owner := int64(12)
	return fakeOrders{
		55: {ID: 55, OrderNumber: "ORD-55", UserID: &owner, Total: decimal.NewFromInt(100), PaymentStatus: models.OrderPaymentPending},
		56: {ID: 56, OrderNumber: "ORD-56", UserID: &owner, Total: decimal.RequireFromString("99.50"), PaymentStatus: models.OrderPaymentPending},
		57: {ID: 57, OrderNumber: "ORD-57", UserID: &owner, Total: decimal.NewFromInt(10), PaymentStatus: models.OrderPaymentPaid},
	}
}

func postForm(target string, values url.Values, user *models.User) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != nil {
		req = req.WithContext(middleware.WithUser(req.Context(), user))
	}
	return req
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInitiateHandler(t *testing.T) {
	success := payments.InitiateResult{Success: true, CheckoutID: "ws_CO_1", MerchantRequestID: "29115-1", AttemptID: 9, Message: payments.MessagePromptSent}

	tests := []struct {
		name       string
		user       *models.User
		form       url.Values
		result     payments.InitiateResult
		wantCode   int
		wantReason string
		called     bool
	}{
		{"успешная отправка", customer(12), url.Values{"order_id": {"55"}, "phone": {"0722000000"}}, success, http.StatusOK, "", true},
		{"без сессии", nil, url.Values{"order_id": {"55"}, "phone": {"0722000000"}}, success, http.StatusUnauthorized, "", false},
		{"неверный телефон", customer(12), url.Values{"order_id": {"55"}, "phone": {"12"}}, success, http.StatusBadRequest, "validation_error", false},
		{"чужой заказ", customer(13), url.Values{"order_id": {"55"}, "phone": {"0722000000"}}, success, http.StatusNotFound, "validation_error", false},
		{"дробная сумма", customer(12), url.Values{"order_id": {"56"}, "phone": {"0722000000"}}, success, http.StatusBadRequest, "validation_error", false},
		{"заказ уже оплачен", customer(12), url.Values{"order_id": {"57"}, "phone": {"0722000000"}}, success, http.StatusConflict, "validation_error", false},
		{"шлюз отклонил", customer(12), url.Values{"order_id": {"55"}, "phone": {"0722000000"}},
			payments.InitiateResult{Reason: payments.KindGatewayRejection, Message: "Invalid PhoneNumber"}, http.StatusBadGateway, "gateway_rejection", true},
		{"таймаут шлюза", customer(12), url.Values{"order_id": {"55"}, "phone": {"0722000000"}},
			payments.InitiateResult{Reason: payments.KindNetwork, Message: "payment provider did not respond"}, http.StatusGatewayTimeout, "network_error", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &fakeInitiator{result: tt.result}
			ph := NewPaymentHandlers(order55(), in, &fakeFinalizer{}, fakePoller{}, nil, "")

			rec := httptest.NewRecorder()
			ph.InitiateHandler(rec, postForm("/api/payments/mpesa/initiate", tt.form, tt.user))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.called, in.got != nil)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, decodeResult(t, rec)["reason"])
			}
		})
	}
}

func TestInitiateHandler_PassesOrderToInitiator(t *testing.T) {
	in := &fakeInitiator{result: payments.InitiateResult{Success: true, CheckoutID: "ws_CO_1", AttemptID: 9, Message: payments.MessagePromptSent}}
	ph := NewPaymentHandlers(order55(), in, &fakeFinalizer{}, fakePoller{}, nil, "")

	rec := httptest.NewRecorder()
	ph.InitiateHandler(rec, postForm("/api/payments/mpesa/initiate", url.Values{"order_id": {"55"}, "phone": {"0722000000"}}, customer(12)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payments.InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55, OrderReference: "ORD-55"}, *in.got)

	body := decodeResult(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ws_CO_1", body["checkout_id"])
	assert.Equal(t, payments.MessagePromptSent, body["message"])
	assert.NotContains(t, body, "AttemptID")
}

const paidCallback = `{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,
"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[
{"Name":"Amount","Value":100},{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"PhoneNumber","Value":254722000000}]}}}}`

const cancelledCallback = `{"Body":{"stkCallback":{"MerchantRequestID":"29115-2","CheckoutRequestID":"ws_CO_2","ResultCode":1032,
"ResultDesc":"Request cancelled by user"}}}`

func callbackRequest(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func assertAck(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
}

func TestCallbackHandler_Paid(t *testing.T) {
	fin := &fakeFinalizer{}
	logs := &fakeCallbackLog{}
	ph := NewPaymentHandlers(order55(), &fakeInitiator{}, fin, fakePoller{}, logs, "s3cret")

	rec := httptest.NewRecorder()
	ph.CallbackHandler(rec, callbackRequest("/api/payments/mpesa/callback?token=s3cret", paidCallback))

	assertAck(t, rec)
	require.Equal(t, 1, fin.calls)
	assert.Equal(t, "ws_CO_1", fin.checkout)
	assert.Equal(t, models.Outcome{Paid: true, Receipt: "ABC123", ResultCode: "0", Source: models.SourceCallback}, fin.outcome)

	require.Len(t, logs.saved, 1)
	assert.Equal(t, "ws_CO_1", logs.saved[0].CheckoutID)
	assert.Equal(t, 0, *logs.saved[0].ResultCode)
	assert.Equal(t, "applied", logs.statuses[logs.saved[0].ID])
}

func TestCallbackHandler_Cancelled(t *testing.T) {
	fin := &fakeFinalizer{}
	ph := NewPaymentHandlers(order55(), &fakeInitiator{}, fin, fakePoller{}, &fakeCallbackLog{}, "")

	rec := httptest.NewRecorder()
	ph.CallbackHandler(rec, callbackRequest("/api/payments/mpesa/callback", cancelledCallback))

	assertAck(t, rec)
	assert.Equal(t, models.Outcome{Paid: false, ResultCode: "1032", Reason: "Request cancelled by user", Source: models.SourceCallback}, fin.outcome)
}

func TestCallbackHandler_MalformedIsAcknowledged(t *testing.T) {
	fin := &fakeFinalizer{}
	logs := &fakeCallbackLog{}
	ph := NewPaymentHandlers(order55(), &fakeInitiator{}, fin, fakePoller{}, logs, "")

	rec := httptest.NewRecorder()
	ph.CallbackHandler(rec, callbackRequest("/api/payments/mpesa/callback", `{"Body":`))

	assertAck(t, rec)
	assert.Zero(t, fin.calls)
	require.Len(t, logs.saved, 1)
	assert.Equal(t, "malformed", logs.saved[0].FinalizeStatus)
}

func TestCallbackHandler_WrongToken(t *testing.T) {
	fin := &fakeFinalizer{}
	logs := &fakeCallbackLog{}
	ph := NewPaymentHandlers(order55(), &fakeInitiator{}, fin, fakePoller{}, logs, "s3cret")

	rec := httptest.NewRecorder()
	ph.CallbackHandler(rec, callbackRequest("/api/payments/mpesa/callback?token=guess", paidCallback))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, fin.calls)
	assert.Empty(t, logs.saved)
}

func TestStatusHandler(t *testing.T) {
	t.Run("статус получен", func(t *testing.T) {
		poller := fakePoller{res: payments.PollResult{CheckoutID: "ws_CO_1", Status: models.AttemptStatusCompleted, ResultCode: "0"}}
		ph := NewPaymentHandlers(order55(), &fakeInitiator{}, &fakeFinalizer{}, poller, nil, "")

		req := httptest.NewRequest(http.MethodGet, "/api/payments/status?order_id=55", nil)
		req = req.WithContext(middleware.WithUser(req.Context(), customer(12)))
		rec := httptest.NewRecorder()
		ph.StatusHandler(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"order_id":55,"checkout_id":"ws_CO_1","status":"completed","result_code":"0"}`, rec.Body.String())
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"нет попыток", payments.ErrNoAttempt, http.StatusNotFound},
		{"сбой авторизации", mpesa.ErrAuthentication, http.StatusBadGateway},
		{"сеть", &mpesa.NetworkError{Op: "stk query", Err: errors.New("timeout")}, http.StatusGatewayTimeout},
		{"отказ шлюза", &mpesa.GatewayError{StatusCode: 400, Code: "400.002.02", Message: "Invalid CheckoutRequestID"}, http.StatusBadGateway},
		{"ошибка финализации", fmt.Errorf("ошибка применения результата опроса ws_CO_1: %w", errors.New("db down")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ph := NewPaymentHandlers(order55(), &fakeInitiator{}, &fakeFinalizer{}, fakePoller{err: tt.err}, nil, "")
			req := httptest.NewRequest(http.MethodGet, "/api/payments/status?order_id=55", nil)
			req = req.WithContext(middleware.WithUser(req.Context(), customer(12)))
			rec := httptest.NewRecorder()
			ph.StatusHandler(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
