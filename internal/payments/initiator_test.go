package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
)

func newTestInitiator(store *memStore, gw *fakeGateway) *Initiator {
	in := NewInitiator(store, gw, config.StaticCredentialProvider{Creds: testCreds}, testOptions())
	in.now = func() time.Time { return time.Date(2024, 3, 9, 22, 15, 7, 0, time.UTC) }
	in.attachBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	return in
}

func acceptedPush(checkoutID string) *mpesa.STKPushResponse {
	return &mpesa.STKPushResponse{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutID,
		ResponseCode:      "0",
	}
}

func TestInitiate_Success(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{pushResp: acceptedPush("ws_CO_1")}
	in := newTestInitiator(store, gw)

	res := in.Initiate(context.Background(), InitiateRequest{
		Phone: "0722000000", Amount: 100, OrderID: 55, OrderReference: "ORD-55",
	})

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "ws_CO_1", res.CheckoutID)
	assert.Equal(t, MessagePromptSent, res.Message)
	assert.Empty(t, res.Reason)

	a := store.attempt(res.AttemptID)
	assert.Equal(t, "254722000000", a.Phone)
	assert.Equal(t, "100", a.Amount.String())
	assert.Equal(t, models.AttemptStatusPending, a.Status)
	assert.Equal(t, "PAY551710022507000", a.Reference)
	require.NotNil(t, a.CheckoutID)
	assert.Equal(t, "ws_CO_1", *a.CheckoutID)

	assert.Equal(t, "20240310011507", gw.lastPush.Timestamp)
	assert.Equal(t, mpesa.Password("174379", "passkey", "20240310011507"), gw.lastPush.Password)
	assert.Equal(t, "174379", gw.lastPush.PartyB)
	assert.Equal(t, "254722000000", gw.lastPush.PartyA)
	assert.Equal(t, "ORD-55", gw.lastPush.AccountReference)
	assert.Equal(t, int64(100), gw.lastPush.Amount)
}

func TestInitiate_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		req  InitiateRequest
	}{
		{"zero amount", InitiateRequest{Phone: "0722000000", Amount: 0, OrderID: 1}},
		{"negative amount", InitiateRequest{Phone: "0722000000", Amount: -5, OrderID: 1}},
		{"short phone", InitiateRequest{Phone: "12345", Amount: 10, OrderID: 1}},
		{"foreign phone", InitiateRequest{Phone: "+44 7946 000000", Amount: 10, OrderID: 1}},
		{"missing order", InitiateRequest{Phone: "0722000000", Amount: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			gw := &fakeGateway{pushResp: acceptedPush("ws_CO_1")}
			res := newTestInitiator(store, gw).Initiate(context.Background(), tc.req)

			assert.False(t, res.Success)
			assert.Equal(t, KindValidation, res.Reason)
			assert.Zero(t, gw.pushCalls.Load())
			assert.Empty(t, store.attempts)
		})
	}
}

func TestInitiate_AuthenticationFailureSkipsPush(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{tokenErr: mpesa.ErrAuthentication, pushResp: acceptedPush("ws_CO_1")}

	res := newTestInitiator(store, gw).Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})

	assert.False(t, res.Success)
	assert.Equal(t, KindAuthentication, res.Reason)
	assert.Zero(t, gw.pushCalls.Load())
}

func TestInitiate_MissingCredentials(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{pushResp: acceptedPush("ws_CO_1")}
	in := newTestInitiator(store, gw)
	in.creds = config.StaticCredentialProvider{Creds: config.Credentials{Environment: config.EnvironmentSandbox}}

	res := in.Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	assert.Equal(t, KindAuthentication, res.Reason)
	assert.Zero(t, gw.pushCalls.Load())
}

func TestInitiate_AttemptIsAuditedWhenPushFails(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"rejected", &mpesa.GatewayError{StatusCode: 400, Code: "400.002.02", Message: "Invalid BusinessShortCode"}, KindGatewayRejection},
		{"network", &mpesa.NetworkError{Op: "stk push", Err: errors.New("connection refused")}, KindNetwork},
		{"timeout", &mpesa.NetworkError{Op: "stk push", Err: context.DeadlineExceeded}, KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			gw := &fakeGateway{pushErr: tc.err}

			res := newTestInitiator(store, gw).Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})

			assert.False(t, res.Success)
			assert.Equal(t, tc.kind, res.Reason)
			require.Len(t, store.attempts, 1)
			a := store.attempt(res.AttemptID)
			assert.Equal(t, models.AttemptStatusPending, a.Status)
			assert.Nil(t, a.CheckoutID)
		})
	}
}

func TestInitiate_GatewayRejectionMessage(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{pushErr: &mpesa.GatewayError{StatusCode: 400, Message: "Invalid BusinessShortCode"}}

	res := newTestInitiator(store, gw).Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	assert.Equal(t, "Invalid BusinessShortCode", res.Message)
}

func TestInitiate_InFlightGuard(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{pushResp: acceptedPush("ws_CO_1")}
	in := newTestInitiator(store, gw)
	in.now = time.Now

	first := in.Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	require.True(t, first.Success)

	second := in.Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	assert.False(t, second.Success)
	assert.Equal(t, KindValidation, second.Reason)
	assert.Equal(t, int32(1), gw.pushCalls.Load())

	other := in.Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 56})
	assert.True(t, other.Success)
}

func TestInitiate_OldPendingAttemptDoesNotBlock(t *testing.T) {
	store := newMemStore()
	store.seedPending(55, "ws_CO_old", 10*time.Minute)
	gw := &fakeGateway{pushResp: acceptedPush("ws_CO_2")}
	in := newTestInitiator(store, gw)
	in.now = time.Now

	res := in.Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	assert.True(t, res.Success)
}

func TestInitiate_StoreFailureSkipsPush(t *testing.T) {
	store := newMemStore()
	store.failCreate = errors.New("db down")
	gw := &fakeGateway{pushResp: acceptedPush("ws_CO_1")}

	res := newTestInitiator(store, gw).Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	assert.Equal(t, KindInternal, res.Reason)
	assert.Zero(t, gw.pushCalls.Load())
}

func TestInitiate_RetryAfterRejectedPush(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{pushErr: &mpesa.GatewayError{StatusCode: 400, Code: "400.002.02", Message: "Invalid PhoneNumber"}}
	in := newTestInitiator(store, gw)
	req := InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55}

	first := in.Initiate(context.Background(), req)
	require.False(t, first.Success)
	assert.Equal(t, KindGatewayRejection, first.Reason)

	// повтор в ту же миллисекунду получает понятный отказ, а не внутреннюю ошибку
	same := in.Initiate(context.Background(), req)
	assert.Equal(t, KindValidation, same.Reason)
	assert.Equal(t, int32(1), gw.pushCalls.Load())

	gw.pushErr = nil
	gw.pushResp = acceptedPush("ws_CO_2")
	base := in.now()
	in.now = func() time.Time { return base.Add(time.Millisecond) }
	retry := in.Initiate(context.Background(), req)
	require.True(t, retry.Success, retry.Message)
	assert.Equal(t, "ws_CO_2", retry.CheckoutID)
}

func TestInitiate_AttachFailureReportsCheckout(t *testing.T) {
	store := newMemStore()
	store.failAttach = errors.New("db down")
	gw := &fakeGateway{pushResp: acceptedPush("ws_CO_1")}

	res := newTestInitiator(store, gw).Initiate(context.Background(), InitiateRequest{Phone: "0722000000", Amount: 100, OrderID: 55})
	assert.False(t, res.Success)
	assert.Equal(t, KindInternal, res.Reason)
	assert.Equal(t, "ws_CO_1", res.CheckoutID)
}

func TestAccountReference(t *testing.T) {
	assert.Equal(t, "ORD-55", accountReference("ORD-55", "PAY55"))
	assert.Equal(t, "PAY55", accountReference("", "PAY55"))
	assert.Equal(t, "ORD-12345678", accountReference("ORD-1234567890", ""))
}
