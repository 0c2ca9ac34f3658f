package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
)

// maxAccountReference - Daraja принимает AccountReference не длиннее 12 символов.
const maxAccountReference = 12

// InitiateRequest - вход инициации оплаты заказа.
type InitiateRequest struct {
	Phone          string
	Amount         int64
	OrderID        int64
	OrderReference string
}

// Initiator отправляет STK Push и ведет журнал попыток.
type Initiator struct {
	store   AttemptStore
	gateway Gateway
	creds   config.CredentialProvider
	opts    Options
	now     func() time.Time
	// attachBackOff - повтор записи checkout id после принятого push.
	attachBackOff func() backoff.BackOff
}

func NewInitiator(store AttemptStore, gateway Gateway, creds config.CredentialProvider, opts Options) *Initiator {
	return &Initiator{
		store:   store,
		gateway: gateway,
		creds:   creds,
		opts:    opts,
		now:     time.Now,
		attachBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 2)
		},
	}
}

// Initiate отправляет запрос на оплату на телефон покупателя. Ошибки не
// возвращаются, а описываются в InitiateResult.
func (in *Initiator) Initiate(ctx context.Context, req InitiateRequest) InitiateResult {
	if req.Amount <= 0 {
		return failure(KindValidation, "amount must be greater than zero")
	}
	if req.OrderID <= 0 {
		return failure(KindValidation, "order is required")
	}
	phone := NormalizePhone(req.Phone)
	if !ValidSubscriber(phone) {
		return failure(KindValidation, "enter a valid M-Pesa phone number")
	}

	now := in.now()
	if in.opts.PromptWindow > 0 {
		inFlight, err := in.store.FindInFlightAttempt(ctx, req.OrderID, now.Add(-in.opts.PromptWindow))
		if err != nil {
			slog.Error("Ошибка проверки активных попыток оплаты", "orderID", req.OrderID, "error", err)
			return failure(KindInternal, "could not start payment, try again")
		}
		if inFlight != nil {
			slog.Info("Оплата по заказу уже ожидает подтверждения", "orderID", req.OrderID, "attemptID", inFlight.ID)
			return failure(KindValidation, "payment already in progress, check your phone")
		}
	}

	creds, err := in.creds.Credentials(ctx)
	if err != nil {
		slog.Error("Учетные данные M-Pesa недоступны", "error", err)
		return failure(KindAuthentication, "payment service is unavailable")
	}

	token, err := in.gateway.AccessToken(ctx, creds)
	if err != nil {
		slog.Error("Не удалось получить токен M-Pesa", "orderID", req.OrderID, "error", err)
		return failure(KindAuthentication, "payment service is unavailable")
	}

	timestamp := mpesa.Timestamp(now, in.opts.Location)
	attempt := &models.PaymentAttempt{
		OrderID:   req.OrderID,
		Phone:     phone,
		Amount:    decimal.NewFromInt(req.Amount),
		Reference: fmt.Sprintf("%s%d%d", in.opts.ReferencePrefix, req.OrderID, now.UnixMilli()),
		Status:    models.AttemptStatusPending,
	}
	attemptID, err := in.store.CreateAttempt(ctx, attempt)
	if errors.Is(err, models.ErrDuplicateReference) {
		slog.Warn("Повторная инициация оплаты с тем же reference", "orderID", req.OrderID, "reference", attempt.Reference)
		return failure(KindValidation, "payment is already being started, try again in a moment")
	}
	if err != nil {
		slog.Error("Не удалось сохранить попытку оплаты", "orderID", req.OrderID, "error", err)
		return failure(KindInternal, "could not start payment, try again")
	}
	attempt.ID = attemptID

	pushReq := mpesa.STKPushRequest{
		BusinessShortCode: creds.Shortcode,
		Password:          mpesa.Password(creds.Shortcode, creds.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   in.opts.TransactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            in.opts.partyB(creds),
		PhoneNumber:       phone,
		CallBackURL:       in.opts.CallbackURL,
		AccountReference:  accountReference(req.OrderReference, attempt.Reference),
		TransactionDesc:   in.opts.TransactionDesc,
	}

	resp, err := in.gateway.STKPush(ctx, creds, token, pushReq)
	if err != nil {
		kind, message := classifyPushError(err)
		slog.Warn("STK Push не принят", "attemptID", attemptID, "orderID", req.OrderID, "reason", kind, "error", err)
		res := failure(kind, message)
		res.AttemptID = attemptID
		return res
	}

	attach := func() error {
		return in.store.AttachCheckout(ctx, attemptID, resp.CheckoutRequestID, resp.MerchantRequestID)
	}
	if err := backoff.Retry(attach, backoff.WithContext(in.attachBackOff(), ctx)); err != nil {
		// push уже на телефоне, но callback по этому checkout id не найдет попытку
		slog.Error("Не удалось записать checkout id попытки оплаты",
			"attemptID", attemptID, "checkoutID", resp.CheckoutRequestID, "error", err)
		return InitiateResult{
			Success:    false,
			CheckoutID: resp.CheckoutRequestID,
			AttemptID:  attemptID,
			Reason:     KindInternal,
			Message:    "payment request sent but could not be recorded, contact support before paying again",
		}
	}

	slog.Info("STK Push отправлен", "attemptID", attemptID, "orderID", req.OrderID, "checkoutID", resp.CheckoutRequestID)
	return InitiateResult{
		Success:           true,
		CheckoutID:        resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		AttemptID:         attemptID,
		Message:           MessagePromptSent,
	}
}

func classifyPushError(err error) (ErrorKind, string) {
	var netErr *mpesa.NetworkError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindNetwork, "payment service timed out, check your phone before trying again"
		}
		return KindNetwork, "payment service is unreachable, try again"
	}
	var gwErr *mpesa.GatewayError
	if errors.As(err, &gwErr) {
		return KindGatewayRejection, gwErr.Message
	}
	return KindGatewayRejection, "payment request was rejected"
}

// accountReference - номер заказа, который покупатель видит в prompt.
func accountReference(orderReference, fallback string) string {
	ref := orderReference
	if ref == "" {
		ref = fallback
	}
	if len(ref) > maxAccountReference {
		ref = ref[:maxAccountReference]
	}
	return ref
}
