package payments

import (
	"context"
	"time"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
)

// AttemptStore - хранилище попыток оплаты. Реализация для MySQL - db.PaymentsDB.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) (int64, error)
	AttachCheckout(ctx context.Context, attemptID int64, checkoutID, merchantRequestID string) error
	GetAttemptByCheckoutID(ctx context.Context, checkoutID string) (*models.PaymentAttempt, error)
	GetLatestAttemptForOrder(ctx context.Context, orderID int64) (*models.PaymentAttempt, error)
	FindInFlightAttempt(ctx context.Context, orderID int64, since time.Time) (*models.PaymentAttempt, error)
	// FinalizeAttempt в одной транзакции переводит pending попытку в терминальный
	// статус, обновляет заказ и пишет событие в outbox. Возвращает
	// models.ErrAttemptNotFound или models.ErrAttemptFinalized, если перехода не было.
	FinalizeAttempt(ctx context.Context, checkoutID string, outcome models.Outcome) (*models.PaymentEvent, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.PaymentAttempt, error)
	MarkUnacceptedFailed(ctx context.Context, attemptID int64, reason string) (bool, error)
}

// Gateway - операции Daraja, которые использует подсистема. Реализация - mpesa.Client.
type Gateway interface {
	AccessToken(ctx context.Context, creds config.Credentials) (string, error)
	STKPush(ctx context.Context, creds config.Credentials, token string, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, creds config.Credentials, token string, req mpesa.STKQueryRequest) (*mpesa.STKQueryResponse, error)
}

// Kicker будит диспетчер уведомлений после успешной финализации.
type Kicker interface {
	Kick()
}

// Options - параметры STK Push из конфигурации магазина.
type Options struct {
	TransactionType string
	PartyB          string
	CallbackURL     string
	TransactionDesc string
	ReferencePrefix string
	Location        *time.Location
	PromptWindow    time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TransactionType: cfg.Mpesa.TransactionType,
		PartyB:          cfg.Mpesa.PartyB,
		CallbackURL:     cfg.CallbackURL(),
		TransactionDesc: cfg.Mpesa.TransactionDesc,
		ReferencePrefix: cfg.Mpesa.AccountReferencePrefix,
		Location:        cfg.Location(),
		PromptWindow:    cfg.PromptWindow(),
	}
}

// partyB - получатель платежа. Для paybill совпадает с shortcode.
func (o Options) partyB(creds config.Credentials) string {
	if o.PartyB != "" {
		return o.PartyB
	}
	return creds.Shortcode
}
