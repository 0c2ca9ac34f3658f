package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
)

// ErrNoAttempt - попытка оплаты не найдена: по заказу их не было или checkout id неизвестен.
var ErrNoAttempt = errors.New("попытка оплаты не найдена")

// PollResult - статус платежа по ответу Daraja (или по журналу, если попытка уже завершена).
type PollResult struct {
	CheckoutID string               `json:"checkout_id,omitempty"`
	Status     models.AttemptStatus `json:"status"`
	ResultCode string               `json:"result_code,omitempty"`
	ResultDesc string               `json:"result_desc,omitempty"`
	Finalize   *FinalizeResult      `json:"-"`
}

// Poller опрашивает Daraja о статусе STK Push и передает ответ в Reconciler.
type Poller struct {
	store      AttemptStore
	gateway    Gateway
	creds      config.CredentialProvider
	reconciler *Reconciler
	loc        *time.Location
	now        func() time.Time
}

func NewPoller(store AttemptStore, gateway Gateway, creds config.CredentialProvider, reconciler *Reconciler, loc *time.Location) *Poller {
	return &Poller{
		store:      store,
		gateway:    gateway,
		creds:      creds,
		reconciler: reconciler,
		loc:        loc,
		now:        time.Now,
	}
}

// Poll запрашивает статус по checkoutID. Неизвестный checkout id дает ErrNoAttempt,
// завершенная попытка возвращается из журнала без запроса к шлюзу. Ответ
// "еще обрабатывается" возвращает статус pending без финализации. Ошибки шлюза
// и сети возвращаются как есть, ошибка финализации тоже возвращается.
func (p *Poller) Poll(ctx context.Context, checkoutID string) (PollResult, error) {
	attempt, err := p.store.GetAttemptByCheckoutID(ctx, checkoutID)
	if err != nil {
		return PollResult{}, fmt.Errorf("ошибка получения попытки оплаты: %w", err)
	}
	if attempt == nil {
		return PollResult{}, fmt.Errorf("%w: checkout id %s", ErrNoAttempt, checkoutID)
	}
	if attempt.Status.IsTerminal() {
		return resultFromAttempt(attempt), nil
	}
	return p.query(ctx, checkoutID)
}

func (p *Poller) query(ctx context.Context, checkoutID string) (PollResult, error) {
	creds, err := p.creds.Credentials(ctx)
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %v", mpesa.ErrAuthentication, err)
	}
	token, err := p.gateway.AccessToken(ctx, creds)
	if err != nil {
		return PollResult{}, err
	}

	timestamp := mpesa.Timestamp(p.now(), p.loc)
	resp, err := p.gateway.QueryStatus(ctx, creds, token, mpesa.STKQueryRequest{
		BusinessShortCode: creds.Shortcode,
		Password:          mpesa.Password(creds.Shortcode, creds.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutID,
	})
	if err != nil {
		var gwErr *mpesa.GatewayError
		if errors.As(err, &gwErr) && gwErr.StillProcessing() {
			slog.Debug("Платеж еще обрабатывается", "checkoutID", checkoutID)
			return PollResult{CheckoutID: checkoutID, Status: models.AttemptStatusPending, ResultCode: gwErr.Code, ResultDesc: gwErr.Message}, nil
		}
		return PollResult{}, err
	}
	if resp.ResultCode == "" {
		return PollResult{CheckoutID: checkoutID, Status: models.AttemptStatusPending, ResultDesc: resp.ResponseDescription}, nil
	}

	outcome := models.Outcome{
		Paid:       resp.ResultCode.IsZero(),
		ResultCode: string(resp.ResultCode),
		Source:     models.SourcePoll,
	}
	if outcome.Paid {
		outcome.Receipt = resp.MpesaReceiptNumber
	} else {
		outcome.Reason = resp.ResultDesc
	}

	fin := p.reconciler.Finalize(ctx, checkoutID, outcome)
	if fin.Status == FinalizeError {
		// попытка и заказ остались pending, ответ шлюза клиенту не показываем
		return PollResult{}, fmt.Errorf("ошибка применения результата опроса %s: %w", checkoutID, fin.Err)
	}
	return PollResult{
		CheckoutID: checkoutID,
		Status:     outcome.AttemptStatus(),
		ResultCode: outcome.ResultCode,
		ResultDesc: resp.ResultDesc,
		Finalize:   &fin,
	}, nil
}

// PollOrder опрашивает последнюю попытку оплаты заказа. Завершенные попытки
// и попытки без checkout id возвращаются из журнала без запроса к шлюзу.
func (p *Poller) PollOrder(ctx context.Context, orderID int64) (PollResult, error) {
	attempt, err := p.store.GetLatestAttemptForOrder(ctx, orderID)
	if err != nil {
		return PollResult{}, fmt.Errorf("ошибка получения попытки оплаты заказа: %w", err)
	}
	if attempt == nil {
		return PollResult{}, ErrNoAttempt
	}
	if attempt.Status.IsTerminal() || attempt.CheckoutID == nil {
		return resultFromAttempt(attempt), nil
	}
	return p.query(ctx, *attempt.CheckoutID)
}

func resultFromAttempt(a *models.PaymentAttempt) PollResult {
	res := PollResult{Status: a.Status}
	if a.CheckoutID != nil {
		res.CheckoutID = *a.CheckoutID
	}
	if a.ResultCode != nil {
		res.ResultCode = *a.ResultCode
	}
	if a.ResultDesc != nil {
		res.ResultDesc = *a.ResultDesc
	}
	return res
}
