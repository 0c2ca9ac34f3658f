// internal/handlers/payments_handlers.go
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sokoni.co.ke/internal/middleware"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
	"sokoni.co.ke/internal/payments"
	"sokoni.co.ke/internal/validation"
)

const (
	maxCallbackBody = 1 << 20
	callbackTimeout = 15 * time.Second
)

type OrderReader interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

type PaymentInitiator interface {
	Initiate(ctx context.Context, req payments.InitiateRequest) payments.InitiateResult
}

type PaymentFinalizer interface {
	Finalize(ctx context.Context, checkoutID string, outcome models.Outcome) payments.FinalizeResult
}

type PaymentPoller interface {
	Poll(ctx context.Context, checkoutID string) (payments.PollResult, error)
	PollOrder(ctx context.Context, orderID int64) (payments.PollResult, error)
}

// CallbackLog - журнал сырых callback от Daraja.
type CallbackLog interface {
	SaveCallback(ctx context.Context, cb *models.CallbackLog) error
	UpdateCallbackStatus(ctx context.Context, id, finalizeStatus string) error
}

type PaymentHandlers struct {
	Orders        OrderReader
	Initiator     PaymentInitiator
	Reconciler    PaymentFinalizer
	Poller        PaymentPoller
	Callbacks     CallbackLog
	CallbackToken string
}

func NewPaymentHandlers(orders OrderReader, initiator PaymentInitiator, reconciler PaymentFinalizer, poller PaymentPoller, callbacks CallbackLog, callbackToken string) *PaymentHandlers {
	return &PaymentHandlers{
		Orders:        orders,
		Initiator:     initiator,
		Reconciler:    reconciler,
		Poller:        poller,
		Callbacks:     callbacks,
		CallbackToken: callbackToken,
	}
}

type initiateResponse struct {
	payments.InitiateResult
	Errors map[string][]string `json:"errors,omitempty"`
}

func initiateStatusCode(res payments.InitiateResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Reason {
	case payments.KindValidation:
		return http.StatusBadRequest
	case payments.KindAuthentication, payments.KindGatewayRejection:
		return http.StatusBadGateway
	case payments.KindNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func validationFailure(message string) payments.InitiateResult {
	return payments.InitiateResult{Success: false, Reason: payments.KindValidation, Message: message}
}

// loadOwnedOrder возвращает заказ, если он принадлежит пользователю (или пользователь администратор).
// Чужой заказ неотличим от несуществующего.
func (ph *PaymentHandlers) loadOwnedOrder(ctx context.Context, user *models.User, orderID int64) (*models.Order, int, error) {
	order, err := ph.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	if order == nil {
		return nil, http.StatusNotFound, nil
	}
	if !user.IsAdmin() && (order.UserID == nil || *order.UserID != user.ID) {
		slog.Warn("Попытка доступа к чужому заказу", "userID", user.ID, "orderID", orderID)
		return nil, http.StatusNotFound, nil
	}
	return order, http.StatusOK, nil
}

// InitiateHandler - POST /api/payments/mpesa/initiate (order_id, phone).
func (ph *PaymentHandlers) InitiateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	currentUser := middleware.CurrentUser(r)
	if currentUser == nil {
		RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := r.ParseForm(); err != nil {
		slog.Warn("InitiateHandler: ошибка парсинга формы", "userID", currentUser.ID, "error", err)
		RespondJSON(w, http.StatusBadRequest, validationFailure("invalid form data"))
		return
	}
	orderID, _ := strconv.ParseInt(strings.TrimSpace(r.PostForm.Get("order_id")), 10, 64)
	form := models.InitiatePaymentForm{
		OrderID: orderID,
		Phone:   strings.TrimSpace(r.PostForm.Get("phone")),
	}
	if errs := validation.ValidateStruct(form); len(errs) > 0 {
		slog.Warn("InitiateHandler: ошибки валидации", "userID", currentUser.ID, "errors", errs)
		RespondJSON(w, http.StatusBadRequest, initiateResponse{
			InitiateResult: validationFailure("please correct the highlighted fields"),
			Errors:         errs,
		})
		return
	}

	order, status, err := ph.loadOwnedOrder(r.Context(), currentUser, form.OrderID)
	if err != nil {
		slog.Error("InitiateHandler: ошибка получения заказа", "orderID", form.OrderID, "error", err)
		RespondJSON(w, status, payments.InitiateResult{Reason: payments.KindInternal, Message: "could not load the order, please try again"})
		return
	}
	if order == nil {
		RespondJSON(w, status, validationFailure("order not found"))
		return
	}
	if order.PaymentStatus == models.OrderPaymentPaid {
		RespondJSON(w, http.StatusConflict, validationFailure("order is already paid"))
		return
	}
	// M-Pesa принимает только целые суммы
	if !order.Total.IsPositive() || !order.Total.Equal(order.Total.Truncate(0)) {
		slog.Warn("InitiateHandler: сумма заказа не целая", "orderID", order.ID, "total", order.Total.String())
		RespondJSON(w, http.StatusBadRequest, validationFailure("order total must be a whole amount in KES"))
		return
	}

	res := ph.Initiator.Initiate(r.Context(), payments.InitiateRequest{
		Phone:          form.Phone,
		Amount:         order.Total.IntPart(),
		OrderID:        order.ID,
		OrderReference: order.OrderNumber,
	})
	RespondJSON(w, initiateStatusCode(res), res)
}

// CallbackHandler принимает результат STK Push от Daraja. Подлинный запрос
// всегда получает 200 Accepted, иначе Daraja будет повторять доставку.
func (ph *PaymentHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ph.CallbackToken != "" &&
		subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(ph.CallbackToken)) != 1 {
		slog.Warn("Callback M-Pesa с неверным токеном отклонен", "remoteAddr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// обработка не должна прерываться, если Daraja закрыл соединение
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), callbackTimeout)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		slog.Error("Ошибка чтения тела callback M-Pesa", "error", err)
		ph.ack(w)
		return
	}

	cb, parseErr := mpesa.ParseCallback(body)
	logEntry := &models.CallbackLog{ID: uuid.NewString(), Payload: body}
	if cb != nil {
		logEntry.CheckoutID = cb.CheckoutRequestID
		if code, err := strconv.Atoi(string(cb.ResultCode)); err == nil {
			logEntry.ResultCode = &code
		}
	}
	if parseErr != nil {
		logEntry.FinalizeStatus = "malformed"
	}
	logged := ph.Callbacks != nil
	if logged {
		if err := ph.Callbacks.SaveCallback(ctx, logEntry); err != nil {
			slog.Error("Не удалось сохранить callback M-Pesa", "error", err)
			logged = false
		}
	}

	if parseErr != nil {
		slog.Warn("Некорректный callback M-Pesa", "error", parseErr)
		ph.ack(w)
		return
	}

	outcome := models.Outcome{
		Paid:       cb.ResultCode.IsZero(),
		ResultCode: string(cb.ResultCode),
		Source:     models.SourceCallback,
	}
	if outcome.Paid {
		outcome.Receipt = cb.Receipt()
	} else {
		outcome.Reason = cb.ResultDesc
	}

	res := ph.Reconciler.Finalize(ctx, cb.CheckoutRequestID, outcome)
	slog.Info("Callback M-Pesa обработан", "checkoutID", cb.CheckoutRequestID, "resultCode", outcome.ResultCode, "finalize", res.Status)

	if logged {
		if err := ph.Callbacks.UpdateCallbackStatus(ctx, logEntry.ID, string(res.Status)); err != nil {
			slog.Warn("Не удалось обновить статус callback", "callbackID", logEntry.ID, "error", err)
		}
	}
	ph.ack(w)
}

func (ph *PaymentHandlers) ack(w http.ResponseWriter) {
	RespondJSON(w, http.StatusOK, mpesa.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

type paymentStatusResponse struct {
	OrderID int64 `json:"order_id"`
	payments.PollResult
}

// StatusHandler - GET /api/payments/status?order_id=. Опрашивает Daraja по последней попытке.
func (ph *PaymentHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	currentUser := middleware.CurrentUser(r)
	if currentUser == nil {
		RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	orderID, err := strconv.ParseInt(r.URL.Query().Get("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		RespondError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	order, status, err := ph.loadOwnedOrder(r.Context(), currentUser, orderID)
	if err != nil {
		slog.Error("StatusHandler: ошибка получения заказа", "orderID", orderID, "error", err)
		RespondError(w, status, "could not load the order")
		return
	}
	if order == nil {
		RespondError(w, status, "order not found")
		return
	}

	res, err := ph.Poller.PollOrder(r.Context(), orderID)
	if err != nil {
		code, msg := PollErrorResponse(err)
		slog.Warn("StatusHandler: не удалось получить статус оплаты", "orderID", orderID, "error", err)
		RespondError(w, code, msg)
		return
	}
	RespondJSON(w, http.StatusOK, paymentStatusResponse{OrderID: orderID, PollResult: res})
}

// PollErrorResponse переводит ошибку опроса в HTTP статус и сообщение для клиента.
func PollErrorResponse(err error) (int, string) {
	var gwErr *mpesa.GatewayError
	var netErr *mpesa.NetworkError
	switch {
	case errors.Is(err, payments.ErrNoAttempt):
		return http.StatusNotFound, "payment attempt not found"
	case errors.Is(err, mpesa.ErrAuthentication):
		return http.StatusBadGateway, "payment provider is unavailable"
	case errors.As(err, &netErr):
		return http.StatusGatewayTimeout, "payment provider did not respond"
	case errors.As(err, &gwErr):
		if gwErr.Message == "" {
			return http.StatusBadGateway, "payment provider rejected the status query"
		}
		return http.StatusBadGateway, gwErr.Message
	default:
		return http.StatusInternalServerError, "could not check payment status"
	}
}
