// internal/handlers/admin/admin_payments.go
package adminhandlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"sokoni.co.ke/internal/db"
	"sokoni.co.ke/internal/handlers"
	"sokoni.co.ke/internal/middleware"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/validation"
)

// OrderPaymentStore - ручное управление статусом оплаты заказа.
type OrderPaymentStore interface {
	SetPaymentStatus(ctx context.Context, id int64, status models.OrderPaymentStatus) error
}

// AttemptHistory - журнал попыток оплаты для администратора.
type AttemptHistory interface {
	HasPendingAttempt(ctx context.Context, orderID int64) (bool, error)
	ListAttemptsForOrder(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error)
}

// AdminOverridePaymentStatusHandler - POST /admin/orders/payment-status.
// Пишет статус заказа напрямую, попытки оплаты не меняются и с ним не сверяются.
func AdminOverridePaymentStatusHandler(orders OrderPaymentStore, attempts AttemptHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		admin := middleware.CurrentUser(r)
		if err := r.ParseForm(); err != nil {
			handlers.RespondError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		orderID, _ := strconv.ParseInt(strings.TrimSpace(r.PostForm.Get("order_id")), 10, 64)
		form := models.OverridePaymentStatusForm{
			OrderID: orderID,
			Status:  strings.TrimSpace(r.PostForm.Get("status")),
			Note:    strings.TrimSpace(r.PostForm.Get("note")),
		}
		if errs := validation.ValidateStruct(form); len(errs) > 0 {
			handlers.RespondJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "errors": errs})
			return
		}

		pending, err := attempts.HasPendingAttempt(r.Context(), form.OrderID)
		if err != nil {
			slog.Warn("AdminOverridePaymentStatusHandler: не удалось проверить попытки оплаты", "orderID", form.OrderID, "error", err)
		} else if pending {
			slog.Warn("Ручная установка статуса оплаты при незавершенной попытке M-Pesa", "orderID", form.OrderID, "status", form.Status)
		}

		status := models.OrderPaymentStatus(form.Status)
		if err := orders.SetPaymentStatus(r.Context(), form.OrderID, status); err != nil {
			if errors.Is(err, db.ErrOrderNotFound) {
				handlers.RespondError(w, http.StatusNotFound, "order not found")
				return
			}
			slog.Error("AdminOverridePaymentStatusHandler: ошибка обновления заказа", "orderID", form.OrderID, "error", err)
			handlers.RespondError(w, http.StatusInternalServerError, "could not update order")
			return
		}

		var adminID int64
		if admin != nil {
			adminID = admin.ID
		}
		slog.Info("Статус оплаты заказа изменен администратором", "orderID", form.OrderID, "status", status, "adminID", adminID, "note", form.Note)
		handlers.RespondJSON(w, http.StatusOK, map[string]any{
			"order_id":        form.OrderID,
			"payment_status":  status,
			"pending_attempt": pending,
		})
	}
}

// AdminPollPaymentHandler - POST /admin/payments/poll (checkout_id).
func AdminPollPaymentHandler(poller handlers.PaymentPoller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			handlers.RespondError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		checkoutID := strings.TrimSpace(r.PostForm.Get("checkout_id"))
		if checkoutID == "" {
			handlers.RespondError(w, http.StatusBadRequest, "checkout_id is required")
			return
		}

		res, err := poller.Poll(r.Context(), checkoutID)
		if err != nil {
			code, msg := handlers.PollErrorResponse(err)
			slog.Warn("AdminPollPaymentHandler: опрос статуса не удался", "checkoutID", checkoutID, "error", err)
			handlers.RespondError(w, code, msg)
			return
		}
		resp := map[string]any{"result": res}
		if res.Finalize != nil {
			resp["finalize"] = res.Finalize.Status
		}
		handlers.RespondJSON(w, http.StatusOK, resp)
	}
}

// AdminOrderAttemptsHandler - GET /admin/orders/attempts?order_id=.
func AdminOrderAttemptsHandler(attempts AttemptHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orderID, err := strconv.ParseInt(r.URL.Query().Get("order_id"), 10, 64)
		if err != nil || orderID <= 0 {
			handlers.RespondError(w, http.StatusBadRequest, "order_id is required")
			return
		}
		list, err := attempts.ListAttemptsForOrder(r.Context(), orderID)
		if err != nil {
			slog.Error("AdminOrderAttemptsHandler: ошибка получения попыток", "orderID", orderID, "error", err)
			handlers.RespondError(w, http.StatusInternalServerError, "could not load payment attempts")
			return
		}
		if list == nil {
			list = []models.PaymentAttempt{}
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "attempts": list})
	}
}
