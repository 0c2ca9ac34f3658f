package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sokoni.co.ke/internal/models"
)

// Reconciler - единственная точка, через которую callback, опрос статуса и sweep
// переводят попытку оплаты в терминальный статус.
type Reconciler struct {
	store  AttemptStore
	kicker Kicker
}

// NewReconciler создает Reconciler. kicker может быть nil.
func NewReconciler(store AttemptStore, kicker Kicker) *Reconciler {
	return &Reconciler{store: store, kicker: kicker}
}

// Finalize применяет исход к попытке с checkoutID. Ошибки не возвращаются
// вызывающему: они логируются и отражаются в FinalizeResult.
func (r *Reconciler) Finalize(ctx context.Context, checkoutID string, outcome models.Outcome) (res FinalizeResult) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Паника при финализации оплаты", "checkoutID", checkoutID, "panic", p)
			res = FinalizeResult{Status: FinalizeError, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if checkoutID == "" {
		slog.Warn("Финализация без checkout id пропущена", "source", outcome.Source)
		return FinalizeResult{Status: FinalizeNoopUnknown}
	}

	event, err := r.store.FinalizeAttempt(ctx, checkoutID, outcome)
	switch {
	case errors.Is(err, models.ErrAttemptNotFound):
		slog.Warn("Финализация для неизвестного checkout id", "checkoutID", checkoutID, "source", outcome.Source)
		return FinalizeResult{Status: FinalizeNoopUnknown}
	case errors.Is(err, models.ErrAttemptFinalized):
		slog.Info("Попытка оплаты уже завершена, повторная финализация пропущена",
			"checkoutID", checkoutID, "source", outcome.Source, "paid", outcome.Paid)
		return FinalizeResult{Status: FinalizeNoopTerminal}
	case err != nil:
		slog.Error("Ошибка финализации оплаты", "checkoutID", checkoutID, "source", outcome.Source, "error", err)
		return FinalizeResult{Status: FinalizeError, Err: err}
	}

	slog.Info("Оплата финализирована",
		"checkoutID", checkoutID, "attemptID", event.AttemptID, "orderID", event.OrderID,
		"paid", outcome.Paid, "source", outcome.Source, "receipt", outcome.Receipt)

	if r.kicker != nil {
		r.kicker.Kick()
	}
	return FinalizeResult{
		Status:    FinalizeApplied,
		AttemptID: event.AttemptID,
		OrderID:   event.OrderID,
		EventID:   event.ID,
	}
}
