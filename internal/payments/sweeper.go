package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
)

const (
	ReasonExpired     = "expired"
	ReasonNotAccepted = "not accepted by gateway"

	defaultSweepBatch = 100
)

// SweepReport - итог одного прохода Sweeper.
type SweepReport struct {
	Scanned    int `json:"scanned"`
	Resolved   int `json:"resolved"`
	Expired    int `json:"expired"`
	Unaccepted int `json:"unaccepted"`
	Skipped    int `json:"skipped"`
}

// Sweeper завершает попытки, которые слишком долго остаются pending.
type Sweeper struct {
	store      AttemptStore
	poller     *Poller
	reconciler *Reconciler
	staleAfter time.Duration
	batch      int
	now        func() time.Time
}

func NewSweeper(store AttemptStore, poller *Poller, reconciler *Reconciler, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:      store,
		poller:     poller,
		reconciler: reconciler,
		staleAfter: staleAfter,
		batch:      defaultSweepBatch,
		now:        time.Now,
	}
}

// SweepOnce обрабатывает одну пачку зависших попыток. Попытка с checkout id
// сначала опрашивается: терминальный ответ финализируется как обычный опрос,
// pending или отказ шлюза дает failed с причиной "expired". При ошибке сети
// или авторизации попытка остается до следующего прохода.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-s.staleAfter), s.batch)
	if err != nil {
		return report, err
	}
	report.Scanned = len(stale)

	for _, a := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if a.CheckoutID == nil {
			ok, err := s.store.MarkUnacceptedFailed(ctx, a.ID, ReasonNotAccepted)
			if err != nil {
				slog.Error("Не удалось закрыть непринятую попытку оплаты", "attemptID", a.ID, "error", err)
				report.Skipped++
				continue
			}
			if ok {
				report.Unaccepted++
			}
			continue
		}

		checkoutID := *a.CheckoutID
		res, err := s.poller.Poll(ctx, checkoutID)
		if err != nil {
			var gwErr *mpesa.GatewayError
			if !errors.As(err, &gwErr) {
				slog.Warn("Опрос зависшей попытки не удался, повтор в следующий проход",
					"attemptID", a.ID, "checkoutID", checkoutID, "error", err)
				report.Skipped++
				continue
			}
			slog.Info("Шлюз отклонил запрос статуса зависшей попытки", "checkoutID", checkoutID, "error", err)
		} else if res.Status.IsTerminal() {
			report.Resolved++
			continue
		}

		fin := s.reconciler.Finalize(ctx, checkoutID, models.Outcome{
			Paid:   false,
			Reason: ReasonExpired,
			Source: models.SourceSweep,
		})
		switch fin.Status {
		case FinalizeApplied:
			report.Expired++
		case FinalizeError:
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		slog.Info("Проход по зависшим попыткам оплаты завершен",
			"scanned", report.Scanned, "resolved", report.Resolved, "expired", report.Expired,
			"unaccepted", report.Unaccepted, "skipped", report.Skipped)
	}
	return report, nil
}

// StartStaleAttemptSweeper запускает периодический SweepOnce до отмены ctx.
func StartStaleAttemptSweeper(ctx context.Context, sweeper *Sweeper, interval time.Duration) {
	slog.Info("Планировщик закрытия зависших попыток оплаты запущен", "interval", interval.String())
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Планировщик закрытия зависших попыток оплаты остановлен")
				return
			case <-ticker.C:
				if _, err := sweeper.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("Ошибка прохода по зависшим попыткам оплаты", "error", err)
				}
			}
		}
	}()
}
