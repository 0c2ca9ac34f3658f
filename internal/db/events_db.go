// internal/db/events_db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"sokoni.co.ke/internal/models"
)

// FindUnpublishedEvents возвращает события outbox, которые диспетчер еще не обработал.
func (pdb *PaymentsDB) FindUnpublishedEvents(ctx context.Context, limit int) ([]models.PaymentEvent, error) {
	query := `SELECT id, attempt_id, order_id, type, payload, created_at
	          FROM payment_events WHERE published_at IS NULL ORDER BY created_at ASC LIMIT ?`
	rows, err := pdb.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий outbox: %w", err)
	}
	defer rows.Close()

	var events []models.PaymentEvent
	for rows.Next() {
		var e models.PaymentEvent
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.OrderID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			slog.Error("Ошибка сканирования события outbox", "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации по событиям outbox: %w", err)
	}
	return events, nil
}

// MarkEventPublished отмечает событие обработанным. Повторный вызов ничего не меняет.
func (pdb *PaymentsDB) MarkEventPublished(ctx context.Context, eventID string) error {
	_, err := pdb.db.ExecContext(ctx,
		`UPDATE payment_events SET published_at = ? WHERE id = ? AND published_at IS NULL`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("не удалось отметить событие %s обработанным: %w", eventID, err)
	}
	return nil
}

// SaveCallback сохраняет сырой callback от Daraja для разборов.
func (pdb *PaymentsDB) SaveCallback(ctx context.Context, cb *models.CallbackLog) error {
	var resultCode sql.NullInt64
	if cb.ResultCode != nil {
		resultCode = sql.NullInt64{Int64: int64(*cb.ResultCode), Valid: true}
	}
	if cb.ReceivedAt.IsZero() {
		cb.ReceivedAt = time.Now()
	}
	_, err := pdb.db.ExecContext(ctx,
		`INSERT INTO mpesa_callbacks (id, checkout_id, result_code, payload, finalize_status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cb.ID, cb.CheckoutID, resultCode, string(cb.Payload), cb.FinalizeStatus, cb.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("не удалось сохранить callback M-Pesa: %w", err)
	}
	return nil
}

// UpdateCallbackStatus записывает результат финализации для сохраненного callback.
func (pdb *PaymentsDB) UpdateCallbackStatus(ctx context.Context, id, finalizeStatus string) error {
	_, err := pdb.db.ExecContext(ctx, `UPDATE mpesa_callbacks SET finalize_status = ? WHERE id = ?`, finalizeStatus, id)
	if err != nil {
		return fmt.Errorf("не удалось обновить статус callback %s: %w", id, err)
	}
	return nil
}
