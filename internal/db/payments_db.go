// internal/db/payments_db.go
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"sokoni.co.ke/internal/models"
)


// PaymentsDB - журнал попыток оплаты M-Pesa и outbox событий оплаты.
type PaymentsDB struct {
	db *sql.DB
}

func NewPaymentsDB(conn *sql.DB) *PaymentsDB {
	return &PaymentsDB{db: conn}
}

const attemptColumns = `id, order_id, phone, amount, reference, checkout_id, merchant_request_id, status,
	receipt_number, result_code, result_desc, source, created_at, updated_at`

func scanAttempt(row scanner) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	var checkoutID, merchantRequestID, receipt, resultCode, resultDesc, source sql.NullString
	err := row.Scan(
		&a.ID, &a.OrderID, &a.Phone, &a.Amount, &a.Reference, &checkoutID, &merchantRequestID, &a.Status,
		&receipt, &resultCode, &resultDesc, &source, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CheckoutID = stringPtr(checkoutID)
	a.MerchantRequestID = stringPtr(merchantRequestID)
	a.ReceiptNumber = stringPtr(receipt)
	a.ResultCode = stringPtr(resultCode)
	a.ResultDesc = stringPtr(resultDesc)
	if source.Valid {
		s := models.FinalizeSource(source.String)
		a.Source = &s
	}
	return &a, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateAttempt сохраняет новую pending попытку и возвращает ее ID.
func (pdb *PaymentsDB) CreateAttempt(ctx context.Context, a *models.PaymentAttempt) (int64, error) {
	now := time.Now()
	query := `INSERT INTO payment_attempts (order_id, phone, amount, reference, status, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := pdb.db.ExecContext(ctx, query, a.OrderID, a.Phone, a.Amount, a.Reference, models.AttemptStatusPending, now, now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return 0, models.ErrDuplicateReference
		}
		slog.Error("Ошибка создания попытки оплаты", "orderID", a.OrderID, "reference", a.Reference, "error", err)
		return 0, fmt.Errorf("не удалось сохранить попытку оплаты: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("не удалось получить ID попытки оплаты: %w", err)
	}
	a.ID = id
	a.Status = models.AttemptStatusPending
	a.CreatedAt = now
	a.UpdatedAt = now
	return id, nil
}

// AttachCheckout записывает идентификаторы, которые Daraja вернул на принятый push.
func (pdb *PaymentsDB) AttachCheckout(ctx context.Context, attemptID int64, checkoutID, merchantRequestID string) error {
	query := `UPDATE payment_attempts SET checkout_id = ?, merchant_request_id = ?, updated_at = ?
	          WHERE id = ? AND checkout_id IS NULL`
	res, err := pdb.db.ExecContext(ctx, query, checkoutID, nullString(merchantRequestID), time.Now(), attemptID)
	if err != nil {
		return fmt.Errorf("не удалось записать checkout id попытки %d: %w", attemptID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("не удалось проверить запись checkout id: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("попытка %d не найдена или checkout id уже записан", attemptID)
	}
	return nil
}

// GetAttemptByCheckoutID возвращает nil, nil, если попытки нет.
func (pdb *PaymentsDB) GetAttemptByCheckoutID(ctx context.Context, checkoutID string) (*models.PaymentAttempt, error) {
	row := pdb.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE checkout_id = ?`, checkoutID)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения попытки по checkout id: %w", err)
	}
	return a, nil
}

func (pdb *PaymentsDB) GetLatestAttemptForOrder(ctx context.Context, orderID int64) (*models.PaymentAttempt, error) {
	row := pdb.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = ? ORDER BY id DESC LIMIT 1`, orderID)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения последней попытки заказа: %w", err)
	}
	return a, nil
}

// FindInFlightAttempt ищет принятую шлюзом pending попытку, созданную не раньше since.
func (pdb *PaymentsDB) FindInFlightAttempt(ctx context.Context, orderID int64, since time.Time) (*models.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts
	          WHERE order_id = ? AND status = 'pending' AND checkout_id IS NOT NULL AND created_at >= ?
	          ORDER BY id DESC LIMIT 1`
	a, err := scanAttempt(pdb.db.QueryRowContext(ctx, query, orderID, since))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка поиска активной попытки оплаты: %w", err)
	}
	return a, nil
}

// HasPendingAttempt сообщает, есть ли у заказа незавершенная попытка.
func (pdb *PaymentsDB) HasPendingAttempt(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := pdb.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_attempts WHERE order_id = ? AND status = 'pending')`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки незавершенных попыток: %w", err)
	}
	return exists, nil
}

func (pdb *PaymentsDB) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts
	          WHERE status = 'pending' AND created_at < ? ORDER BY id ASC LIMIT ?`
	rows, err := pdb.db.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения зависших попыток: %w", err)
	}
	defer rows.Close()

	var attempts []models.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			slog.Error("Ошибка сканирования попытки оплаты", "error", err)
			continue
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации по зависшим попыткам: %w", err)
	}
	return attempts, nil
}

// ListAttemptsForOrder - история попыток заказа для администратора.
func (pdb *PaymentsDB) ListAttemptsForOrder(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error) {
	rows, err := pdb.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = ? ORDER BY id DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения попыток заказа: %w", err)
	}
	defer rows.Close()

	var attempts []models.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования попытки оплаты: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// MarkUnacceptedFailed закрывает попытку, которую шлюз так и не принял.
// Заказ не меняется, событие в outbox не пишется.
func (pdb *PaymentsDB) MarkUnacceptedFailed(ctx context.Context, attemptID int64, reason string) (bool, error) {
	query := `UPDATE payment_attempts SET status = 'failed', result_desc = ?, source = 'sweep', updated_at = ?
	          WHERE id = ? AND status = 'pending' AND checkout_id IS NULL`
	res, err := pdb.db.ExecContext(ctx, query, reason, time.Now(), attemptID)
	if err != nil {
		return false, fmt.Errorf("не удалось закрыть попытку %d: %w", attemptID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinalizeAttempt - переход pending -> completed/failed. В одной транзакции:
// условный UPDATE попытки (проверка affected rows), статус заказа и событие outbox.
// Неуспешный исход не переводит уже оплаченный заказ обратно в failed.
func (pdb *PaymentsDB) FinalizeAttempt(ctx context.Context, checkoutID string, outcome models.Outcome) (*models.PaymentEvent, error) {
	tx, err := pdb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("не удалось начать транзакцию финализации: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var payload models.PaymentEventPayload
	var customerID sql.NullInt64
	var amount string
	err = tx.QueryRowContext(ctx,
		`SELECT a.id, a.order_id, a.phone, a.amount, o.order_number, o.user_id
		 FROM payment_attempts a JOIN orders o ON o.id = a.order_id
		 WHERE a.checkout_id = ?`, checkoutID,
	).Scan(&payload.AttemptID, &payload.OrderID, &payload.Phone, &amount, &payload.OrderNumber, &customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("ошибка чтения попытки для финализации: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE payment_attempts
		 SET status = ?, receipt_number = ?, result_code = ?, result_desc = ?, source = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		outcome.AttemptStatus(), nullString(outcome.Receipt), nullString(outcome.ResultCode),
		nullString(outcome.Reason), outcome.Source, now, payload.AttemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления статуса попытки: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки обновления попытки: %w", err)
	}
	if affected == 0 {
		return nil, models.ErrAttemptFinalized
	}

	orderQuery := `UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?`
	if !outcome.Paid {
		orderQuery += ` AND payment_status <> 'paid'`
	}
	if _, err = tx.ExecContext(ctx, orderQuery, outcome.OrderStatus(), now, payload.OrderID); err != nil {
		return nil, fmt.Errorf("ошибка обновления статуса оплаты заказа: %w", err)
	}

	if customerID.Valid {
		id := customerID.Int64
		payload.CustomerID = &id
	}
	payload.Amount = amount
	payload.Paid = outcome.Paid
	payload.Receipt = outcome.Receipt
	payload.Reason = outcome.Reason
	payload.Source = outcome.Source

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события оплаты: %w", err)
	}
	event := &models.PaymentEvent{
		ID:        uuid.NewString(),
		AttemptID: payload.AttemptID,
		OrderID:   payload.OrderID,
		Type:      models.EventPaymentFailed,
		Payload:   body,
		CreatedAt: now,
	}
	if outcome.Paid {
		event.Type = models.EventPaymentCompleted
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO payment_events (id, attempt_id, order_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.AttemptID, event.OrderID, event.Type, event.Payload, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка записи события оплаты: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("ошибка фиксации финализации оплаты: %w", err)
	}
	committed = true
	return event, nil
}
