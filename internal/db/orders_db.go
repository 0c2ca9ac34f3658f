// internal/db/orders_db.go
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sokoni.co.ke/internal/models"
)

var ErrOrderNotFound = errors.New("заказ не найден")

// OrdersDB - доступ к заказам витрины в объеме, нужном платежной подсистеме.
type OrdersDB struct {
	db *sql.DB
}

func NewOrdersDB(conn *sql.DB) *OrdersDB {
	return &OrdersDB{db: conn}
}

// GetOrder возвращает nil, nil, если заказа нет.
func (odb *OrdersDB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT id, order_number, user_id, total, payment_status, created_at, updated_at FROM orders WHERE id = ?`
	var o models.Order
	var userID sql.NullInt64
	err := odb.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.OrderNumber, &userID, &o.Total, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("Ошибка получения заказа", "orderID", id, "error", err)
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}
	if userID.Valid {
		o.UserID = &userID.Int64
	}
	return &o, nil
}

// SetPaymentStatus - ручная запись статуса оплаты администратором.
// Попытки оплаты не затрагиваются и с этим статусом не сверяются.
func (odb *OrdersDB) SetPaymentStatus(ctx context.Context, id int64, status models.OrderPaymentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("недопустимый статус оплаты %q", status)
	}
	res, err := odb.db.ExecContext(ctx, `UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("Ошибка ручного обновления статуса оплаты заказа", "orderID", id, "status", status, "error", err)
		return fmt.Errorf("не удалось обновить статус оплаты заказа: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("не удалось проверить обновление заказа: %w", err)
	}
	if affected == 0 {
		// MySQL не считает строку измененной, если статус совпадает, поэтому проверяем наличие
		order, getErr := odb.GetOrder(ctx, id)
		if getErr != nil {
			return getErr
		}
		if order == nil {
			return ErrOrderNotFound
		}
	}
	return nil
}
