// internal/db/notifications_db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sokoni.co.ke/internal/models"
)

// NotificationsDB - внутренние уведомления пользователей (колокольчик в кабинете и в админке).
type NotificationsDB struct {
	db *sql.DB
}

func NewNotificationsDB(conn *sql.DB) *NotificationsDB {
	return &NotificationsDB{db: conn}
}

// CreateNotifications сохраняет рассылку одной транзакцией: одна строка на получателя.
func (ndb *NotificationsDB) CreateNotifications(ctx context.Context, items []models.Notification) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := ndb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("не удалось начать транзакцию уведомлений: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notifications (user_id, type, title, message, link, is_read, created_at) VALUES (?, ?, ?, ?, ?, FALSE, ?)`)
	if err != nil {
		return fmt.Errorf("не удалось подготовить вставку уведомлений: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i := range items {
		n := &items[i]
		res, err := stmt.ExecContext(ctx, n.UserID, n.Type, n.Title, n.Message, n.Link, now)
		if err != nil {
			return fmt.Errorf("не удалось сохранить уведомление для пользователя %d: %w", n.UserID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			n.ID = id
		}
		n.CreatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("не удалось зафиксировать уведомления: %w", err)
	}
	return nil
}

// ListForUser возвращает последние уведомления пользователя, новые сверху.
func (ndb *NotificationsDB) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := `SELECT id, user_id, type, title, message, link, is_read, created_at FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := ndb.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения уведомлений: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Link, &n.IsRead, &n.CreatedAt); err != nil {
			slog.Error("Ошибка сканирования уведомления", "userID", userID, "error", err)
			continue
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации по уведомлениям: %w", err)
	}
	return notifications, nil
}

func (ndb *NotificationsDB) CountUnread(ctx context.Context, userID int64) (int, error) {
	var n int
	err := ndb.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = FALSE`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчета непрочитанных уведомлений: %w", err)
	}
	return n, nil
}

// MarkRead отмечает уведомления пользователя прочитанными. Пустой ids - все уведомления.
func (ndb *NotificationsDB) MarkRead(ctx context.Context, userID int64, ids []int64) (int64, error) {
	query := `UPDATE notifications SET is_read = TRUE WHERE user_id = ? AND is_read = FALSE`
	args := []any{userID}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := ndb.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("не удалось отметить уведомления прочитанными: %w", err)
	}
	return res.RowsAffected()
}
