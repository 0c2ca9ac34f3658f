// internal/handlers/notifications_handlers.go
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"sokoni.co.ke/internal/middleware"
	"sokoni.co.ke/internal/models"
)

const defaultNotificationsLimit = 20

type NotificationReader interface {
	ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, userID int64, ids []int64) (int64, error)
}

type NotificationHandlers struct {
	Store NotificationReader
}

func NewNotificationHandlers(store NotificationReader) *NotificationHandlers {
	return &NotificationHandlers{Store: store}
}

type notificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

// ListHandler - GET /api/notifications?unread=1&limit=N для текущего пользователя.
// Используется и в админке: администраторы получают уведомления об оплатах.
func (nh *NotificationHandlers) ListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	currentUser := middleware.CurrentUser(r)
	if currentUser == nil {
		RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	unreadOnly := q.Get("unread") == "1" || q.Get("unread") == "true"
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = defaultNotificationsLimit
	}

	list, err := nh.Store.ListForUser(r.Context(), currentUser.ID, unreadOnly, limit)
	if err != nil {
		slog.Error("ListHandler: ошибка получения уведомлений", "userID", currentUser.ID, "error", err)
		RespondError(w, http.StatusInternalServerError, "could not load notifications")
		return
	}
	unread, err := nh.Store.CountUnread(r.Context(), currentUser.ID)
	if err != nil {
		slog.Warn("ListHandler: ошибка подсчета непрочитанных", "userID", currentUser.ID, "error", err)
	}
	RespondJSON(w, http.StatusOK, notificationsResponse{Notifications: list, Unread: unread})
}

// MarkReadHandler - POST /api/notifications/read, поле ids через запятую. Без ids - все.
func (nh *NotificationHandlers) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
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
		RespondError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	var ids []int64
	for _, raw := range strings.Split(r.PostForm.Get("ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			RespondError(w, http.StatusBadRequest, "ids must be a comma separated list of numbers")
			return
		}
		ids = append(ids, id)
	}

	updated, err := nh.Store.MarkRead(r.Context(), currentUser.ID, ids)
	if err != nil {
		slog.Error("MarkReadHandler: ошибка обновления уведомлений", "userID", currentUser.ID, "error", err)
		RespondError(w, http.StatusInternalServerError, "could not update notifications")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}
