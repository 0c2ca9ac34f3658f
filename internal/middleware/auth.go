// internal/middleware/auth.go
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"sokoni.co.ke/internal/db"
	"sokoni.co.ke/internal/models"

	"github.com/alexedwards/scs/v2"
)

type contextKey string

// Ключ сессии "userID" записывает витрина при входе, здесь он только читается.
const UserIDContextKey contextKey = "userID"
const UserContextKey contextKey = "user"

// UserLoader загружает пользователя сессии. По умолчанию db.GetUserByID.
type UserLoader func(id int64) (*models.User, error)

var LoadUser UserLoader = db.GetUserByID

func isAPIRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") || strings.Contains(r.Header.Get("Accept"), "application/json")
}

func denyUnauthenticated(w http.ResponseWriter, r *http.Request, loginURL string) {
	if isAPIRequest(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
		return
	}
	http.Redirect(w, r, loginURL, http.StatusSeeOther)
}

func RequireAuthentication(sessionManager *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := sessionManager.GetInt64(r.Context(), string(UserIDContextKey))
			if userID == 0 {
				slog.Warn("Access denied: user not authenticated", "path", r.URL.Path)
				denyUnauthenticated(w, r, "/login")
				return
			}

			user, err := LoadUser(userID)
			if err != nil || user == nil {
				slog.Error("RequireAuthentication: User not found in DB or error", "userID", userID, "error", err)
				sessionManager.Remove(r.Context(), string(UserIDContextKey))
				denyUnauthenticated(w, r, "/login?err=session_invalid")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser возвращает контекст с пользователем и его ID.
func WithUser(ctx context.Context, user *models.User) context.Context {
	ctx = context.WithValue(ctx, UserIDContextKey, user.ID)
	return context.WithValue(ctx, UserContextKey, user)
}

// CurrentUser возвращает пользователя, загруженного RequireAuthentication.
func CurrentUser(r *http.Request) *models.User {
	u, _ := r.Context().Value(UserContextKey).(*models.User)
	return u
}
