// internal/middleware/admin_auth.go
package middleware

import (
	"log/slog"
	"net/http"
)

// RequireRole проверяет, имеет ли аутентифицированный пользователь одну из разрешенных ролей.
// Должен стоять после RequireAuthentication.
func RequireRole(allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := CurrentUser(r)
			if user == nil {
				slog.Error("RequireRole: пользователь не найден в контексте, хотя ожидался.")
				http.Error(w, "Access denied: not authenticated.", http.StatusUnauthorized)
				return
			}
			if user.RoleName == nil {
				slog.Warn("RequireRole: пользователь не имеет роли", "userID", user.ID)
				http.Error(w, "Access denied.", http.StatusForbidden)
				return
			}

			userRole := *user.RoleName
			isAllowed := false
			for _, allowedRole := range allowedRoles {
				if userRole == allowedRole {
					isAllowed = true
					break
				}
			}

			if !isAllowed {
				slog.Warn("Доступ запрещен: недостаточная роль", "userID", user.ID, "userRole", userRole, "requiredRoles", allowedRoles, "path", r.URL.Path)
				http.Error(w, "Access denied: insufficient permissions.", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
