// internal/handlers/csrf_handler.go
package handlers

import (
	"net/http"

	"sokoni.co.ke/internal/middleware"
)

// CSRFTokenHandler отдает токен nosurf для заголовка X-CSRF-Token в POST запросах checkout.
// Монтируется под NoSurfMiddleware.
func CSRFTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		RespondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	RespondJSON(w, http.StatusOK, map[string]string{"csrf_token": middleware.CSRFToken(r)})
}
