// internal/middleware/ratelimit.go
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter хранит информацию о лимитере для каждого IP
type ClientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter - отдельный набор лимитеров на маршрут: callback Daraja и опрос
// статуса получают разные rps и burst.
type IPRateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*ClientLimiter
}

func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*ClientLimiter),
	}
}

// StartCleanup удаляет лимитеры IP, не появлявшихся дольше idle.
func (l *IPRateLimiter) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(idle)
			}
		}
	}()
}

func (l *IPRateLimiter) cleanup(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, client := range l.clients {
		if time.Since(client.lastSeen) > idle {
			delete(l.clients, ip)
			slog.Debug("Удален лимитер для неактивного IP", "ip", ip)
		}
	}
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	clientData, found := l.clients[ip]
	if !found {
		clientData = &ClientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = clientData
	}
	clientData.lastSeen = time.Now()
	limiterInstance := clientData.limiter
	l.mu.Unlock()
	return limiterInstance.Allow()
}

func clientIP(r *http.Request) string {
	// За прокси IP приходит в X-Forwarded-For или X-Real-IP
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if i := strings.LastIndex(r.RemoteAddr, ":"); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

// Middleware ограничивает количество запросов с одного IP.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip) {
			slog.Warn("Превышен лимит запросов (Rate Limit)", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
