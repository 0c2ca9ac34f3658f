// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/db"
	"sokoni.co.ke/internal/handlers"
	adminhandlers "sokoni.co.ke/internal/handlers/admin"
	"sokoni.co.ke/internal/middleware"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/notify"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
	"sokoni.co.ke/internal/payments"

	"github.com/alexedwards/scs/mysqlstore"
	"github.com/alexedwards/scs/v2"

	_ "github.com/go-sql-driver/mysql"
)

var sessionManager *scs.SessionManager

func main() {
	configPath := "configs/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		configPath = p
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Критическая ошибка: не удалось загрузить конфигурацию: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.AppEnv)
	slog.Info("Запуск платежного сервера Sokoni...", "app_env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	credentials := config.NewEnvCredentialProvider()
	if _, err := credentials.Credentials(ctx); err != nil {
		if cfg.IsProduction() {
			slog.Error("Критическая ошибка: учетные данные M-Pesa не заданы", "error", err)
			os.Exit(1)
		}
		slog.Warn("Учетные данные M-Pesa не заданы, оплата будет отклоняться с authentication_failure", "error", err)
	}

	err = db.InitDB(cfg)
	if err != nil {
		slog.Error("Критическая ошибка: не удалось инициализировать базу данных", "error", err)
		os.Exit(1)
	}
	if db.DB != nil {
		defer db.DB.Close()
	} else {
		slog.Error("Критическая ошибка: подключение к БД равно nil после InitDB")
		os.Exit(1)
	}
	slog.Info("База данных успешно инициализирована и миграции применены.")

	paymentsDB := db.NewPaymentsDB(db.DB)
	ordersDB := db.NewOrdersDB(db.DB)
	notificationsDB := db.NewNotificationsDB(db.DB)
	usersDB := db.NewUsersDB(db.DB)

	gateway := mpesa.NewClient(cfg.Mpesa.BaseURL, cfg.RequestTimeout())
	dispatcher := notify.NewDispatcher(paymentsDB, notificationsDB, usersDB, notify.NewSMSSender(cfg.SMS), cfg.Notifications)
	reconciler := payments.NewReconciler(paymentsDB, dispatcher)
	initiator := payments.NewInitiator(paymentsDB, gateway, credentials, payments.OptionsFromConfig(cfg))
	poller := payments.NewPoller(paymentsDB, gateway, credentials, reconciler, cfg.Location())
	sweeper := payments.NewSweeper(paymentsDB, poller, reconciler, cfg.StaleAfter())

	go dispatcher.Run(ctx, cfg.DispatchInterval())
	// события, оставшиеся в outbox с прошлого запуска
	dispatcher.Kick()
	payments.StartStaleAttemptSweeper(ctx, sweeper, cfg.SweepInterval())

	sessionManager = scs.New()
	sessionManager.Store = mysqlstore.New(db.DB)
	sessionManager.Lifetime = 24 * time.Hour
	sessionManager.Cookie.Name = "sokoni_session"
	sessionManager.Cookie.HttpOnly = true
	sessionManager.Cookie.Persist = true
	sessionManager.Cookie.SameSite = http.SameSiteLaxMode
	sessionManager.Cookie.Secure = cfg.IsProduction()
	sessionManager.Cookie.Path = "/"

	slog.Info("Менеджер сессий инициализирован", "store", "mysqlstore", "lifetime", sessionManager.Lifetime, "secure_cookie", sessionManager.Cookie.Secure)

	paymentHandlers := handlers.NewPaymentHandlers(ordersDB, initiator, reconciler, poller, paymentsDB, cfg.Mpesa.CallbackToken)
	notificationHandlers := handlers.NewNotificationHandlers(notificationsDB)

	callbackLimiter := middleware.NewIPRateLimiter(cfg.RateLimit.CallbackRPS, cfg.RateLimit.CallbackBurst)
	pollLimiter := middleware.NewIPRateLimiter(cfg.RateLimit.PollRPS, cfg.RateLimit.PollBurst)
	callbackLimiter.StartCleanup(ctx, 10*time.Minute, 15*time.Minute)
	pollLimiter.StartCleanup(ctx, 10*time.Minute, 15*time.Minute)

	// Middleware
	requireAuthMiddleware := middleware.RequireAuthentication(sessionManager)
	requireAdminRoleMiddleware := middleware.RequireRole(models.RoleAdmin)

	// Customer Routes (CSRF)
	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/api/csrf-token", handlers.CSRFTokenHandler)
	mainMux.Handle("/api/payments/mpesa/initiate", requireAuthMiddleware(http.HandlerFunc(paymentHandlers.InitiateHandler)))
	mainMux.Handle("/api/payments/status", pollLimiter.Middleware(requireAuthMiddleware(http.HandlerFunc(paymentHandlers.StatusHandler))))
	mainMux.Handle("/api/notifications", requireAuthMiddleware(http.HandlerFunc(notificationHandlers.ListHandler)))
	mainMux.Handle("/api/notifications/read", requireAuthMiddleware(http.HandlerFunc(notificationHandlers.MarkReadHandler)))
	mainMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.DB.PingContext(r.Context()); err != nil {
			handlers.RespondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	csrfProtectedRoutes := middleware.NoSurfMiddleware(mainMux, cfg.IsProduction())

	// --- Admin Routes ---
	adminRouter := http.NewServeMux()
	adminRouter.HandleFunc("/orders/payment-status", adminhandlers.AdminOverridePaymentStatusHandler(ordersDB, paymentsDB))
	adminRouter.HandleFunc("/orders/attempts", adminhandlers.AdminOrderAttemptsHandler(paymentsDB))
	adminRouter.Handle("/payments/poll", pollLimiter.Middleware(adminhandlers.AdminPollPaymentHandler(poller)))
	adminRouter.HandleFunc("/notifications", notificationHandlers.ListHandler)

	adminProtectedHandler := requireAuthMiddleware(
		requireAdminRoleMiddleware(
			middleware.NoSurfMiddleware(adminRouter, cfg.IsProduction()),
		),
	)
	// --- End Admin Routes ---

	// Top Level Mux
	topLevelMux := http.NewServeMux()
	// Daraja не передает CSRF токен и cookie сессии
	topLevelMux.Handle(cfg.Mpesa.CallbackPath, callbackLimiter.Middleware(http.HandlerFunc(paymentHandlers.CallbackHandler)))
	topLevelMux.Handle("/admin/", http.StripPrefix("/admin", adminProtectedHandler))
	topLevelMux.Handle("/", csrfProtectedRoutes)

	finalHandler := sessionManager.LoadAndSave(topLevelMux)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  240 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Получен сигнал остановки, завершаем HTTP-сервер")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Ошибка остановки HTTP-сервера", "error", err)
		}
	}()

	slog.Info("Платежный сервер Sokoni запущен и слушает", "address", fmt.Sprintf("http://localhost%s", addr), "callback_url", cfg.CallbackURL())
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Критическая ошибка: не удалось запустить HTTP-сервер", "address", addr, "error", err)
		os.Exit(1)
	}
}
