// cmd/paymentctl/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/db"
	"sokoni.co.ke/internal/models"
	"sokoni.co.ke/internal/notify"
	"sokoni.co.ke/internal/payment_gateway/mpesa"
	"sokoni.co.ke/internal/payments"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Обслуживание платежной подсистемы M-Pesa",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "путь к config.yaml")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(overrideCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services - то же, что собирает cmd/server, без HTTP.
type services struct {
	cfg        *config.Config
	conn       *sql.DB
	payments   *db.PaymentsDB
	orders     *db.OrdersDB
	dispatcher *notify.Dispatcher
	poller     *payments.Poller
	sweeper    *payments.Sweeper
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	config.InitLogger(cfg.AppEnv)
	return cfg, nil
}

func openServices() (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	conn, _, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	credentials := config.NewEnvCredentialProvider()
	paymentsDB := db.NewPaymentsDB(conn)
	dispatcher := notify.NewDispatcher(paymentsDB, db.NewNotificationsDB(conn), db.NewUsersDB(conn), notify.NewSMSSender(cfg.SMS), cfg.Notifications)
	reconciler := payments.NewReconciler(paymentsDB, dispatcher)
	gateway := mpesa.NewClient(cfg.Mpesa.BaseURL, cfg.RequestTimeout())
	poller := payments.NewPoller(paymentsDB, gateway, credentials, reconciler, cfg.Location())

	return &services{
		cfg:        cfg,
		conn:       conn,
		payments:   paymentsDB,
		orders:     db.NewOrdersDB(conn),
		dispatcher: dispatcher,
		poller:     poller,
		sweeper:    payments.NewSweeper(paymentsDB, poller, reconciler, cfg.StaleAfter()),
	}, nil
}

// flushNotifications рассылает уведомления, созданные командой, до выхода процесса.
func (s *services) flushNotifications(ctx context.Context) {
	if n, err := s.dispatcher.DispatchOnce(ctx); err != nil {
		slog.Error("Ошибка рассылки уведомлений", "error", err)
	} else if n > 0 {
		slog.Info("Уведомления об оплате разосланы", "events", n)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить встроенные миграции схемы",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dbName, err := db.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := db.RunMigrations(conn, dbName); err != nil {
				return err
			}
			version, dirty, err := db.MigrationVersion(conn, dbName)
			if err != nil {
				return fmt.Errorf("не удалось получить версию схемы: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	var orderID int64
	cmd := &cobra.Command{
		Use:   "query [checkout_id]",
		Short: "Запросить статус STK Push в Daraja и применить результат",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && orderID == 0 {
				return fmt.Errorf("нужен checkout_id или --order")
			}
			s, err := openServices()
			if err != nil {
				return err
			}
			defer s.conn.Close()
			ctx := cmd.Context()

			var res payments.PollResult
			if len(args) == 1 {
				res, err = s.poller.Poll(ctx, args[0])
			} else {
				res, err = s.poller.PollOrder(ctx, orderID)
			}
			if err != nil {
				return err
			}
			s.flushNotifications(ctx)

			out := map[string]any{"result": res}
			if res.Finalize != nil {
				out["finalize"] = res.Finalize.Status
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().Int64Var(&orderID, "order", 0, "опросить последнюю попытку заказа")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Закрыть зависшие pending попытки оплаты",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServices()
			if err != nil {
				return err
			}
			defer s.conn.Close()

			report, err := s.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			s.flushNotifications(cmd.Context())
			return printJSON(cmd, report)
		},
	}
}

func overrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "override [order_id] [pending|paid|failed]",
		Short: "Записать статус оплаты заказа вручную, без сверки с попытками",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || orderID <= 0 {
				return fmt.Errorf("неверный order_id %q", args[0])
			}
			status := models.OrderPaymentStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("недопустимый статус %q", args[1])
			}

			s, err := openServices()
			if err != nil {
				return err
			}
			defer s.conn.Close()
			ctx := cmd.Context()

			if pending, err := s.payments.HasPendingAttempt(ctx, orderID); err == nil && pending {
				slog.Warn("У заказа есть незавершенная попытка M-Pesa, ручной статус может быть перезаписан ею", "orderID", orderID)
			}
			if err := s.orders.SetPaymentStatus(ctx, orderID, status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "order %d payment_status=%s\n", orderID, status)
			return nil
		},
	}
}
