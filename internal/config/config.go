// internal/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MpesaConfig описывает несекретные параметры интеграции с Daraja (STK Push).
// Ключи, секрет и passkey сюда не попадают, они приходят через CredentialProvider.
type MpesaConfig struct {
	BaseURL                string `yaml:"base_url"`
	PartyB                 string `yaml:"party_b"`
	TransactionType        string `yaml:"transaction_type"`
	TransactionDesc        string `yaml:"transaction_desc"`
	CallbackPath           string `yaml:"callback_path"`
	CallbackToken          string `yaml:"callback_token"`
	AccountReferencePrefix string `yaml:"account_reference_prefix"`
	Timezone               string `yaml:"timezone"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds"`
	PromptWindowSeconds    int    `yaml:"prompt_window_seconds"`
	StaleAfterMinutes      int    `yaml:"stale_after_minutes"`
	SweepIntervalMinutes   int    `yaml:"sweep_interval_minutes"`
}

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

type NotificationsConfig struct {
	NotifyCustomer     bool   `yaml:"notify_customer"`
	OrderLinkBase      string `yaml:"order_link_base"`
	AdminOrderLinkBase string `yaml:"admin_order_link_base"`
	DispatchIntervalS  int    `yaml:"dispatch_interval_seconds"`
}

type SMSConfig struct {
	APIURL   string `yaml:"api_url"`
	APIKey   string `yaml:"-"`
	SenderID string `yaml:"sender_id"`
}

type RateLimitConfig struct {
	CallbackRPS   float64 `yaml:"callback_rps"`
	CallbackBurst int     `yaml:"callback_burst"`
	PollRPS       float64 `yaml:"poll_rps"`
	PollBurst     int     `yaml:"poll_burst"`
}

type Config struct {
	SiteName      string              `yaml:"site_name"`
	BaseURL       string              `yaml:"base_url"`
	Port          int                 `yaml:"port"`
	AppEnv        string              `yaml:"app_env"`
	Database      DatabaseConfig      `yaml:"database"`
	Mpesa         MpesaConfig         `yaml:"mpesa"`
	Notifications NotificationsConfig `yaml:"notifications"`
	SMS           SMSConfig           `yaml:"sms"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	CSRFAuthKey   string              `yaml:"-"`
}

func getStringEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
		slog.Warn("Не удалось преобразовать переменную окружения в число, используется значение по умолчанию", "key", key, "value", valueStr)
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
		slog.Warn("Не удалось преобразовать переменную окружения в bool, используется значение по умолчанию", "key", key, "value", valueStr)
	}
	return defaultValue
}

func LoadConfig(filename string) (*Config, error) {
	appEnvFromSystem := os.Getenv("APP_ENV")
	if appEnvFromSystem != "production" {
		if err := godotenv.Load("configs/.env"); err != nil {
			slog.Info("configs/.env не найден или ошибка загрузки, это ожидаемо для production или если переменные установлены системно.", "error", err)
		} else {
			slog.Info("Переменные окружения загружены из configs/.env")
		}
	}

	file, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("файл конфигурации не найден: %s", filename)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла конфигурации '%s': %w", filename, err)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка декодирования YAML из файла '%s': %w", filename, err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	slog.Info("Конфигурация загружена", "app_env", cfg.AppEnv, "base_url", cfg.BaseURL, "port", cfg.Port, "callback_url", cfg.CallbackURL())
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.AppEnv = getStringEnvOrDefault("APP_ENV", cfg.AppEnv)
	cfg.BaseURL = getStringEnvOrDefault("BASE_URL", cfg.BaseURL)
	cfg.Port = getIntEnvOrDefault("PORT", cfg.Port)

	cfg.Database.Password = getStringEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.Path = dsn
		cfg.Database.Host = ""
		cfg.Database.Port = 0
		cfg.Database.User = ""
	} else {
		cfg.Database.Host = getStringEnvOrDefault("DB_HOST", cfg.Database.Host)
		cfg.Database.Port = getIntEnvOrDefault("DB_PORT", cfg.Database.Port)
		cfg.Database.User = getStringEnvOrDefault("DB_USER", cfg.Database.User)
		cfg.Database.DBName = getStringEnvOrDefault("DB_NAME", cfg.Database.DBName)
		cfg.Database.Path = ""
	}

	cfg.Mpesa.BaseURL = getStringEnvOrDefault("MPESA_BASE_URL", cfg.Mpesa.BaseURL)
	cfg.Mpesa.PartyB = getStringEnvOrDefault("MPESA_PARTY_B", cfg.Mpesa.PartyB)
	cfg.Mpesa.CallbackToken = getStringEnvOrDefault("MPESA_CALLBACK_TOKEN", cfg.Mpesa.CallbackToken)
	cfg.Mpesa.RequestTimeoutSeconds = getIntEnvOrDefault("MPESA_REQUEST_TIMEOUT_SECONDS", cfg.Mpesa.RequestTimeoutSeconds)

	cfg.Notifications.NotifyCustomer = getBoolEnvOrDefault("NOTIFY_CUSTOMER", cfg.Notifications.NotifyCustomer)

	cfg.SMS.APIURL = getStringEnvOrDefault("SMS_GATEWAY_API_URL", cfg.SMS.APIURL)
	cfg.SMS.SenderID = getStringEnvOrDefault("SMS_GATEWAY_SENDER_ID", cfg.SMS.SenderID)
	cfg.SMS.APIKey = os.Getenv("SMS_GATEWAY_API_KEY") // ключ SMS только из ENV

	cfg.CSRFAuthKey = getStringEnvOrDefault("CSRF_AUTH_KEY", "")
}

func (cfg *Config) applyDefaultsAndValidate() error {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	isProduction := cfg.IsProduction()

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return fmt.Errorf("BASE_URL не задан")
	}
	// Daraja доставляет callback только на публичный https адрес
	if isProduction && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("в production окружении BASE_URL должен начинаться с https://")
	}

	if cfg.Database.Path == "" && cfg.Database.Host == "" {
		return fmt.Errorf("параметры подключения к БД (DATABASE_DSN или DB_HOST и др.) не заданы")
	}
	if cfg.Database.Host != "" {
		if cfg.Database.User == "" {
			return fmt.Errorf("DB_USER не задан для подключения к БД")
		}
		if cfg.Database.DBName == "" {
			return fmt.Errorf("DB_NAME не задан для подключения к БД")
		}
	}
	if isProduction && cfg.Database.Host != "" && cfg.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD должен быть установлен в переменных окружения для production")
	}

	if isProduction && cfg.CSRFAuthKey == "" {
		return fmt.Errorf("CSRF_AUTH_KEY должен быть установлен в переменных окружения для production")
	}
	if !isProduction && cfg.CSRFAuthKey == "" {
		slog.Warn("CSRF_AUTH_KEY не установлен! Используется ключ nosurf по умолчанию (ТОЛЬКО ДЛЯ РАЗРАБОТКИ).")
	}

	m := &cfg.Mpesa
	if m.TransactionType == "" {
		m.TransactionType = "CustomerPayBillOnline"
	}
	if m.TransactionType != "CustomerPayBillOnline" && m.TransactionType != "CustomerBuyGoodsOnline" {
		return fmt.Errorf("mpesa.transaction_type должен быть CustomerPayBillOnline или CustomerBuyGoodsOnline, получено %q", m.TransactionType)
	}
	if m.TransactionDesc == "" {
		m.TransactionDesc = "Order payment"
	}
	if m.CallbackPath == "" {
		m.CallbackPath = "/api/payments/mpesa/callback"
	}
	if !strings.HasPrefix(m.CallbackPath, "/") {
		m.CallbackPath = "/" + m.CallbackPath
	}
	if m.AccountReferencePrefix == "" {
		m.AccountReferencePrefix = "PAY"
	}
	if m.Timezone == "" {
		m.Timezone = "Africa/Nairobi"
	}
	if m.RequestTimeoutSeconds <= 0 {
		m.RequestTimeoutSeconds = 30
	}
	if m.PromptWindowSeconds <= 0 {
		m.PromptWindowSeconds = 120
	}
	if m.StaleAfterMinutes <= 0 {
		m.StaleAfterMinutes = 30
	}
	if m.SweepIntervalMinutes <= 0 {
		m.SweepIntervalMinutes = 10
	}
	if isProduction && m.CallbackToken == "" {
		slog.Warn("MPESA_CALLBACK_TOKEN не установлен для production. Callback endpoint не проверяет источник запроса.")
	}

	n := &cfg.Notifications
	if n.OrderLinkBase == "" {
		n.OrderLinkBase = "/orders"
	}
	if n.AdminOrderLinkBase == "" {
		n.AdminOrderLinkBase = "/admin/orders"
	}
	if n.DispatchIntervalS <= 0 {
		n.DispatchIntervalS = 30
	}

	r := &cfg.RateLimit
	if r.CallbackRPS <= 0 {
		r.CallbackRPS = 20
	}
	if r.CallbackBurst <= 0 {
		r.CallbackBurst = 40
	}
	if r.PollRPS <= 0 {
		r.PollRPS = 0.5
	}
	if r.PollBurst <= 0 {
		r.PollBurst = 3
	}
	return nil
}

func (cfg *Config) IsProduction() bool {
	return cfg.AppEnv == "production"
}

// CallbackURL возвращает публичный адрес, который передается в CallBackURL запроса STK Push.
func (cfg *Config) CallbackURL() string {
	u := cfg.BaseURL + cfg.Mpesa.CallbackPath
	if cfg.Mpesa.CallbackToken != "" {
		u += "?token=" + cfg.Mpesa.CallbackToken
	}
	return u
}

func (cfg *Config) RequestTimeout() time.Duration {
	return time.Duration(cfg.Mpesa.RequestTimeoutSeconds) * time.Second
}

func (cfg *Config) PromptWindow() time.Duration {
	return time.Duration(cfg.Mpesa.PromptWindowSeconds) * time.Second
}

func (cfg *Config) StaleAfter() time.Duration {
	return time.Duration(cfg.Mpesa.StaleAfterMinutes) * time.Minute
}

func (cfg *Config) SweepInterval() time.Duration {
	return time.Duration(cfg.Mpesa.SweepIntervalMinutes) * time.Minute
}

func (cfg *Config) DispatchInterval() time.Duration {
	return time.Duration(cfg.Notifications.DispatchIntervalS) * time.Second
}

// Location возвращает часовой пояс для Timestamp в запросах Daraja.
// Если tzdata недоступна, используется фиксированный EAT (+03:00).
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Mpesa.Timezone)
	if err != nil {
		slog.Warn("Не удалось загрузить часовой пояс, используется EAT +03:00", "timezone", cfg.Mpesa.Timezone, "error", err)
		return time.FixedZone("EAT", 3*60*60)
	}
	return loc
}

func InitLogger(appEnv string) {
	var logger *slog.Logger
	logLevel := slog.LevelInfo

	if appEnv == "development" {
		logLevel = slog.LevelDebug
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: false,
		}))
	}
	slog.SetDefault(logger)
}
