package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

// Credentials - секреты мерчанта для Daraja. Никогда не логируются.
type Credentials struct {
	ConsumerKey    string      `envconfig:"CONSUMER_KEY"`
	ConsumerSecret string      `envconfig:"CONSUMER_SECRET"`
	Passkey        string      `envconfig:"PASSKEY"`
	Shortcode      string      `envconfig:"SHORTCODE"`
	Environment    Environment `envconfig:"ENVIRONMENT" default:"sandbox"`
}

var ErrIncompleteCredentials = errors.New("учетные данные M-Pesa заполнены не полностью")

func (c Credentials) Validate() error {
	var missing []string
	if c.ConsumerKey == "" {
		missing = append(missing, "MPESA_CONSUMER_KEY")
	}
	if c.ConsumerSecret == "" {
		missing = append(missing, "MPESA_CONSUMER_SECRET")
	}
	if c.Passkey == "" {
		missing = append(missing, "MPESA_PASSKEY")
	}
	if c.Shortcode == "" {
		missing = append(missing, "MPESA_SHORTCODE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteCredentials, strings.Join(missing, ", "))
	}
	switch c.Environment {
	case EnvironmentSandbox, EnvironmentProduction:
	default:
		return fmt.Errorf("неизвестное окружение M-Pesa %q (ожидается sandbox или production)", c.Environment)
	}
	return nil
}

// BaseURL возвращает адрес Daraja для выбранного окружения.
func (c Credentials) BaseURL() string {
	if c.Environment == EnvironmentProduction {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

// CredentialProvider отдает учетные данные шлюза. Реализации загружают секреты
// из хранилища секретов при старте процесса.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// EnvCredentialProvider читает MPESA_* переменные окружения один раз.
type EnvCredentialProvider struct {
	once  sync.Once
	creds Credentials
	err   error
}

func NewEnvCredentialProvider() *EnvCredentialProvider {
	return &EnvCredentialProvider{}
}

func (p *EnvCredentialProvider) Credentials(_ context.Context) (Credentials, error) {
	p.once.Do(func() {
		var c Credentials
		if err := envconfig.Process("mpesa", &c); err != nil {
			p.err = fmt.Errorf("ошибка чтения MPESA_* переменных окружения: %w", err)
			return
		}
		c.Environment = Environment(strings.ToLower(string(c.Environment)))
		if err := c.Validate(); err != nil {
			p.err = err
			return
		}
		p.creds = c
		slog.Info("Учетные данные M-Pesa загружены", "environment", c.Environment, "shortcode", c.Shortcode)
	})
	return p.creds, p.err
}

// StaticCredentialProvider используется в тестах и в paymentctl с явно переданными значениями.
type StaticCredentialProvider struct {
	Creds Credentials
}

func (p StaticCredentialProvider) Credentials(_ context.Context) (Credentials, error) {
	if err := p.Creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return p.Creds, nil
}
