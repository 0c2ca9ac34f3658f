// internal/notify/sms.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sokoni.co.ke/internal/config"
)

// SMSSender отправляет SMS через HTTP API шлюза (form-urlencoded POST).
// Без api key работает в режиме псевдо-отправки: только пишет в лог.
type SMSSender struct {
	cfg        config.SMSConfig
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

func NewSMSSender(cfg config.SMSConfig) *SMSSender {
	return &SMSSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

// Send делает до трех попыток. Ответы 4xx считаются окончательными.
func (s *SMSSender) Send(ctx context.Context, phoneNumber, message string) error {
	if s.cfg.APIKey == "" {
		slog.Warn("SMS шлюз не настроен. Псевдо-отправка SMS.", "to", phoneNumber, "message", message)
		return nil
	}

	data := url.Values{}
	data.Set("api_key", s.cfg.APIKey)
	data.Set("to", phoneNumber)
	data.Set("text", message)
	data.Set("from", s.cfg.SenderID)
	body := data.Encode()

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("ошибка создания запроса к SMS шлюзу: %w", err))
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			slog.Warn("Ошибка отправки запроса к SMS шлюзу", "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("ошибка отправки SMS: статус %d", resp.StatusCode))
		default:
			slog.Warn("SMS шлюз вернул ошибку", "attempt", attempt, "status", resp.Status)
			return fmt.Errorf("ошибка отправки SMS: статус %d", resp.StatusCode)
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		slog.Error("Не удалось отправить SMS", "to", phoneNumber, "attempts", attempt, "error", err)
		return err
	}
	slog.Info("SMS успешно отправлено", "to", phoneNumber)
	return nil
}
