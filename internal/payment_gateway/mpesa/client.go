package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"sokoni.co.ke/internal/config"
)

const (
	tokenEndpoint = "/oauth/v1/generate?grant_type=client_credentials"
	pushEndpoint  = "/mpesa/stkpush/v1/processrequest"
	queryEndpoint = "/mpesa/stkpushquery/v1/query"

	// errorCode Daraja для запроса статуса, пока клиент не ответил на prompt
	errCodeStillProcessing = "500.001.1001"
	// ResultCode "транзакция еще обрабатывается"
	resultCodeStillProcessing = "4999"
)

// ErrAuthentication - любой сбой получения токена: сеть, код ответа, пустой токен.
var ErrAuthentication = errors.New("mpesa: authentication failed")

// GatewayError - корректный запрос, который шлюз отклонил.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa: gateway rejected request (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// StillProcessing сообщает, что шлюз еще ждет ответа клиента на prompt.
func (e *GatewayError) StillProcessing() bool {
	return e.Code == errCodeStillProcessing || e.Code == resultCodeStillProcessing
}

// NetworkError - ошибка транспорта или таймаут. Push при этом мог дойти до телефона.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mpesa: %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Client для взаимодействия с Safaricom Daraja
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient создает клиента. baseURL переопределяет адрес окружения из Credentials
// (пустая строка - использовать sandbox/production по Credentials.Environment).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		timeout:    timeout,
	}
}

func (c *Client) urlFor(creds config.Credentials, endpoint string) string {
	base := c.baseURL
	if base == "" {
		base = creds.BaseURL()
	}
	return base + endpoint
}

// AccessToken получает новый bearer токен по Basic Auth. Токен не кэшируется.
func (c *Client) AccessToken(ctx context.Context, creds config.Credentials) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.urlFor(creds, tokenEndpoint), nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create token request: %v", ErrAuthentication, err)
	}
	req.SetBasicAuth(creds.ConsumerKey, creds.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to perform token request: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: unexpected status code: %d, body: %s", ErrAuthentication, resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode token response: %v", ErrAuthentication, err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: access_token missing in response", ErrAuthentication)
	}
	return tokenResp.AccessToken, nil
}

// STKPush отправляет запрос на push оплаты. Успех только при ResponseCode == "0".
func (c *Client) STKPush(ctx context.Context, creds config.Credentials, token string, reqData STKPushRequest) (*STKPushResponse, error) {
	var pushResp STKPushResponse
	status, err := c.postJSON(ctx, "stk push", c.urlFor(creds, pushEndpoint), token, reqData, &pushResp)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK || !pushResp.ResponseCode.IsZero() || pushResp.CheckoutRequestID == "" {
		return nil, rejection(status, pushResp.ErrorResponse, string(pushResp.ResponseCode), pushResp.ResponseDescription)
	}
	return &pushResp, nil
}

// QueryStatus запрашивает статус STK Push по CheckoutRequestID.
// Пока клиент не ответил на prompt, возвращается *GatewayError со StillProcessing() == true.
func (c *Client) QueryStatus(ctx context.Context, creds config.Credentials, token string, reqData STKQueryRequest) (*STKQueryResponse, error) {
	var queryResp STKQueryResponse
	status, err := c.postJSON(ctx, "stk query", c.urlFor(creds, queryEndpoint), token, reqData, &queryResp)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK || !queryResp.ResponseCode.IsZero() {
		return nil, rejection(status, queryResp.ErrorResponse, string(queryResp.ResponseCode), queryResp.ResponseDescription)
	}
	if queryResp.ResultCode == resultCodeStillProcessing {
		return nil, &GatewayError{StatusCode: status, Code: resultCodeStillProcessing, Message: queryResp.ResultDesc}
	}
	return &queryResp, nil
}

func rejection(status int, errResp ErrorResponse, responseCode, description string) *GatewayError {
	ge := &GatewayError{StatusCode: status, RequestID: errResp.RequestID}
	if errResp.ErrorCode != "" {
		ge.Code = errResp.ErrorCode
		ge.Message = errResp.ErrorMessage
	} else {
		ge.Code = responseCode
		ge.Message = description
	}
	if ge.Message == "" {
		ge.Message = http.StatusText(status)
	}
	return ge
}

// postJSON выполняет POST с bearer токеном и декодирует тело ответа в out
// независимо от кода ответа: Daraja возвращает JSON и при ошибках.
func (c *Client) postJSON(ctx context.Context, op, url, token string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("mpesa: failed to marshal %s request body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(bodyBytes))
	if err != nil {
		return 0, fmt.Errorf("mpesa: failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &NetworkError{Op: op, Err: err}
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, fmt.Errorf("mpesa: failed to decode %s response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}
