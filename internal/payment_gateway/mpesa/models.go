package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Структуры запросов и ответов Safaricom Daraja (STK Push)

// Code - код ответа Daraja. В ответах REST он приходит строкой ("0"),
// в callback - числом (0), поэтому принимаем оба варианта.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	*c = Code(strings.Trim(string(b), `"`))
	return nil
}

func (c Code) IsZero() bool {
	return c == "0"
}

// TokenResponse - ответ /oauth/v1/generate
type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// STKPushRequest - тело /mpesa/stkpush/v1/processrequest
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse - ответ на STK Push, при отказе заполнены поля error*
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorResponse
}

// STKQueryRequest - тело /mpesa/stkpushquery/v1/query
type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          Code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	MpesaReceiptNumber  string `json:"MpesaReceiptNumber,omitempty"`
	ErrorResponse
}

// ErrorResponse - общий формат ошибки Daraja
type ErrorResponse struct {
	RequestID    string `json:"requestId,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// CallbackEnvelope - тело, которое Daraja присылает на CallBackURL
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        Code              `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Item возвращает значение элемента метаданных как строку.
func (cb *STKCallback) Item(name string) string {
	if cb.CallbackMetadata == nil {
		return ""
	}
	for _, it := range cb.CallbackMetadata.Item {
		if it.Name == name {
			return strings.Trim(string(bytes.TrimSpace(it.Value)), `"`)
		}
	}
	return ""
}

func (cb *STKCallback) Receipt() string {
	return cb.Item("MpesaReceiptNumber")
}

// ParseCallback разбирает тело callback и проверяет обязательные поля.
func ParseCallback(body []byte) (*STKCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("mpesa: failed to decode callback: %w", err)
	}
	cb := env.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("mpesa: callback without CheckoutRequestID")
	}
	if cb.ResultCode == "" {
		return nil, fmt.Errorf("mpesa: callback without ResultCode")
	}
	return &cb, nil
}

// CallbackAck - ответ, который Daraja ожидает на callback
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
