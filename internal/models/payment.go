package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusCompleted || s == AttemptStatusFailed
}

// FinalizeSource - какой триггер перевел попытку в терминальный статус.
type FinalizeSource string

const (
	SourceCallback FinalizeSource = "callback"
	SourcePoll     FinalizeSource = "poll"
	SourceSweep    FinalizeSource = "sweep"
)

// PaymentAttempt - одна попытка STK Push. Создается до сетевого вызова и
// остается в таблице навсегда как журнал аудита.
type PaymentAttempt struct {
	ID                int64           `json:"id"`
	OrderID           int64           `json:"order_id"`
	Phone             string          `json:"phone"`
	Amount            decimal.Decimal `json:"amount"`
	Reference         string          `json:"reference"`
	CheckoutID        *string         `json:"checkout_id"`
	MerchantRequestID *string         `json:"merchant_request_id,omitempty"`
	Status            AttemptStatus   `json:"status"`
	ReceiptNumber     *string         `json:"receipt_number,omitempty"`
	ResultCode        *string         `json:"result_code,omitempty"`
	ResultDesc        *string         `json:"result_desc,omitempty"`
	Source            *FinalizeSource `json:"source,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

var (
	// ErrAttemptNotFound - нет попытки с таким checkout id.
	ErrAttemptNotFound = errors.New("попытка оплаты не найдена")
	// ErrAttemptFinalized - попытка уже в терминальном статусе, переход не выполнен.
	ErrAttemptFinalized = errors.New("попытка оплаты уже завершена")
	// ErrDuplicateReference - reference попытки уже занят (UNIQUE).
	ErrDuplicateReference = errors.New("попытка оплаты с таким reference уже существует")
)

// Outcome - результат оплаты, пришедший из callback, опроса статуса или sweep.
type Outcome struct {
	Paid       bool
	Receipt    string
	ResultCode string
	Reason     string
	Source     FinalizeSource
}

// AttemptStatus возвращает терминальный статус попытки для исхода.
func (o Outcome) AttemptStatus() AttemptStatus {
	if o.Paid {
		return AttemptStatusCompleted
	}
	return AttemptStatusFailed
}

// OrderStatus возвращает статус оплаты заказа для исхода.
func (o Outcome) OrderStatus() OrderPaymentStatus {
	if o.Paid {
		return OrderPaymentPaid
	}
	return OrderPaymentFailed
}

const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
)

// PaymentEvent - запись outbox, создается в той же транзакции, что и финализация.
type PaymentEvent struct {
	ID          string
	AttemptID   int64
	OrderID     int64
	Type        string
	Payload     []byte
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// PaymentEventPayload - содержимое PaymentEvent.Payload.
type PaymentEventPayload struct {
	AttemptID   int64          `json:"attempt_id"`
	OrderID     int64          `json:"order_id"`
	OrderNumber string         `json:"order_number"`
	CustomerID  *int64         `json:"customer_id,omitempty"`
	Phone       string         `json:"phone"`
	Amount      string         `json:"amount"`
	Paid        bool           `json:"paid"`
	Receipt     string         `json:"receipt,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Source      FinalizeSource `json:"source"`
}

// CallbackLog - сырой callback от Daraja, сохраняется для разборов.
type CallbackLog struct {
	ID             string
	CheckoutID     string
	ResultCode     *int
	Payload        []byte
	FinalizeStatus string
	ReceivedAt     time.Time
}
