package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderPaymentStatus string

const (
	OrderPaymentPending OrderPaymentStatus = "pending"
	OrderPaymentPaid    OrderPaymentStatus = "paid"
	OrderPaymentFailed  OrderPaymentStatus = "failed"
)

func (s OrderPaymentStatus) Valid() bool {
	switch s {
	case OrderPaymentPending, OrderPaymentPaid, OrderPaymentFailed:
		return true
	}
	return false
}

// Order принадлежит витрине; здесь только поля, которые читает и пишет платежная подсистема.
type Order struct {
	ID            int64
	OrderNumber   string
	UserID        *int64
	Total         decimal.Decimal
	PaymentStatus OrderPaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
