// internal/models/user.go
package models

import "time"

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	RoleID    *int64    `json:"-"`
	RoleName  *string   `json:"role_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.RoleName != nil && *u.RoleName == RoleAdmin
}

// InitiatePaymentForm - форма оплаты заказа через M-Pesa на странице checkout.
type InitiatePaymentForm struct {
	OrderID int64  `form:"order_id" validate:"required,gt=0"`
	Phone   string `form:"phone" validate:"required,ke_msisdn"`
}

// OverridePaymentStatusForm - ручная установка статуса оплаты администратором.
type OverridePaymentStatusForm struct {
	OrderID int64  `form:"order_id" validate:"required,gt=0"`
	Status  string `form:"status" validate:"required,payment_status"`
	Note    string `form:"note" validate:"max=255"`
}
