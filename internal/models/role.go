// internal/models/role.go
package models

import "time"

type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Уведомления об оплате получают все пользователи с ролью RoleAdmin.
const (
	RoleUser  string = "user"
	RoleAdmin string = "admin"
)

// DefaultRoles создаются при инициализации БД, если их еще нет.
var DefaultRoles = []Role{
	{Name: RoleUser, Description: "Покупатель"},
	{Name: RoleAdmin, Description: "Администратор магазина, получает уведомления об оплатах"},
}
