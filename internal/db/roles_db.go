// internal/db/roles_db.go
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"sokoni.co.ke/internal/models"
)

// RolesDB управляет справочником ролей. Уведомления об оплате адресуются по роли.
type RolesDB struct {
	db *sql.DB
}

func NewRolesDB(conn *sql.DB) *RolesDB {
	return &RolesDB{db: conn}
}

// EnsureRoles создает отсутствующие роли. Существующие роли не меняются.
func (rdb *RolesDB) EnsureRoles(ctx context.Context, roles []models.Role) error {
	for _, role := range roles {
		existing, err := rdb.GetRoleByName(ctx, role.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			slog.Debug("Роль уже существует, пропуск создания", "role_name", role.Name, "role_id", existing.ID)
			continue
		}
		res, err := rdb.db.ExecContext(ctx,
			`INSERT INTO roles (name, description) VALUES (?, ?) ON DUPLICATE KEY UPDATE id = id`,
			role.Name, nullString(role.Description))
		if err != nil {
			return fmt.Errorf("не удалось создать роль '%s': %w", role.Name, err)
		}
		id, _ := res.LastInsertId()
		slog.Info("Роль создана", "role_id", id, "role_name", role.Name)
	}
	return nil
}

// GetRoleByName возвращает роль по имени или nil, если ее нет.
func (rdb *RolesDB) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	row := rdb.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM roles WHERE name = ?`, name)
	role := &models.Role{}
	var description sql.NullString
	err := row.Scan(&role.ID, &role.Name, &description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения роли '%s': %w", name, err)
	}
	role.Description = description.String
	return role, nil
}
