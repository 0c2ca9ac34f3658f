// internal/db/users.go
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"sokoni.co.ke/internal/models"
)

// UsersDB читает пользователей витрины. Регистрацией и входом занимается витрина,
// здесь только поиск получателей уведомлений и текущего пользователя сессии.
type UsersDB struct {
	db *sql.DB
}

func NewUsersDB(conn *sql.DB) *UsersDB {
	return &UsersDB{db: conn}
}

// GetUserByID используется middleware аутентификации через глобальный DB.
func GetUserByID(id int64) (*models.User, error) {
	if DB == nil {
		return nil, errors.New("база данных не инициализирована")
	}
	return NewUsersDB(DB).GetUserByID(context.Background(), id)
}

func (udb *UsersDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	row := udb.db.QueryRowContext(ctx, getFullUserQuery()+" WHERE u.id = ?", id)
	return scanFullUser(row)
}

// GetUserIDsByRole возвращает ID всех пользователей с ролью roleName.
func (udb *UsersDB) GetUserIDsByRole(ctx context.Context, roleName string) ([]int64, error) {
	rows, err := udb.db.QueryContext(ctx,
		`SELECT u.id FROM users u JOIN roles r ON u.role_id = r.id WHERE r.name = ? ORDER BY u.id`, roleName)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей с ролью %s: %w", roleName, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			slog.Error("Ошибка сканирования ID пользователя", "role", roleName, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации по пользователям роли %s: %w", roleName, err)
	}
	return ids, nil
}

func getFullUserQuery() string {
	return `SELECT u.id, u.email, u.phone, u.first_name, u.last_name, u.created_at, u.updated_at,
                   u.role_id, r.name as role_name
            FROM users u
            LEFT JOIN roles r ON u.role_id = r.id`
}

// scanner - это интерфейс, который удовлетворяется и *sql.Row, и *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanFullUser сканирует строку из БД в модель models.User. Если пользователя нет, возвращает nil, nil.
func scanFullUser(row scanner) (*models.User, error) {
	user := &models.User{}
	var phone sql.NullString
	var roleID sql.NullInt64
	var roleName sql.NullString

	err := row.Scan(
		&user.ID, &user.Email, &phone, &user.FirstName, &user.LastName, &user.CreatedAt, &user.UpdatedAt,
		&roleID, &roleName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сканирования данных пользователя: %w", err)
	}

	if phone.Valid {
		user.Phone = &phone.String
	}
	if roleID.Valid {
		user.RoleID = &roleID.Int64
	}
	if roleName.Valid {
		user.RoleName = &roleName.String
	}
	return user, nil
}
