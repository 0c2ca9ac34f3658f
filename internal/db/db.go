// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

var DB *sql.DB

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newMigrate(dbConn *sql.DB, dbName string) (*migrate.Migrate, error) {
	driverInstance, err := mysql.WithInstance(dbConn, &mysql.Config{
		DatabaseName: dbName,
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось создать драйвер миграций mysql: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть встроенные миграции: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driverInstance)
	if err != nil {
		slog.Error("Ошибка создания экземпляра migrate", "dbName", dbName, "error", err)
		return nil, fmt.Errorf("ошибка создания экземпляра migrate: %w", err)
	}
	return m, nil
}

// RunMigrations применяет встроенные в бинарник миграции.
func RunMigrations(dbConn *sql.DB, dbName string) error {
	m, err := newMigrate(dbConn, dbName)
	if err != nil {
		return err
	}

	slog.Info("Применение миграций MariaDB...")
	err = m.Up()

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, verr := m.Version()
		if verr != nil {
			slog.Error("Ошибка получения статуса миграции после неудачного Up", "migration_error", err, "status_error", verr)
		} else {
			slog.Error("Ошибка применения миграций. Проверьте логи и файлы миграций.", "current_version", version, "dirty_state", dirty, "error_up", err)
		}
		return fmt.Errorf("ошибка применения миграций MariaDB: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("Миграции MariaDB: нет изменений.")
	} else {
		slog.Info("Миграции MariaDB успешно применены.")
	}
	return nil
}

// MigrationVersion возвращает текущую версию схемы.
func MigrationVersion(dbConn *sql.DB, dbName string) (uint, bool, error) {
	m, err := newMigrate(dbConn, dbName)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// BuildDSN собирает конфигурацию go-sql-driver из DATABASE_DSN или из компонентов.
// parseTime и multiStatements включаются всегда: их требуют сканирование дат и миграции.
func BuildDSN(dbCfg config.DatabaseConfig) (*gomysql.Config, error) {
	var mc *gomysql.Config
	switch {
	case dbCfg.Path != "":
		parsed, err := gomysql.ParseDSN(dbCfg.Path)
		if err != nil {
			return nil, fmt.Errorf("неверный DATABASE_DSN: %w", err)
		}
		mc = parsed
		slog.Info("Используется DATABASE_DSN для подключения к MariaDB.")
	case dbCfg.Host != "" && dbCfg.User != "" && dbCfg.DBName != "":
		mc = gomysql.NewConfig()
		mc.User = dbCfg.User
		mc.Passwd = dbCfg.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port)
		mc.DBName = dbCfg.DBName
		slog.Info("Формируется DSN из компонентов для MariaDB.")
	default:
		return nil, fmt.Errorf("недостаточно параметров для подключения к MariaDB: DSN или Host+User+DBName должны быть заданы")
	}

	mc.ParseTime = true
	mc.MultiStatements = true
	if mc.Collation == "" {
		mc.Collation = "utf8mb4_general_ci"
	}
	return mc, nil
}

// Open подключается к MariaDB и проверяет соединение, без миграций.
func Open(dbCfg config.DatabaseConfig) (*sql.DB, string, error) {
	mc, err := BuildDSN(dbCfg)
	if err != nil {
		return nil, "", err
	}
	slog.Info("Подключение к MariaDB", "addr", mc.Addr, "dbname", mc.DBName, "user", mc.User)

	conn, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, "", fmt.Errorf("ошибка открытия соединения с MariaDB: %w", err)
	}

	conn.SetConnMaxLifetime(time.Minute * 3)
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(10)

	if err = conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("ошибка подключения к MariaDB (ping failed): %w", err)
	}
	slog.Info("Успешное подключение к MariaDB.")
	return conn, mc.DBName, nil
}

func InitDB(appConfig *config.Config) error {
	conn, dbName, err := Open(appConfig.Database)
	if err != nil {
		return err
	}
	DB = conn

	if err = RunMigrations(DB, dbName); err != nil {
		// без схемы приложение работать не сможет
		_ = DB.Close()
		return fmt.Errorf("ошибка выполнения миграций MariaDB: %w", err)
	}

	// таблица сессий scs/mysqlstore
	createTableSQL := `CREATE TABLE IF NOT EXISTS sessions (
		token CHAR(43) PRIMARY KEY,
		data BLOB NOT NULL,
		expiry TIMESTAMP(6) NOT NULL
	);`
	createIndexSQL := `CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions (expiry);`

	if _, errTable := DB.Exec(createTableSQL); errTable != nil {
		slog.Error("Не удалось создать таблицу 'sessions' для MariaDB.", "error", errTable)
	} else {
		slog.Info("Таблица 'sessions' проверена/создана.")
		if _, errIndex := DB.Exec(createIndexSQL); errIndex != nil {
			slog.Warn("Не удалось создать индекс 'sessions_expiry_idx' для таблицы 'sessions'.", "error", errIndex)
		}
	}

	if errRoles := NewRolesDB(DB).EnsureRoles(context.Background(), models.DefaultRoles); errRoles != nil {
		slog.Warn("Не удалось создать/проверить роли по умолчанию", "error", errRoles)
	}

	slog.Info("База данных MariaDB успешно инициализирована (включая миграции и роли).")
	return nil
}
