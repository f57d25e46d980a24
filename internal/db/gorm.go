package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultSQLiteDSN = "applyq.db"
	sqliteBusyPragma = "_pragma=busy_timeout(5000)"
)

// OpenGorm opens the queue database. SQLite connections are pinned to a
// single writer so concurrent task updates serialize instead of failing
// with SQLITE_BUSY.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver == DriverSQLite {
			dsn = defaultSQLiteDSN
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch driver {
	case DriverSQLite:
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gormDB, err := gorm.Open(sqliteDriver.Open(withBusyTimeout(dsn)), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return gormDB, nil
	case DriverPostgres:
		gormDB, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return gormDB, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// IsPostgres reports whether row-level locking clauses are available.
func IsPostgres(gormDB *gorm.DB) bool {
	if gormDB == nil || gormDB.Dialector == nil {
		return false
	}
	return gormDB.Dialector.Name() == DriverPostgres
}

func Close(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteBusyPragma
	}
	return dsn + "?" + sqliteBusyPragma
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	if raw == "" || strings.EqualFold(raw, ":memory:") {
		return "", false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return stripQuery(raw), true
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return stripQuery(raw), true
	}
	if strings.EqualFold(strings.TrimSpace(parsed.Query().Get("mode")), "memory") {
		return "", false
	}
	switch {
	case strings.HasPrefix(strings.ToLower(parsed.Path), ":memory:"):
		return "", false
	case parsed.Path != "":
		return parsed.Path, true
	case parsed.Opaque != "":
		return stripQuery(strings.TrimPrefix(raw, "file:")), true
	default:
		return "", false
	}
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
