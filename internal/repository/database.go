package repository

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/card-grader/internal/logging"
)

// Open connects to Postgres for postgres:// or key=value DSNs and to SQLite
// for anything else (a file path, optionally prefixed with sqlite://).
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	dialector, driver := dialectorFor(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("repository.open", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("repository.open", "", err)
	}
	if driver == "postgres" {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("repository.ping", "", err)
	}
	logger.Info("history database connected", zap.String("driver", driver))
	return db, nil
}

func dialectorFor(dsn string) (gorm.Dialector, string) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "postgres://"),
		strings.HasPrefix(trimmed, "postgresql://"),
		strings.HasPrefix(trimmed, "host="):
		return postgres.Open(trimmed), "postgres"
	default:
		return sqlite.Open(strings.TrimPrefix(trimmed, "sqlite://")), "sqlite"
	}
}
