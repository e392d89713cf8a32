// Package gormdb opens Postgres through GORM and serializes schema migrations
// across replicas.
package gormdb

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const migrateTimeout = 30 * time.Second

// LoggerConfig logs warnings and statements slower than a second.
func LoggerConfig() gormlogger.Config {
	return gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	}
}

// Open connects to dsn with driver errors translated to gorm sentinels.
func Open(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), LoggerConfig())
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// WithMigrationLock runs fn while holding the session advisory lock lockID.
// Each schema owner uses its own lock id.
func WithMigrationLock(db *gorm.DB, lockID int64, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID)
	}()
	return fn(db)
}

// OpenMigrated opens dsn and runs migrate under lockID.
func OpenMigrated(dsn string, lockID int64, migrate func(*gorm.DB) error) (*gorm.DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := WithMigrationLock(db, lockID, migrate); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return db, nil
}
