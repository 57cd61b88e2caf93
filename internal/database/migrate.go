package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	requiredTables  = []string{"call_sessions", "messages", "schema_migrations"}
	requiredIndexes = []string{
		"idx_call_sessions_status",
		"idx_call_sessions_user",
		"idx_call_sessions_advisor",
		"idx_messages_conversation",
		"idx_messages_receiver_unread",
		"idx_messages_session",
	}
)

// migrateLogger adapts zap to migrate.Logger.
type migrateLogger struct {
	logger *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Sugar().Debugf(format, v...)
}

func (l migrateLogger) Verbose() bool { return false }

// newMigrator binds the embedded migrations to db. The returned Migrate must
// not be closed: the sqlite3 driver would close db with it.
func newMigrator(db *sql.DB, logger *zap.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("open migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate new: %w", err)
	}
	if logger != nil {
		m.Log = migrateLogger{logger: logger}
	}
	return m, nil
}

// MigrateUp applies all pending migrations.
func MigrateUp(db *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := newMigrator(db, logger)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("migrate: no pending migrations")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	logger.Info("migrate: up ok")
	return nil
}

// MigrateDown rolls back steps migrations; steps <= 0 rolls back everything.
func MigrateDown(db *sql.DB, steps int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := newMigrator(db, logger)
	if err != nil {
		return err
	}
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	logger.Info("migrate: down ok", zap.Int("steps", steps))
	return nil
}

// SchemaVersion returns the applied migration version. ok is false on a
// database no migration has touched.
func SchemaVersion(db *sql.DB) (version uint, dirty bool, ok bool, err error) {
	m, err := newMigrator(db, nil)
	if err != nil {
		return 0, false, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("migrate version: %w", err)
	}
	return version, dirty, true, nil
}

// ValidateSchema checks that every table and index the store relies on exists.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		if err := expectObject(ctx, db, "table", table); err != nil {
			return err
		}
	}
	for _, index := range requiredIndexes {
		if err := expectObject(ctx, db, "index", index); err != nil {
			return err
		}
	}
	return nil
}

func expectObject(ctx context.Context, db *sql.DB, kind, name string) error {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", kind, name, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s %s does not exist", ErrSchemaMismatch, kind, name)
	}
	return nil
}
