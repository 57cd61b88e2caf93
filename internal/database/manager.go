// Package database is the SQLite storage collaborator for call sessions and
// chat messages.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

// Manager implements interfaces.Store. Reads run concurrently on the pool;
// every write goes through one writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	now          func() time.Time

	closed bool
	mu     sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database at config.Path, creating its directory if
// needed, applies migrations and starts the writer.
func NewManager(config *Config, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := Open(config)
	if err != nil {
		return nil, err
	}
	if err := MigrateUp(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}

	m.wg.Add(1)
	go m.writeLoop()

	logger.Info("database ready", zap.String("path", config.Path))
	return m, nil
}

// Open opens and tunes the SQLite pool without migrating it.
func Open(config *Config) (*sql.DB, error) {
	if dir := filepath.Dir(config.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	return db, nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// writeLoop runs writes one at a time and retries a failed write once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && op.ctx.Err() == nil && m.config.WriteRetryDelay > 0 {
				m.logger.Warn("database write failed, retrying", zap.Duration("delay", m.config.WriteRetryDelay), zap.Error(err))
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(m.db)
					if err != nil {
						m.logger.Error("database write failed after retry", zap.Error(err))
					}
				case <-op.ctx.Done():
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrShuttingDown
	}
}

// affectedOne runs a single-statement update and reports whether it matched.
func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

const sessionColumns = `id, user_id, advisor_id, session_type, rate_per_minute, start_time, end_time,
	actual_start_time, actual_end_time, status, billed_amount, actual_duration, end_reason, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.CallSession, error) {
	var s types.CallSession
	var endTime, actualStart, actualEnd sql.NullTime
	var billed, duration sql.NullInt64

	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.AdvisorID,
		&s.SessionType,
		&s.RatePerMinute,
		&s.StartTime,
		&endTime,
		&actualStart,
		&actualEnd,
		&s.Status,
		&billed,
		&duration,
		&s.EndReason,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.EndTime = nullTime(endTime)
	s.ActualStartTime = nullTime(actualStart)
	s.ActualEndTime = nullTime(actualEnd)
	if billed.Valid {
		s.BilledAmount = &billed.Int64
	}
	if duration.Valid {
		s.ActualDuration = &duration.Int64
	}
	s.Participants = []int64{s.UserID, s.AdvisorID}
	return &s, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateSession inserts a new session in the created state.
func (m *Manager) CreateSession(ctx context.Context, req *types.CreateSessionRequest) (*types.CallSession, error) {
	now := m.now()
	start := now
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}

	session := &types.CallSession{
		UserID:        req.UserID,
		AdvisorID:     req.AdvisorID,
		SessionType:   req.SessionType,
		RatePerMinute: req.RatePerMinute,
		StartTime:     start,
		EndTime:       req.EndTime,
		Status:        types.SessionStatusCreated,
		Participants:  []int64{req.UserID, req.AdvisorID},
		CreatedAt:     now,
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO call_sessions (user_id, advisor_id, session_type, rate_per_minute, start_time, end_time, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.UserID,
			session.AdvisorID,
			session.SessionType,
			session.RatePerMinute,
			session.StartTime,
			timeArg(session.EndTime),
			session.Status,
			session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read session id: %w", err)
		}
		session.ID = id

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession loads one session. A missing row wraps interfaces.ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID int64) (*types.CallSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %d: %w", sessionID, interfaces.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

// UpdateSession writes a status change. A nil ActualStartTime leaves the
// stored value untouched.
func (m *Manager) UpdateSession(ctx context.Context, sessionID int64, update types.SessionUpdate) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE call_sessions
			SET status = ?, actual_start_time = COALESCE(?, actual_start_time)
			WHERE id = ?`,
			update.Status,
			timeArg(update.ActualStartTime),
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %d: %w", sessionID, interfaces.ErrSessionNotFound)
		}
		return nil
	})
}

// EndSession completes a session and stores its billing outcome.
func (m *Manager) EndSession(ctx context.Context, sessionID int64, data types.EndSessionData) (*types.BillingResult, error) {
	end := data.ActualEndTime.UTC()
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE call_sessions
			SET status = ?, end_time = ?, actual_end_time = ?, actual_duration = ?, billed_amount = ?, end_reason = ?
			WHERE id = ? AND status != ?`,
			types.SessionStatusCompleted,
			end,
			end,
			data.ActualDuration,
			data.BilledAmount,
			data.EndReason,
			sessionID,
			types.SessionStatusCompleted,
		)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %d: %w", sessionID, interfaces.ErrSessionNotFound)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session end: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &types.BillingResult{
		SessionID:      sessionID,
		BilledAmount:   data.BilledAmount,
		ActualDuration: data.ActualDuration,
		ActualEndTime:  end,
	}, nil
}

// ListActiveSessions returns every session not yet completed, oldest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.CallSession, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE status != ? ORDER BY id ASC`,
		types.SessionStatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// HealthCheck pings the database and runs a trivial read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the pool for migrations and schema checks.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
