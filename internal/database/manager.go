// Package database holds the relay message repositories: a sqlite Manager
// and a Redis store. Both implement interfaces.MessageRepository.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"schoolchat/internal/metrics"
	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

const (
	writeQueue   = 100
	writeTimeout = 30 * time.Second
	retryDelay   = 5 * time.Second
)

// Manager is the sqlite repository. sqlite allows one writer at a time, so
// every write goes through a single goroutine; reads use the pool directly.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

var _ interfaces.MessageRepository = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and migrations, checks
// the schema and starts the writer.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "sqlite").Logger(),
		writeChannel: make(chan writeOperation, writeQueue),
		shutdown:     make(chan struct{}),
		retryDelay:   retryDelay,
	}
	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && !errors.Is(err, ErrConstraint) {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying once")
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrClosed
	}
}

// StoreMessage inserts message and bumps its room's last_message_at. The
// room row is created if it does not exist yet.
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	defer observe("sqlite", "store", time.Now())

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		createdAt := message.CreatedAt.UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (key, last_message_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET last_message_at = excluded.last_message_at
		`, string(message.Room), createdAt); err != nil {
			return fmt.Errorf("failed to upsert room: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, room, sender, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, message.ID, string(message.Room), message.Sender, message.Content, createdAt); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: %v", ErrConstraint, err)
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
		return nil
	})
}

// RoomHistory returns the newest limit messages of room, oldest first.
func (m *Manager) RoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]types.Message, error) {
	defer observe("sqlite", "history", time.Now())

	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room, sender, content, created_at FROM (
			SELECT id, room, sender, content, created_at, rowid AS seq
			FROM messages
			WHERE room = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`, string(room), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []types.Message{}
	for rows.Next() {
		var (
			msg     types.Message
			roomKey string
		)
		if err := rows.Scan(&msg.ID, &roomKey, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Room = types.RoomKey(roomKey)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// TouchRoom records room without changing its last message time.
func (m *Manager) TouchRoom(ctx context.Context, room types.RoomKey) error {
	defer observe("sqlite", "touch", time.Now())

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO rooms (key) VALUES (?) ON CONFLICT(key) DO NOTHING`, string(room))
		if err != nil {
			return fmt.Errorf("failed to touch room: %w", err)
		}
		return nil
	})
}

// ListRooms returns every room key in key order.
func (m *Manager) ListRooms(ctx context.Context) ([]types.RoomKey, error) {
	defer observe("sqlite", "rooms", time.Now())

	rows, err := m.db.QueryContext(ctx, `SELECT key FROM rooms ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rooms := []types.RoomKey{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		rooms = append(rooms, types.RoomKey(key))
	}
	return rooms, rows.Err()
}

// HealthCheck pings the database and runs a cheap read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
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

func observe(backend, op string, start time.Time) {
	metrics.StorageLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
