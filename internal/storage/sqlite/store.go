package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/co-atc-positions/pkg/logger"
	_ "modernc.org/sqlite"
)

// PositionStore is a SQLite-based store for aircraft positions
type PositionStore struct {
	db         *sql.DB
	logger     *logger.Logger
	retention  time.Duration
	pruneBatch int
	now        func() time.Time
}

// Options controls retention behaviour of the store
type Options struct {
	Retention      time.Duration
	PruneBatchSize int
}

// NewPositionStore opens (or creates) the database at dbPath
func NewPositionStore(dbPath string, opts Options, log *logger.Logger) (*PositionStore, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath),
		logger.Duration("retention", opts.Retention))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "journal mode"},
		{"PRAGMA synchronous=NORMAL", "synchronous mode"},
		{"PRAGMA busy_timeout=5000", "busy timeout"},
		{"PRAGMA cache_size=10000", "cache size"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.what, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return NewWithDB(db, opts, storageLogger), nil
}

// NewWithDB wraps an already prepared database handle
func NewWithDB(db *sql.DB, opts Options, log *logger.Logger) *PositionStore {
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	if opts.PruneBatchSize <= 0 {
		opts.PruneBatchSize = 5000
	}
	return &PositionStore{
		db:         db,
		logger:     log,
		retention:  opts.Retention,
		pruneBatch: opts.PruneBatchSize,
		now:        time.Now,
	}
}

// Close closes the database connection
func (s *PositionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable
func (s *PositionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Retention returns the configured retention window
func (s *PositionStore) Retention() time.Duration {
	return s.retention
}

// horizon is the oldest recorded instant still inside the retention window
func (s *PositionStore) horizon() time.Time {
	return s.now().Add(-s.retention)
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id TEXT NOT NULL UNIQUE,
			aircraft_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL NOT NULL,
			ground_speed REAL NOT NULL,
			heading REAL NOT NULL,
			magnetic_heading REAL NOT NULL DEFAULT 0,
			recorded INTEGER NOT NULL,    -- unix nanoseconds
			created INTEGER NOT NULL,     -- unix nanoseconds
			source TEXT NOT NULL DEFAULT '',
			digest TEXT NOT NULL UNIQUE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create positions table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_positions_aircraft_recorded ON positions(aircraft_id, recorded)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_recorded ON positions(recorded)`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
