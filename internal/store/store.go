package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added UNIQUE index on publish_queue_items(identity_hash, stage)
const currentSchemaVersion = 1

// timeLayout is the persisted timestamp format.
const timeLayout = "2006-01-02 15:04:05"

// Store provides durable storage for the publish queue.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for created/last-edited stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	return OpenDriver(DriverSQLite, path, opts...)
}

// OpenDriver opens the queue store on the given driver ("sqlite3" or "mysql").
//
// SQLite is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// MySQL DSNs always get parseTime=true so DATETIME columns scan as time.Time.
func OpenDriver(driver, dsn string, opts ...Option) (*Store, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := openDB(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect.name == DriverSQLite {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	if err := applySchema(context.Background(), db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
// The entity store shares the connection when the CMS tables live in the
// same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.statements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	if err := runMigrations(ctx, db, d); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on the stored version.
func runMigrations(ctx context.Context, db *sql.DB, d Dialect) error {
	version, err := d.schemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(ctx, db, d); err != nil {
			return err
		}
	}

	if err := d.setSchemaVersion(ctx, db, currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return nil
}

// migrateToV1 enforces at most one queue row per (identity_hash, stage).
// Rows with a NULL identity hash (unresolved backfill rows) are exempt.
func migrateToV1(ctx context.Context, db *sql.DB, d Dialect) error {
	stmt := `CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_identity_stage
		ON publish_queue_items(identity_hash, stage)`
	if d.name == DriverMySQL {
		var n int
		err := db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM information_schema.statistics
			WHERE table_schema = DATABASE()
			  AND table_name = 'publish_queue_items'
			  AND index_name = 'idx_queue_identity_stage'
		`).Scan(&n)
		if err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if n > 0 {
			return nil
		}
		stmt = `CREATE UNIQUE INDEX idx_queue_identity_stage
			ON publish_queue_items(identity_hash, stage)`
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
