// Package sqlite provides a SQLite-backed deltasync adapter set, one table
// per entity type.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	stdSync "sync"
	"time"

	"github.com/upcoach/deltasync"
	syncerrors "github.com/upcoach/deltasync/errors"
	"github.com/upcoach/deltasync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = syncerrors.Component("storage/sqlite")

var ErrStoreClosed = syncerrors.E(syncerrors.Op("sqlite"), syncerrors.KindStorage, "store is closed")

// Table names are interpolated into SQL; restrict them to plain identifiers.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including WAL mode
// and a connection pool of 25 max open, 5 max idle connections.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, "?_journal_mode=WAL" is appended to DataSourceName unless a
	// journal mode is already present.
	EnableWAL bool

	// Tables lists the entity tables to create on startup, one per entity
	// type (e.g. "goals", "habits").
	Tables []string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		if strings.Contains(c.DataSourceName, "?") {
			c.DataSourceName += "&_journal_mode=WAL"
		} else {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string, tables ...string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
		Tables:         tables,
	}
	config.setDefaults()
	return config
}

// Store owns the SQLite connection pool and hands out per-table adapters.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// New opens the database, configures the pool, and creates the entity tables
// from config.Tables.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	for _, table := range config.Tables {
		if !tableNameRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}

	logger := logging.WithComponent("sqlite-store")
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	for _, table := range config.Tables {
		if err := store.setupSchema(table); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to setup schema for %s: %w", table, err)
		}
	}

	return store, nil
}

// setupSchema creates one entity table and its paging index. The composite
// (user_id, updated_at, id) index serves the delta query's total order.
func (s *Store) setupSchema(table string) error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id          TEXT NOT NULL,
        user_id     TEXT NOT NULL,
        version     INTEGER NOT NULL DEFAULT 1,
        data        TEXT,
        updated_at  TIMESTAMP NOT NULL,
        deleted_at  TIMESTAMP,
        PRIMARY KEY (user_id, id)
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_user_updated ON %[1]s (user_id, updated_at, id);
    `, table)
	_, err := s.db.Exec(query)
	return err
}

// Adapter returns the deltasync.Adapter backed by the given table. The table
// must be one of the names the store was configured with.
func (s *Store) Adapter(table string) deltasync.Adapter {
	return &entityAdapter{store: s, table: table}
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// entityAdapter implements deltasync.Adapter for one table.
type entityAdapter struct {
	store *Store
	table string
}

var _ deltasync.Adapter = (*entityAdapter)(nil)

func (a *entityAdapter) FindChangedSince(ctx context.Context, userID string, since time.Time, afterID string, limit int) ([]deltasync.Entity, error) {
	if err := a.store.checkOpen(); err != nil {
		return nil, err
	}

	var query string
	var args []interface{}
	if afterID != "" {
		query = fmt.Sprintf(`SELECT id, user_id, version, data, updated_at, deleted_at FROM %s
            WHERE user_id = ? AND (updated_at > ? OR (updated_at = ? AND id > ?))
            ORDER BY updated_at ASC, id ASC LIMIT ?`, a.table)
		args = []interface{}{userID, since.UTC(), since.UTC(), afterID, limit}
	} else {
		query = fmt.Sprintf(`SELECT id, user_id, version, data, updated_at, deleted_at FROM %s
            WHERE user_id = ? AND updated_at >= ?
            ORDER BY updated_at ASC, id ASC LIMIT ?`, a.table)
		args = []interface{}{userID, since.UTC(), limit}
	}

	rows, err := a.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerrors.NewStorageError("sqlite.FindChangedSince", component, err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

func (a *entityAdapter) FindOne(ctx context.Context, userID, entityID string) (*deltasync.Entity, error) {
	if err := a.store.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, user_id, version, data, updated_at, deleted_at FROM %s
        WHERE user_id = ? AND id = ?`, a.table)
	row := a.store.db.QueryRowContext(ctx, query, userID, entityID)

	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.NewStorageError("sqlite.FindOne", component, err)
	}
	return entity, nil
}

func (a *entityAdapter) Create(ctx context.Context, row deltasync.Entity) (*deltasync.Entity, error) {
	if err := a.store.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, version, data, updated_at, deleted_at)
        VALUES (?, ?, ?, ?, ?, ?)`, a.table)
	row.UpdatedAt = row.UpdatedAt.UTC()
	_, err := a.store.db.ExecContext(ctx, query,
		row.ID, row.UserID, row.Version, nullableData(row.Payload), row.UpdatedAt, row.DeletedAt)
	if err != nil {
		return nil, syncerrors.NewStorageError("sqlite.Create", component, err)
	}
	return &row, nil
}

// Update writes the patch with a version guard so a concurrent writer cannot
// be silently overwritten; zero rows affected means the read was stale.
func (a *entityAdapter) Update(ctx context.Context, existing deltasync.Entity, patch deltasync.Patch) (*deltasync.Entity, error) {
	if err := a.store.checkOpen(); err != nil {
		return nil, err
	}

	data := patch.Data
	if data == nil {
		data = existing.Payload
	}
	var deletedAt *time.Time
	if patch.DeletedAt != nil {
		at := patch.DeletedAt.UTC()
		deletedAt = &at
	} else {
		deletedAt = existing.DeletedAt
	}

	query := fmt.Sprintf(`UPDATE %s SET version = ?, data = ?, updated_at = ?, deleted_at = ?
        WHERE user_id = ? AND id = ? AND version = ?`, a.table)
	updatedAt := patch.UpdatedAt.UTC()
	res, err := a.store.db.ExecContext(ctx, query,
		patch.Version, nullableData(data), updatedAt, deletedAt,
		existing.UserID, existing.ID, existing.Version)
	if err != nil {
		return nil, syncerrors.NewStorageError("sqlite.Update", component, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, syncerrors.NewStorageError("sqlite.Update", component, err)
	}
	if affected == 0 {
		return nil, syncerrors.NewStorageError("sqlite.Update", component,
			fmt.Errorf("row %s was modified concurrently", existing.ID))
	}

	updated := existing
	updated.Version = patch.Version
	updated.Payload = data
	updated.UpdatedAt = updatedAt
	updated.DeletedAt = deletedAt
	return &updated, nil
}

func (a *entityAdapter) Count(ctx context.Context, userID string) (int, error) {
	if err := a.store.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = ?`, a.table)
	if err := a.store.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, syncerrors.NewStorageError("sqlite.Count", component, err)
	}
	return count, nil
}

func (a *entityAdapter) MostRecentUpdate(ctx context.Context, userID string) (*time.Time, error) {
	if err := a.store.checkOpen(); err != nil {
		return nil, err
	}

	// ORDER BY + LIMIT instead of MAX() keeps the column's declared type so
	// the driver scans straight into time.Time.
	var updatedAt time.Time
	query := fmt.Sprintf(`SELECT updated_at FROM %s WHERE user_id = ?
        ORDER BY updated_at DESC LIMIT 1`, a.table)
	err := a.store.db.QueryRowContext(ctx, query, userID).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.NewStorageError("sqlite.MostRecentUpdate", component, err)
	}
	utc := updatedAt.UTC()
	return &utc, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(scanner rowScanner) (*deltasync.Entity, error) {
	var e deltasync.Entity
	var data sql.NullString
	var deletedAt sql.NullTime
	if err := scanner.Scan(&e.ID, &e.UserID, &e.Version, &data, &e.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if data.Valid {
		e.Payload = []byte(data.String)
	}
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		e.DeletedAt = &at
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func scanEntities(rows *sql.Rows) ([]deltasync.Entity, error) {
	var entities []deltasync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, syncerrors.NewStorageError("sqlite.scan", component, err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.NewStorageError("sqlite.scan", component, err)
	}
	return entities, nil
}

func nullableData(data []byte) interface{} {
	if data == nil {
		return nil
	}
	return string(data)
}
