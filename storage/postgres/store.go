// Package postgres provides a PostgreSQL-backed deltasync adapter set, one
// table per entity type. Schema is managed with embedded goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/upcoach/deltasync"
	syncerrors "github.com/upcoach/deltasync/errors"
	"github.com/upcoach/deltasync/logging"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

const component = syncerrors.Component("storage/postgres")

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds connection settings for the Store.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
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
}

// Store owns the Postgres connection pool and hands out per-table adapters.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// New opens the database and runs pending migrations.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil || config.DSN == "" {
		return nil, fmt.Errorf("DSN is required")
	}
	config.setDefaults()

	db, err := sql.Open("pgx", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres database: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, logger: logging.WithComponent("postgres-store")}, nil
}

// Adapter returns the deltasync.Adapter backed by the given table.
func (s *Store) Adapter(table string) (deltasync.Adapter, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &entityAdapter{db: s.db, table: table}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type entityAdapter struct {
	db    *sql.DB
	table string
}

var _ deltasync.Adapter = (*entityAdapter)(nil)

func (a *entityAdapter) FindChangedSince(ctx context.Context, userID string, since time.Time, afterID string, limit int) ([]deltasync.Entity, error) {
	var query string
	var args []interface{}
	if afterID != "" {
		query = fmt.Sprintf(`SELECT id, user_id, version, data, updated_at, deleted_at FROM %s
            WHERE user_id = $1 AND (updated_at > $2 OR (updated_at = $2 AND id > $3))
            ORDER BY updated_at ASC, id ASC LIMIT $4`, a.table)
		args = []interface{}{userID, since.UTC(), afterID, limit}
	} else {
		query = fmt.Sprintf(`SELECT id, user_id, version, data, updated_at, deleted_at FROM %s
            WHERE user_id = $1 AND updated_at >= $2
            ORDER BY updated_at ASC, id ASC LIMIT $3`, a.table)
		args = []interface{}{userID, since.UTC(), limit}
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerrors.NewStorageError("postgres.FindChangedSince", component, err)
	}
	defer rows.Close()

	var entities []deltasync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, syncerrors.NewStorageError("postgres.scan", component, err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.NewStorageError("postgres.scan", component, err)
	}
	return entities, nil
}

func (a *entityAdapter) FindOne(ctx context.Context, userID, entityID string) (*deltasync.Entity, error) {
	query := fmt.Sprintf(`SELECT id, user_id, version, data, updated_at, deleted_at FROM %s
        WHERE user_id = $1 AND id = $2`, a.table)
	row := a.db.QueryRowContext(ctx, query, userID, entityID)

	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.NewStorageError("postgres.FindOne", component, err)
	}
	return entity, nil
}

func (a *entityAdapter) Create(ctx context.Context, row deltasync.Entity) (*deltasync.Entity, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, version, data, updated_at, deleted_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, a.table)
	row.UpdatedAt = row.UpdatedAt.UTC()
	_, err := a.db.ExecContext(ctx, query,
		row.ID, row.UserID, row.Version, nullableData(row.Payload), row.UpdatedAt, row.DeletedAt)
	if err != nil {
		return nil, syncerrors.NewStorageError("postgres.Create", component, err)
	}
	return &row, nil
}

func (a *entityAdapter) Update(ctx context.Context, existing deltasync.Entity, patch deltasync.Patch) (*deltasync.Entity, error) {
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

	query := fmt.Sprintf(`UPDATE %s SET version = $1, data = $2, updated_at = $3, deleted_at = $4
        WHERE user_id = $5 AND id = $6 AND version = $7`, a.table)
	updatedAt := patch.UpdatedAt.UTC()
	res, err := a.db.ExecContext(ctx, query,
		patch.Version, nullableData(data), updatedAt, deletedAt,
		existing.UserID, existing.ID, existing.Version)
	if err != nil {
		return nil, syncerrors.NewStorageError("postgres.Update", component, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, syncerrors.NewStorageError("postgres.Update", component, err)
	}
	if affected == 0 {
		return nil, syncerrors.NewStorageError("postgres.Update", component,
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
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = $1`, a.table)
	if err := a.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, syncerrors.NewStorageError("postgres.Count", component, err)
	}
	return count, nil
}

func (a *entityAdapter) MostRecentUpdate(ctx context.Context, userID string) (*time.Time, error) {
	var updatedAt time.Time
	query := fmt.Sprintf(`SELECT updated_at FROM %s WHERE user_id = $1
        ORDER BY updated_at DESC LIMIT 1`, a.table)
	err := a.db.QueryRowContext(ctx, query, userID).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.NewStorageError("postgres.MostRecentUpdate", component, err)
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

func nullableData(data []byte) interface{} {
	if data == nil {
		return nil
	}
	return string(data)
}
