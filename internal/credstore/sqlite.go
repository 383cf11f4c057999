// ABOUTME: SQLite implementation of the credential Store using modernc.org/sqlite
// ABOUTME: One sessions row per tenant plus (tenant, type, id) keyed key material

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" keeps
// everything in process memory. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "credstore")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// every pooled connection to :memory: would otherwise get its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite credential store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			tenant_id  TEXT PRIMARY KEY,
			creds      BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS keys (
			tenant_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, type, id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the tenant's credential record.
func (s *SQLiteStore) Load(ctx context.Context, tenantID string) (Credentials, error) {
	var (
		data      []byte
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT creds, updated_at FROM sessions WHERE tenant_id = ?`, tenantID,
	).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("querying credentials: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Credentials{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return Credentials{Data: data, UpdatedAt: ts}, nil
}

// Persist upserts the tenant's credential record.
func (s *SQLiteStore) Persist(ctx context.Context, tenantID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, creds, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET creds = excluded.creds, updated_at = excluded.updated_at
	`, tenantID, data, now())
	if err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}
	return nil
}

// GetKey returns one key record.
func (s *SQLiteStore) GetKey(ctx context.Context, tenantID, keyType, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM keys WHERE tenant_id = ? AND type = ? AND id = ?`,
		tenantID, keyType, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying key: %w", err)
	}
	return data, nil
}

// SetKeys upserts and deletes key records in one transaction.
func (s *SQLiteStore) SetKeys(ctx context.Context, tenantID string, keys Keys) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	for keyType, byID := range keys {
		for id, data := range byID {
			if data == nil {
				_, err = tx.ExecContext(ctx,
					`DELETE FROM keys WHERE tenant_id = ? AND type = ? AND id = ?`,
					tenantID, keyType, id)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO keys (tenant_id, type, id, data, updated_at) VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (tenant_id, type, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
				`, tenantID, keyType, id, data, ts)
			}
			if err != nil {
				return fmt.Errorf("writing key %s/%s: %w", keyType, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing keys: %w", err)
	}
	return nil
}

// Clear removes the credential record and all key material of the tenant.
func (s *SQLiteStore) Clear(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing clear: %w", err)
	}
	s.logger.Debug("credentials cleared", "tenant", tenantID)
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
