package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgresStore connects to PostgreSQL and initializes the schema
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("keystore: failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS psk_identities (
		identity   TEXT PRIMARY KEY,
		key        BYTEA NOT NULL,
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	);`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("keystore: failed to initialize schema: %w", err)
	}
	return nil
}

// Lookup returns the key for an identity
func (p *PostgresStore) Lookup(ctx context.Context, identity string) ([]byte, error) {
	var key []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT key FROM psk_identities WHERE identity = $1`, identity).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: postgres lookup: %w", err)
	}
	return key, nil
}

// Put stores or replaces the key for an identity
func (p *PostgresStore) Put(ctx context.Context, identity string, key []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO psk_identities (identity, key)
		VALUES ($1, $2)
		ON CONFLICT (identity)
		DO UPDATE SET key = $2, updated_at = NOW()`,
		identity, key)
	if err != nil {
		return fmt.Errorf("keystore: postgres put: %w", err)
	}
	return nil
}

// Delete removes an identity
func (p *PostgresStore) Delete(ctx context.Context, identity string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM psk_identities WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("keystore: postgres delete: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
