package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_items (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres stores items in a single kv_items table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database and creates the table if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the kv_items table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create kv_items: %w", err)
	}
	return nil
}

func (p *Postgres) SetItem(ctx context.Context, key, value string) (err error) {
	start := time.Now()
	defer func() { observe("postgres", "set", start, err) }()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO kv_items (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) GetItem(ctx context.Context, key string) (v string, err error) {
	start := time.Now()
	defer func() { observe("postgres", "get", start, err) }()

	err = p.db.QueryRowContext(ctx, `SELECT value FROM kv_items WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select %s: %w", key, err)
	}
	return v, nil
}

func (p *Postgres) RemoveItem(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { observe("postgres", "remove", start, err) }()

	if _, err = p.db.ExecContext(ctx, `DELETE FROM kv_items WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM kv_items WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
