// Package db provides the Postgres connection, schema migration, and the small
// data access helpers for the emote blacklist and emote usage counters.
// Persistence is optional: the service runs without a database when DB_DSN is empty.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// ErrNoDSN is returned by Connect when no DSN is configured.
var ErrNoDSN = errors.New("db: no DSN configured")

// Connect opens a Postgres connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrNoDSN
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	database.SetMaxOpenConns(10)
	database.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		if cerr := database.Close(); cerr != nil {
			slog.Warn("failed to close database after ping error", slog.Any("err", cerr))
		}
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// Migrate applies the schema with idempotent statements. It mirrors the
// versioned migrations and is used when those cannot run.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS emote_blacklist (
			emote_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS emote_usage (
			channel TEXT NOT NULL,
			emote_key TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			uses BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (channel, emote_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emote_usage_channel_uses ON emote_usage (channel, uses DESC)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// LoadBlacklist returns every blacklisted emote id.
func LoadBlacklist(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT emote_id FROM emote_blacklist ORDER BY emote_id`)
	if err != nil {
		return nil, fmt.Errorf("query blacklist: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddBlacklist blacklists id. Adding an existing id updates its reason.
func AddBlacklist(ctx context.Context, db *sql.DB, id, reason string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO emote_blacklist (emote_id, reason) VALUES ($1, $2)
		 ON CONFLICT (emote_id) DO UPDATE SET reason = EXCLUDED.reason`, id, reason)
	return err
}

// RemoveBlacklist removes id and reports whether it was present.
func RemoveBlacklist(ctx context.Context, db *sql.DB, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM emote_blacklist WHERE emote_id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EmoteUsage is the usage counter of one emote in one channel.
type EmoteUsage struct {
	Channel    string    `json:"channel"`
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Uses       int64     `json:"uses"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// RecordUsage increments the counter of key in channel.
func RecordUsage(ctx context.Context, db *sql.DB, channel, key, name, kind string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO emote_usage (channel, emote_key, name, kind, uses, last_used_at) VALUES ($1, $2, $3, $4, 1, NOW())
		 ON CONFLICT (channel, emote_key) DO UPDATE SET
		   uses = emote_usage.uses + 1,
		   name = EXCLUDED.name,
		   last_used_at = NOW()`, channel, key, name, kind)
	return err
}

// TopEmotes returns the most used emotes, optionally restricted to channel.
func TopEmotes(ctx context.Context, db *sql.DB, channel string, limit int) ([]EmoteUsage, error) {
	if limit <= 0 {
		limit = 25
	}
	q := `SELECT channel, emote_key, name, kind, uses, last_used_at FROM emote_usage`
	args := []any{}
	if channel != "" {
		q += ` WHERE channel = $1 ORDER BY uses DESC, emote_key LIMIT $2`
		args = append(args, channel, limit)
	} else {
		q += ` ORDER BY uses DESC, emote_key LIMIT $1`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query emote usage: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]EmoteUsage, 0)
	for rows.Next() {
		var u EmoteUsage
		if err := rows.Scan(&u.Channel, &u.Key, &u.Name, &u.Kind, &u.Uses, &u.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan emote usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
