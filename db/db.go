// Package db provides the Postgres connection, schema migration, and the
// token and notified-item stores backed by it.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/sprinkles/crypto"
	"github.com/onnwee/sprinkles/oauth"
)

// Connect opens and pings a Postgres connection.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs the versioned migrations, falling back to the idempotent
// schema statements when the migrator cannot run (e.g. restricted roles
// without advisory lock rights).
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := RunMigrations(db); err != nil {
		slog.Warn("versioned migrations failed, applying base schema", slog.Any("err", err), slog.String("component", "db_migrate"))
		return EnsureSchema(ctx, db)
	}
	return nil
}

// EnsureSchema applies idempotent schema statements for all required tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS notified_items (
			source_key TEXT NOT NULL,
			item_id TEXT NOT NULL,
			notified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (source_key, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notified_items_notified_at ON notified_items (notified_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres schema step %d failed: %w", i, err)
		}
	}
	return nil
}

// TokenStore keeps one provider row of oauth_tokens. Tokens are sealed when
// Sealer is set; encryption_version records the key version (0 = plaintext).
type TokenStore struct {
	DB       *sql.DB
	Provider string
	Sealer   crypto.Sealer
}

var _ oauth.CredentialStore = (*TokenStore)(nil)

// Provider is the oauth_tokens row key of identity.
func Provider(identity string) string { return "twitch_" + identity }

func (t *TokenStore) Save(ctx context.Context, rec oauth.Record) error {
	access, refresh := rec.AccessToken, rec.RefreshToken
	encVersion := 0
	if t.Sealer != nil {
		var err error
		if access, err = t.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = t.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = t.Sealer.Version()
	}
	var expiry sql.NullTime
	if !rec.Expiry.IsZero() {
		expiry = sql.NullTime{Time: rec.Expiry, Valid: true}
	}
	_, err := t.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		t.Provider, access, refresh, expiry, encVersion)
	if err != nil {
		return fmt.Errorf("upsert oauth token %s: %w", t.Provider, err)
	}
	return nil
}

func (t *TokenStore) Load(ctx context.Context) (oauth.Record, bool, error) {
	var (
		rec        oauth.Record
		expiry     sql.NullTime
		encVersion int
	)
	err := t.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, encryption_version FROM oauth_tokens WHERE provider = $1`,
		t.Provider).Scan(&rec.AccessToken, &rec.RefreshToken, &expiry, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.Record{}, false, nil
	}
	if err != nil {
		return oauth.Record{}, false, fmt.Errorf("select oauth token %s: %w", t.Provider, err)
	}
	if expiry.Valid {
		rec.Expiry = expiry.Time
	}
	if encVersion > 0 {
		if t.Sealer == nil {
			return oauth.Record{}, false, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if rec.AccessToken, err = t.Sealer.Open(rec.AccessToken); err != nil {
			return oauth.Record{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if rec.RefreshToken, err = t.Sealer.Open(rec.RefreshToken); err != nil {
			return oauth.Record{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return rec, true, nil
}

// SeenStore records notified item ids in notified_items.
type SeenStore struct {
	DB *sql.DB
}

func (s *SeenStore) Has(ctx context.Context, key, id string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM notified_items WHERE source_key = $1 AND item_id = $2)`, key, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query notified item: %w", err)
	}
	return exists, nil
}

func (s *SeenStore) Add(ctx context.Context, key, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO notified_items(source_key, item_id) VALUES($1,$2) ON CONFLICT DO NOTHING`, key, id)
	if err != nil {
		return fmt.Errorf("insert notified item: %w", err)
	}
	return nil
}
