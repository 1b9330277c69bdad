// Package main provides a CLI tool to copy stored OAuth credentials between
// storage backends, sealing them with the current key on the way.
//
// Each identity's record is loaded from the source backend and saved to the
// destination. Records are decrypted with ENCRYPTION_KEY when sealed and
// re-sealed with it on save, so running with the same backend on both sides
// encrypts plaintext credentials in place.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--from file] [--to postgres] [--identities app,user]
//
// Environment Variables:
//
//	ENCRYPTION_KEY: Base64-encoded 32-byte key (optional; plaintext without it)
//	DATA_DIR:       directory of the file backend (default data)
//	DB_DSN:         Postgres connection string (postgres backend)
//	GCS_BUCKET:     bucket of the gcs backend
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --from file --to postgres --dry-run
//	./migrate-tokens --from file --to postgres
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"

	"github.com/onnwee/sprinkles/crypto"
	"github.com/onnwee/sprinkles/db"
	"github.com/onnwee/sprinkles/oauth"
	"github.com/onnwee/sprinkles/store"
)

// storeFunc returns the credential store of one identity.
type storeFunc func(identity string) oauth.CredentialStore

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	from := flag.String("from", "file", "Source backend (file|postgres|gcs)")
	to := flag.String("to", "postgres", "Destination backend (file|postgres|gcs)")
	identities := flag.String("identities", "app,user", "Comma separated identities to migrate")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var sealer crypto.Sealer
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		ring, err := crypto.NewKeyring(key)
		if err != nil {
			slog.Error("failed to initialize keyring", slog.Any("error", err))
			os.Exit(1)
		}
		sealer = ring
	} else {
		slog.Warn("ENCRYPTION_KEY not set, credentials will be written in plaintext")
	}

	ctx := context.Background()
	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	open := func(backend string) (storeFunc, error) {
		fn, closer, err := openBackend(ctx, backend, sealer)
		if closer != nil {
			closers = append(closers, closer)
		}
		return fn, err
	}
	src, err := open(*from)
	if err != nil {
		slog.Error("failed to open source backend", slog.String("backend", *from), slog.Any("error", err))
		os.Exit(1)
	}
	dst, err := open(*to)
	if err != nil {
		slog.Error("failed to open destination backend", slog.String("backend", *to), slog.Any("error", err))
		os.Exit(1)
	}

	if _, err := migrateCredentials(ctx, src, dst, splitList(*identities), *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func openBackend(ctx context.Context, backend string, sealer crypto.Sealer) (storeFunc, func(), error) {
	switch strings.ToLower(backend) {
	case "file":
		dir := os.Getenv("DATA_DIR")
		if dir == "" {
			dir = "data"
		}
		return blobStores(store.LocalBlob{Dir: dir}, sealer), nil, nil
	case "gcs":
		bucket := os.Getenv("GCS_BUCKET")
		if bucket == "" {
			return nil, nil, errors.New("GCS_BUCKET environment variable is required")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage client: %w", err)
		}
		return blobStores(&store.GCSBlob{Client: client, Bucket: bucket}, sealer), func() { _ = client.Close() }, nil
	case "postgres":
		dsn := os.Getenv("DB_DSN")
		if dsn == "" {
			return nil, nil, errors.New("DB_DSN environment variable is required")
		}
		database, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		return tokenStores(database, sealer), func() { _ = database.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", backend)
}

func blobStores(b store.Blob, sealer crypto.Sealer) storeFunc {
	return func(identity string) oauth.CredentialStore {
		return &store.CredentialFile{Blob: b, Name: store.CredentialName(identity), Sealer: sealer}
	}
}

func tokenStores(database *sql.DB, sealer crypto.Sealer) storeFunc {
	return func(identity string) oauth.CredentialStore {
		return &db.TokenStore{DB: database, Provider: db.Provider(identity), Sealer: sealer}
	}
}

// migrateCredentials copies each identity's record from src to dst and
// returns how many were copied. Identities with nothing stored are skipped.
func migrateCredentials(ctx context.Context, src, dst storeFunc, identities []string, dryRun bool) (int, error) {
	migratedCount := 0
	errorCount := 0

	for i, identity := range identities {
		logger := slog.With(
			slog.String("identity", identity),
			slog.Int("index", i+1),
			slog.Int("total", len(identities)))

		rec, ok, err := src(identity).Load(ctx)
		if err != nil {
			logger.Error("failed to load credentials", slog.Any("error", err))
			errorCount++
			continue
		}
		if !ok || (rec.AccessToken == "" && rec.RefreshToken == "") {
			logger.Info("no stored credentials, skipping")
			continue
		}
		if dryRun {
			logger.Info("would migrate credentials (dry-run)", slog.Bool("has_refresh_token", rec.RefreshToken != ""))
			migratedCount++
			continue
		}
		if err := dst(identity).Save(ctx, rec); err != nil {
			logger.Error("failed to save credentials", slog.Any("error", err))
			errorCount++
			continue
		}
		logger.Info("migrated credentials successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(identities)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return migratedCount, fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return migratedCount, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
