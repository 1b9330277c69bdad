// Package store persists credential records and notified-item sets as small
// JSON documents on the local filesystem, in Cloud Storage, or in Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// ErrNotFound is returned by Blob.Read for a missing document.
var ErrNotFound = errors.New("store: object does not exist")

// Blob reads and writes whole named documents.
type Blob interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
}

// LocalBlob keeps documents under Dir. Writes are atomic (temp file + rename)
// and readable only by the owner.
type LocalBlob struct {
	Dir string
}

func (b LocalBlob) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

func (b LocalBlob) Write(_ context.Context, name string, data []byte) error {
	path := filepath.Join(b.Dir, filepath.FromSlash(name))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// GCSBlob keeps documents as objects in a Cloud Storage bucket.
type GCSBlob struct {
	Client *storage.Client
	Bucket string
	Prefix string
	Logger *slog.Logger
}

func (b *GCSBlob) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *GCSBlob) retryOpts(ctx context.Context, op, name string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(2 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger().Info("retrying storage operation", slog.String("op", op), slog.Uint64("attempt", uint64(n)), slog.String("object", name), slog.Any("err", err))
		}),
	}
}

func (b *GCSBlob) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := retry.Do(func() error {
		r, err := b.Client.Bucket(b.Bucket).Object(b.Prefix + name).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return retry.Unrecoverable(ErrNotFound)
			}
			return fmt.Errorf("open storage reader: %w", err)
		}
		defer func() { _ = r.Close() }()
		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read from storage: %w", err)
		}
		return nil
	}, b.retryOpts(ctx, "read", name)...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (b *GCSBlob) Write(ctx context.Context, name string, data []byte) error {
	err := retry.Do(func() error {
		w := b.Client.Bucket(b.Bucket).Object(b.Prefix + name).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("write to storage: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close storage writer: %w", err)
		}
		return nil
	}, b.retryOpts(ctx, "write", name)...)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}
