package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/sprinkles/crypto"
	"github.com/onnwee/sprinkles/oauth"
)

func TestLocalBlobReadWrite(t *testing.T) {
	b := LocalBlob{Dir: t.TempDir()}
	ctx := context.Background()

	if _, err := b.Read(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing err = %v, want ErrNotFound", err)
	}
	if err := b.Write(ctx, "nested/doc.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write(ctx, "nested/doc.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := b.Read(ctx, "nested/doc.json")
	if err != nil || string(got) != `{"a":2}` {
		t.Fatalf("Read = %q, %v", got, err)
	}
	fi, err := os.Stat(filepath.Join(b.Dir, "nested", "doc.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
	entries, _ := os.ReadDir(filepath.Join(b.Dir, "nested"))
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %v", entries)
	}
}

func TestCredentialFileRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	ring, err := crypto.NewKeyring(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		sealer crypto.Sealer
		rec    oauth.Record
	}{
		{"plain", nil, oauth.Record{AccessToken: "at", RefreshToken: "rt", Expiry: time.UnixMilli(1_700_000_123_456)}},
		{"sealed", ring, oauth.Record{AccessToken: "at", RefreshToken: "rt", Expiry: time.UnixMilli(1_700_000_123_456)}},
		{"no refresh token", nil, oauth.Record{AccessToken: "app-token", Expiry: time.UnixMilli(1_800_000_000_000)}},
		{"unknown expiry", nil, oauth.Record{AccessToken: "at", RefreshToken: "rt"}},
		{"cleared", ring, oauth.Record{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &CredentialFile{Blob: LocalBlob{Dir: t.TempDir()}, Name: "twitch_auth.json", Sealer: tt.sealer}
			ctx := context.Background()
			if err := f.Save(ctx, tt.rec); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, ok, err := f.Load(ctx)
			if err != nil || !ok {
				t.Fatalf("Load = %v, %v", ok, err)
			}
			if diff := cmp.Diff(tt.rec, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCredentialFileLayout(t *testing.T) {
	b := LocalBlob{Dir: t.TempDir()}
	f := &CredentialFile{Blob: b, Name: "twitch_auth.json"}
	exp := time.UnixMilli(1_700_000_000_000)
	if err := f.Save(context.Background(), oauth.Record{AccessToken: "a", RefreshToken: "r", Expiry: exp}); err != nil {
		t.Fatal(err)
	}
	raw, _ := b.Read(context.Background(), "twitch_auth.json")
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"access_token": "a", "refresh_token": "r", "expiry_timestamp": float64(1_700_000_000_000)}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestCredentialFileMissing(t *testing.T) {
	f := &CredentialFile{Blob: LocalBlob{Dir: t.TempDir()}, Name: "twitch_auth.json"}
	_, ok, err := f.Load(context.Background())
	if err != nil || ok {
		t.Errorf("Load = %v, %v; want not found without error", ok, err)
	}
}

func TestCredentialFileSealedWithoutKey(t *testing.T) {
	key := make([]byte, 32)
	ring, _ := crypto.NewKeyring(base64.StdEncoding.EncodeToString(key))
	b := LocalBlob{Dir: t.TempDir()}
	sealed := &CredentialFile{Blob: b, Name: "c.json", Sealer: ring}
	if err := sealed.Save(context.Background(), oauth.Record{AccessToken: "secret"}); err != nil {
		t.Fatal(err)
	}
	raw, _ := b.Read(context.Background(), "c.json")
	if strings.Contains(string(raw), "secret") {
		t.Error("plaintext token written to disk")
	}
	plain := &CredentialFile{Blob: b, Name: "c.json"}
	if _, _, err := plain.Load(context.Background()); err == nil {
		t.Error("expected error loading sealed credentials without key")
	}
}

func TestSeenFile(t *testing.T) {
	ctx := context.Background()
	b := LocalBlob{Dir: t.TempDir()}
	s := &SeenFile{Blob: b}

	has, err := s.Has(ctx, "tiktok:someone", "1")
	if err != nil || has {
		t.Fatalf("Has on empty = %v, %v", has, err)
	}
	for _, id := range []string{"2", "1", "2"} {
		if err := s.Add(ctx, "tiktok:someone", id); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if has, _ := s.Has(ctx, "tiktok:someone", "1"); !has {
		t.Error("id 1 not seen")
	}
	if has, _ := s.Has(ctx, "tiktok:other", "1"); has {
		t.Error("keys share ids")
	}

	// A fresh instance reads the persisted document.
	reloaded := &SeenFile{Blob: b}
	if has, err := reloaded.Has(ctx, "tiktok:someone", "2"); err != nil || !has {
		t.Errorf("reloaded Has = %v, %v", has, err)
	}
	raw, err := b.Read(ctx, "seen/tiktok:someone.json")
	if err != nil {
		t.Fatal(err)
	}
	var doc seenDoc
	_ = json.Unmarshal(raw, &doc)
	if diff := cmp.Diff([]string{"1", "2"}, doc.IDs); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

// stallingBlob blocks reads of one document until release is closed.
type stallingBlob struct {
	LocalBlob
	name    string
	started chan struct{}
	release chan struct{}
}

func (b *stallingBlob) Read(ctx context.Context, name string) ([]byte, error) {
	if name == b.name {
		close(b.started)
		<-b.release
	}
	return b.LocalBlob.Read(ctx, name)
}

func TestSeenFileKeysDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	b := &stallingBlob{
		LocalBlob: LocalBlob{Dir: t.TempDir()},
		name:      "seen/tiktok:alice.json",
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	s := &SeenFile{Blob: b}

	stalled := make(chan error, 1)
	go func() {
		_, err := s.Has(ctx, "tiktok:alice", "1")
		stalled <- err
	}()
	<-b.started

	other := make(chan error, 1)
	go func() {
		if err := s.Add(ctx, "twitch:bob", "live-1"); err != nil {
			other <- err
			return
		}
		_, err := s.Has(ctx, "twitch:bob", "live-1")
		other <- err
	}()
	select {
	case err := <-other:
		if err != nil {
			t.Errorf("twitch:bob: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("twitch:bob waited on the tiktok:alice read")
	}

	close(b.release)
	if err := <-stalled; err != nil {
		t.Errorf("tiktok:alice: %v", err)
	}
}

func TestSeenRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	prefix := "sprinkles-test:" + time.Now().Format("150405.000000") + ":"
	t.Cleanup(func() { client.Del(context.Background(), prefix+"k") })

	s := &SeenRedis{Client: client, Prefix: prefix}
	if has, err := s.Has(ctx, "k", "x"); err != nil || has {
		t.Fatalf("Has = %v, %v", has, err)
	}
	if err := s.Add(ctx, "k", "x"); err != nil {
		t.Fatal(err)
	}
	if has, err := s.Has(ctx, "k", "x"); err != nil || !has {
		t.Errorf("Has after Add = %v, %v", has, err)
	}
}
