package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/sprinkles/crypto"
	"github.com/onnwee/sprinkles/oauth"
)

// credentialDoc is the on-disk layout; expiry is epoch milliseconds, 0 when unknown.
type credentialDoc struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
}

// CredentialFile stores one identity's token record as a JSON document,
// overwritten wholesale on every save. Token fields are sealed when Sealer is set.
type CredentialFile struct {
	Blob   Blob
	Name   string // e.g. twitch_auth.json
	Sealer crypto.Sealer
}

var _ oauth.CredentialStore = (*CredentialFile)(nil)

// CredentialName is the document name of identity. The user identity keeps
// the historical twitch_auth.json name.
func CredentialName(identity string) string {
	if identity == "user" {
		return "twitch_auth.json"
	}
	return "twitch_" + identity + "_auth.json"
}

func (f *CredentialFile) Load(ctx context.Context) (oauth.Record, bool, error) {
	data, err := f.Blob.Read(ctx, f.Name)
	if errors.Is(err, ErrNotFound) {
		return oauth.Record{}, false, nil
	}
	if err != nil {
		return oauth.Record{}, false, err
	}
	var doc credentialDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return oauth.Record{}, false, fmt.Errorf("decode %s: %w", f.Name, err)
	}
	rec := oauth.Record{AccessToken: doc.AccessToken, RefreshToken: doc.RefreshToken}
	if doc.ExpiryTimestamp > 0 {
		rec.Expiry = time.UnixMilli(doc.ExpiryTimestamp)
	}
	if rec.AccessToken, err = f.open(rec.AccessToken); err != nil {
		return oauth.Record{}, false, fmt.Errorf("decrypt access token: %w", err)
	}
	if rec.RefreshToken, err = f.open(rec.RefreshToken); err != nil {
		return oauth.Record{}, false, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return rec, true, nil
}

func (f *CredentialFile) Save(ctx context.Context, rec oauth.Record) error {
	doc := credentialDoc{}
	var err error
	if doc.AccessToken, err = f.seal(rec.AccessToken); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	if doc.RefreshToken, err = f.seal(rec.RefreshToken); err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	if !rec.Expiry.IsZero() {
		doc.ExpiryTimestamp = rec.Expiry.UnixMilli()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return f.Blob.Write(ctx, f.Name, data)
}

func (f *CredentialFile) seal(v string) (string, error) {
	if f.Sealer == nil {
		return v, nil
	}
	return f.Sealer.Seal(v)
}

// open accepts plaintext values written before a key was configured.
func (f *CredentialFile) open(v string) (string, error) {
	if !crypto.IsSealed(v) {
		return v, nil
	}
	if f.Sealer == nil {
		return "", errors.New("credentials are encrypted but no key is configured")
	}
	return f.Sealer.Open(v)
}
