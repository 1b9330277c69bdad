// Package crypto seals stored OAuth credentials with AES-256-GCM.
//
// Sealed values are text of the form "v<version>:<base64(nonce||ciphertext||tag)>"
// so a Keyring can hold older keys for reading while new values are always
// written with the current one.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNotSealed is returned by Open for values without a version prefix.
var ErrNotSealed = errors.New("value is not sealed")

// Sealer encrypts and decrypts short secrets for storage.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
	// Version is the key version new values are sealed with.
	Version() int
}

// Keyring is a Sealer backed by one or more AES-256 keys indexed by version.
type Keyring struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring builds a keyring whose current key is the base64-encoded 32-byte key.
// Generate one with: openssl rand -base64 32
func NewKeyring(base64Key string) (*Keyring, error) {
	k := &Keyring{aeads: map[int]cipher.AEAD{}}
	if err := k.Add(1, base64Key); err != nil {
		return nil, err
	}
	k.current = 1
	return k, nil
}

// Add registers a key under version. The highest version becomes current.
func (k *Keyring) Add(version int, base64Key string) error {
	if version < 1 {
		return fmt.Errorf("invalid key version %d", version)
	}
	if base64Key == "" {
		return fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}
	k.aeads[version] = gcm
	if version > k.current {
		k.current = version
	}
	return nil
}

func (k *Keyring) Version() int { return k.current }

// Seal encrypts plaintext with the current key. Empty input stays empty.
func (k *Keyring) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm := k.aeads[k.current]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return "v" + strconv.Itoa(k.current) + ":" + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with any registered key version.
func (k *Keyring) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	version, payload, err := splitSealed(sealed)
	if err != nil {
		return "", err
	}
	gcm, ok := k.aeads[version]
	if !ok {
		return "", fmt.Errorf("no key for version %d", version)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := gcm.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns, len(raw))
	}
	plain, err := gcm.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

// IsSealed reports whether s carries a seal version prefix.
func IsSealed(s string) bool {
	_, _, err := splitSealed(s)
	return err == nil
}

func splitSealed(s string) (int, string, error) {
	head, payload, ok := strings.Cut(s, ":")
	if !ok || len(head) < 2 || head[0] != 'v' {
		return 0, "", ErrNotSealed
	}
	v, err := strconv.Atoi(head[1:])
	if err != nil || v < 1 {
		return 0, "", ErrNotSealed
	}
	return v, payload, nil
}
