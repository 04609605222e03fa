package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SealedPrefix marks a config value that must be opened before use.
const SealedPrefix = "enc:"

var ErrMalformed = errors.New("malformed sealed value")

// Vault seals worker secrets with AES-256-GCM under a passphrase-derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of passphrase), so values sealed before a restart
// still open afterwards.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal returns "enc:" followed by base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (v *Vault) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrMalformed
	}
	plaintext, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// OpenEnv opens every sealed value of env into a new map.
func (v *Vault) OpenEnv(env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, val := range env {
		opened, err := v.Open(val)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		out[k] = opened
	}
	return out, nil
}
