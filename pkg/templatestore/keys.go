package templatestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// KeyFromEnv loads the 32-byte device root secret from an environment
// variable holding raw, base64 or hex bytes, with an ENV+_FILE fallback for
// injected secrets. The root secret never leaves the device; all storage
// keys are derived from it.
func KeyFromEnv(envKey string) ([]byte, error) {
	v := os.Getenv(envKey)
	if v == "" {
		if fp := os.Getenv(envKey + "_FILE"); fp != "" {
			if b, err := os.ReadFile(fp); err == nil {
				v = string(b)
			}
		}
		if v == "" {
			return nil, errors.New("templatestore: device key env not set: " + envKey)
		}
	}
	if len(v) == 32 {
		return []byte(v), nil
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("templatestore: invalid key format for " + envKey + ": need 32B raw/base64/hex")
}

// deriveKey expands the device root secret into a purpose-specific subkey.
func deriveKey(root []byte, info string) ([]byte, error) {
	if len(root) != 32 {
		return nil, fmt.Errorf("templatestore: root key must be 32 bytes, got %d", len(root))
	}
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, root, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("templatestore: hkdf: %w", err)
	}
	return out, nil
}

// encryptor provides AES-256-GCM for records at rest. Output layout is
// nonce||ciphertext.
type encryptor struct {
	aead cipher.AEAD
}

func newEncryptor(key []byte) (*encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("templatestore: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &encryptor{aead: aead}, nil
}

func (e *encryptor) seal(plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, e.aead.Seal(nil, nonce, plain, aad)...), nil
}

func (e *encryptor) open(raw, aad []byte) ([]byte, error) {
	if len(raw) < e.aead.NonceSize() {
		return nil, errors.New("templatestore: ciphertext too short")
	}
	nonce := raw[:e.aead.NonceSize()]
	ct := raw[e.aead.NonceSize():]
	return e.aead.Open(nil, nonce, ct, aad)
}
