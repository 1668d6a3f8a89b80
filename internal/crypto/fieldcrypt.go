// Package crypto encrypts account credentials at rest with AES-256-GCM.
//
// Stored values look like "enc:v1:<base64(nonce|ciphertext)>". Values without
// the prefix are treated as legacy plaintext on read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const prefix = "enc:v1:"

// Codec is the explicit encryption boundary used by storage: Seal on the write
// path, Open on the read path. aad binds a ciphertext to its owner (an account
// id) so values cannot be swapped between rows.
type Codec interface {
	Seal(plaintext, aad string) (string, error)
	Open(stored, aad string) (string, error)
}

// FieldEncryptor is the AES-GCM Codec. Safe for concurrent use.
type FieldEncryptor struct {
	gcm cipher.AEAD
}

// DeriveFieldEncryptor derives an AES-256 key from secret with HKDF-SHA256.
// purpose separates keys derived from the same secret.
func DeriveFieldEncryptor(secret []byte, purpose string) (*FieldEncryptor, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte("cadence-field-encryption"), []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &FieldEncryptor{gcm: gcm}, nil
}

func (fe *FieldEncryptor) Seal(plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, fe.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := fe.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return prefix + base64.StdEncoding.EncodeToString(out), nil
}

func (fe *FieldEncryptor) Open(stored, aad string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("crypto: invalid base64: %w", err)
	}
	n := fe.gcm.NonceSize()
	if len(data) < n {
		return "", errors.New("crypto: ciphertext too short")
	}
	pt, err := fe.gcm.Open(nil, data[:n], data[n:], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(pt), nil
}

// Plaintext stores values unchanged. Only for local development without a key.
type Plaintext struct{}

func (Plaintext) Seal(plaintext, _ string) (string, error) { return plaintext, nil }

func (Plaintext) Open(stored, _ string) (string, error) {
	if IsEncrypted(stored) {
		return "", errors.New("crypto: encrypted value but no key configured")
	}
	return stored, nil
}

func IsEncrypted(stored string) bool { return strings.HasPrefix(stored, prefix) }
