// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package crypto provides password-based encryption of wallet secrets and
// helpers for holding secrets in memory.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// envelopeVersion is the current on-disk envelope format.
const envelopeVersion = 1

const saltLen = 32

// ErrDecrypt is returned when the envelope cannot be opened with the given password.
// AES-GCM authentication failure and a wrong password are indistinguishable.
var ErrDecrypt = errors.New("failed to decrypt data")

// KDFParams are the Argon2id parameters used to derive an AES-256 key from a password.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"` // KiB
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams follow the OWASP Argon2id recommendation.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// TestKDFParams are cheap parameters for unit tests. Never use them for real wallets.
var TestKDFParams = KDFParams{Time: 1, Memory: 64, Threads: 1}

// Envelope stores an encrypted secret together with everything needed to
// re-derive its key except the password.
type Envelope struct {
	EnvelopeVersion int       `json:"envelope_version"`
	KDF             KDFParams `json:"kdf"`
	Salt            string    `json:"salt"`       // Base64-encoded Argon2id salt
	Nonce           string    `json:"nonce"`      // Base64-encoded AES-GCM nonce
	Ciphertext      string    `json:"ciphertext"` // Base64-encoded ciphertext+tag
}

// IsEncrypted checks if data appears to be an encryption envelope.
func IsEncrypted(data []byte) bool {
	var env Envelope
	return json.Unmarshal(data, &env) == nil && env.EnvelopeVersion > 0
}

// DeriveKey derives a 32-byte key from password and salt.
// Caller is responsible for zeroing the returned key.
func DeriveKey(password, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, 32)
}

// Encrypt seals plaintext under a key derived from password.
// The returned envelope embeds a fresh random salt.
func Encrypt(plaintext, password []byte, params KDFParams) (*Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveKey(password, salt, params)
	defer ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		EnvelopeVersion: envelopeVersion,
		KDF:             params,
		Salt:            base64.StdEncoding.EncodeToString(salt),
		Nonce:           base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:      base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens the envelope with password.
// Returns ErrDecrypt (wrapped) if the password is wrong or the data was tampered with.
func Decrypt(env *Envelope, password []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	if env.EnvelopeVersion != envelopeVersion {
		return nil, fmt.Errorf("envelope_version %d not supported (expected %d)", env.EnvelopeVersion, envelopeVersion)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	key := DeriveKey(password, salt, env.KDF)
	defer ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
