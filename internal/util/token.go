// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lukechampine.com/frand"
)

const (
	// TokenLength is the number of random bytes in a token (32 bytes = 256 bits)
	TokenLength = 32

	// ApproverTokenFile is the file holding the approver UI token in the data directory
	ApproverTokenFile = "approver.token"
)

// GenerateToken generates a random hex token.
func GenerateToken() string {
	return hex.EncodeToString(frand.Bytes(TokenLength))
}

// ValidateToken compares tokens in constant time.
func ValidateToken(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// HashPassword returns the hex SHA-256 of a connection password, the form
// stored in config as password_hash and sent in Authentication requests.
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ReadToken reads a token from a file.
// Returns empty string if file doesn't exist (not an error).
// Warns to stderr if file permissions are more permissive than 0600.
func ReadToken(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	if perm := info.Mode().Perm(); perm&0077 != 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %s has mode %04o, should be 0600 (run: chmod 600 %s)\n", path, perm, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteToken writes a token to a file with 0600 permissions.
func WriteToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// LoadOrCreateToken returns the token stored at path, generating one if missing.
func LoadOrCreateToken(path string) (string, error) {
	token, err := ReadToken(path)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}
	token = GenerateToken()
	if err := WriteToken(path, token); err != nil {
		return "", err
	}
	return token, nil
}
