// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package crypto

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(b)
}

// SecureString holds a secret (password, passphrase) that can be wiped.
type SecureString struct {
	data []byte
	lock sync.RWMutex
}

// NewSecureStringFromBytes copies b into a new SecureString.
// The caller can safely zero b afterwards.
func NewSecureStringFromBytes(b []byte) *SecureString {
	if b == nil {
		return &SecureString{}
	}
	data := make([]byte, len(b))
	copy(data, b)
	return &SecureString{data: data}
}

// WithBytes gives fn scoped access to the secret without copying it.
// fn must not retain the slice.
func (s *SecureString) WithBytes(fn func([]byte) error) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return fn(s.data)
}

// Copy returns a copy of the secret. The caller owns it and should zero it.
func (s *SecureString) Copy() []byte {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Destroy zeros the secret. The SecureString must not be used afterwards.
func (s *SecureString) Destroy() {
	s.lock.Lock()
	defer s.lock.Unlock()
	ZeroBytes(s.data)
	s.data = nil
}

// String never reveals the secret, so a SecureString is safe to pass to a logger.
func (s *SecureString) String() string {
	return "[redacted]"
}
