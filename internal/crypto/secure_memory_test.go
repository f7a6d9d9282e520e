// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestZeroBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"single byte", []byte{0xFF}},
		{"32 byte key", bytes.Repeat([]byte{0xAB}, 32)},
		{"1KB", bytes.Repeat([]byte{0xEF}, 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ZeroBytes(tt.data)
			for i, b := range tt.data {
				if b != 0 {
					t.Fatalf("byte %d = %d, want 0", i, b)
				}
			}
		})
	}
}

func TestSecureStringCopiesInput(t *testing.T) {
	input := []byte("hunter2")
	s := NewSecureStringFromBytes(input)
	ZeroBytes(input)

	err := s.WithBytes(func(b []byte) error {
		if string(b) != "hunter2" {
			t.Errorf("WithBytes = %q, want hunter2", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithBytes: %v", err)
	}
}

func TestSecureStringWithBytesPropagatesError(t *testing.T) {
	s := NewSecureStringFromBytes([]byte("x"))
	want := errors.New("boom")
	if err := s.WithBytes(func([]byte) error { return want }); !errors.Is(err, want) {
		t.Errorf("WithBytes error = %v, want %v", err, want)
	}
}

func TestSecureStringDestroy(t *testing.T) {
	s := NewSecureStringFromBytes([]byte("secret"))
	if c := s.Copy(); string(c) != "secret" {
		t.Fatalf("Copy = %q, want secret", c)
	}

	s.Destroy()
	if c := s.Copy(); c != nil {
		t.Errorf("Copy after Destroy = %v, want nil", c)
	}

	// second Destroy is a no-op
	s.Destroy()
}

func TestSecureStringNeverFormatsSecret(t *testing.T) {
	s := NewSecureStringFromBytes([]byte("topsecret"))
	if out := fmt.Sprintf("%v %s", s, s); bytes.Contains([]byte(out), []byte("topsecret")) {
		t.Errorf("formatted SecureString leaked secret: %q", out)
	}
}

func TestSecureStringConcurrentReadAndDestroy(t *testing.T) {
	s := NewSecureStringFromBytes([]byte("concurrent"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithBytes(func(b []byte) error {
				_ = len(b)
				return nil
			})
			_ = s.Copy()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Destroy()
	}()
	wg.Wait()
}
