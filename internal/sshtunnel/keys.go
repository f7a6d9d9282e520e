// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package sshtunnel

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aplane-algo/bssigner/internal/util"
)

// LoadOrGenerateHostKey loads the signer identity key or generates and stores a new Ed25519 one.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("host key path is empty")
	}

	data, err := os.ReadFile(path)
	if err == nil {
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", path, parseErr)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key %s: %w", path, err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	if err := writePrivateKey(path, privateKey); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privateKey)
}

// LoadOrGenerateIdentity loads a client identity key, generating one on first use.
// The public half is printed so the operator can pin it on the signer.
func LoadOrGenerateIdentity(path string) (ssh.Signer, error) {
	path = util.ExpandUserPath(path)
	data, err := os.ReadFile(path)
	if err == nil {
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			if _, ok := parseErr.(*ssh.PassphraseMissingError); ok {
				return nil, fmt.Errorf("SSH identity file %s is encrypted; use ssh-agent or an unencrypted key", path)
			}
			return nil, fmt.Errorf("failed to parse SSH identity file %s: %w", path, parseErr)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read SSH identity file %s: %w", path, err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	if err := writePrivateKey(path, privateKey); err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	fmt.Printf("\n[SSH] Generated new identity key: %s\n", path)
	fmt.Printf("[SSH] Public key fingerprint: %s\n", ssh.FingerprintSHA256(signer.PublicKey()))
	fmt.Printf("[SSH] Public key (for terminal_id_key):\n%s\n", ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return signer, nil
}

func writePrivateKey(path string, key ed25519.PrivateKey) error {
	pemBlock, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return fmt.Errorf("failed to write private key %s: %w", path, err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadAuthorizedKeys loads all keys from an authorized_keys file.
// A missing or empty file yields no keys.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("authorized keys path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read authorized keys %s: %w", path, err)
	}

	data = bytes.TrimSpace(data)
	var keys []ssh.PublicKey
	for len(data) > 0 {
		pubKey, _, _, rest, parseErr := ssh.ParseAuthorizedKey(data)
		if parseErr != nil {
			return nil, fmt.Errorf("failed to parse authorized keys %s: %w", path, parseErr)
		}
		keys = append(keys, pubKey)
		data = rest
	}
	return keys, nil
}

// AppendAuthorizedKey adds key to an authorized_keys file unless already present.
func AppendAuthorizedKey(path string, key ssh.PublicKey) error {
	existing, err := LoadAuthorizedKeys(path)
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil
		}
	}
	return appendLine(path, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))))
}

func appendLine(path, line string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// replaceKnownHost drops every known_hosts line for host and appends the new key.
func replaceKnownHost(path, host string, key ssh.PublicKey) error {
	var kept []string
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read known_hosts: %w", err)
	}

	normalized := knownhosts.Normalize(host)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) > 0 && !strings.HasPrefix(fields[0], "#") && hostListContains(fields[0], normalized) {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept, knownhosts.Line([]string{normalized}, key))

	if err := ensureDir(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write known_hosts: %w", err)
	}
	return os.Rename(tmp, path)
}

func hostListContains(list, host string) bool {
	for _, h := range strings.Split(list, ",") {
		if h == host {
			return true
		}
	}
	return false
}
