// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/aplane-algo/bssigner/internal/sshtunnel"
)

// pinTerminalKey makes sure the terminal's identity key is authorized.
// It reports whether the key had to be added.
func pinTerminalKey(authorizedKeysPath, line string) (bool, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return false, fmt.Errorf("invalid terminal_id_key: %w", err)
	}
	existing, err := sshtunnel.LoadAuthorizedKeys(authorizedKeysPath)
	if err != nil {
		return false, err
	}
	for _, k := range existing {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return false, nil
		}
	}
	if err := sshtunnel.AppendAuthorizedKey(authorizedKeysPath, key); err != nil {
		return false, fmt.Errorf("failed to pin terminal key: %w", err)
	}
	return true, nil
}
