// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aplane-algo/bssigner/internal/fsutil"
)

// checksumSuffix names the SHA-256 sidecar written next to each backup.
const checksumSuffix = ".sha256"

// BackupDir returns the directory backups are written to.
func (m *Manager) BackupDir() string { return m.opts.BackupDir }

// Backup copies the root wallet file into the backup directory with a
// timestamped name and a SHA-256 sidecar. Returns the backup path.
func (m *Manager) Backup(rootID string) (string, error) {
	m.mu.RLock()
	_, ok := m.roots[rootID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWalletNotFound, rootID)
	}

	data, err := os.ReadFile(m.filePath(rootID))
	if err != nil {
		return "", fmt.Errorf("failed to read wallet file: %w", err)
	}
	if err := fsutil.MkdirAll(m.opts.BackupDir); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	dest := filepath.Join(m.opts.BackupDir, fmt.Sprintf("%s-%s%s", rootID, stamp, fileSuffix))
	if err := fsutil.WriteFileAtomic(dest, data); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	sum := sha256.Sum256(data)
	line := hex.EncodeToString(sum[:]) + "  " + filepath.Base(dest) + "\n"
	if err := fsutil.WriteFile(dest+checksumSuffix, []byte(line)); err != nil {
		return "", fmt.Errorf("failed to write backup checksum: %w", err)
	}

	m.logger.Info("wallet backed up", "wallet", rootID, "path", dest)
	return dest, nil
}

// VerifyBackup checks a backup file against its checksum sidecar.
func VerifyBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	sidecar, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}
	fields := strings.Fields(string(sidecar))
	if len(fields) == 0 {
		return fmt.Errorf("empty checksum file")
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != fields[0] {
		return fmt.Errorf("checksum mismatch for %s", filepath.Base(path))
	}
	return nil
}
