// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package security hardens the signer process against leaking key material
// through swap or core dumps.
package security

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// LockMemory attempts to lock all memory pages to prevent swapping to disk.
// Decrypted seeds and cached auto-sign passwords live in process memory.
func LockMemory() error {
	if err := syscall.Mlockall(syscall.MCL_CURRENT | syscall.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall failed: %w\n\nTo fix this, run:\n  sudo setcap cap_ipc_lock+ep %s", err, os.Args[0])
	}
	return nil
}

// DisableCoreDumps prevents core dumps which could leak private keys
func DisableCoreDumps() error {
	rlimit := syscall.Rlimit{Cur: 0, Max: 0}
	if err := syscall.Setrlimit(syscall.RLIMIT_CORE, &rlimit); err != nil {
		return fmt.Errorf("failed to disable core dumps: %w", err)
	}
	return nil
}

// Harden applies both protections. With require set, any failure is returned;
// otherwise failures come back as warnings and the error is nil.
func Harden(require bool) (warnings []string, err error) {
	var errs []error
	if e := DisableCoreDumps(); e != nil {
		errs = append(errs, e)
	}
	if e := LockMemory(); e != nil {
		errs = append(errs, e)
	}
	if require {
		return nil, errors.Join(errs...)
	}
	for _, e := range errs {
		warnings = append(warnings, e.Error())
	}
	return warnings, nil
}
