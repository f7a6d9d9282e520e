// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

//go:build windows

package supervisor

import "os"

// Windows has no SIGTERM; the signer is killed outright.
func terminate(p *os.Process) error {
	return p.Kill()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func processMatches(int, string) bool { return true }

func terminatePID(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
