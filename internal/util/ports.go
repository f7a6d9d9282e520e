// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"fmt"
	"net"
)

// Default port constants for signer services
const (
	// DefaultSignerPort is the default TCP port for the headless signer protocol
	DefaultSignerPort = 23456

	// DefaultSSHPort is the default SSH transport port
	DefaultSSHPort = 23457
)

// FreeLocalPort asks the kernel for an unused loopback TCP port.
// The port is released before returning, so a later bind can still race.
func FreeLocalPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
