// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package version provides build version information for bssigner binaries.
// Values are injected at build time via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags.
// Example: go build -ldflags "-X github.com/aplane-algo/bssigner/internal/version.Version=1.0.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ProtocolVersion is reported by bssignerd alongside its build version.
const ProtocolVersion = 1

// String returns a formatted version string suitable for -version output.
func String() string {
	return fmt.Sprintf("%s (protocol %d, commit: %s, built: %s, %s/%s)",
		Version, ProtocolVersion, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
