// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"io"
	"log/slog"
	"os"
)

// DebugEnv enables debug logging when set to any non-empty value.
const DebugEnv = "BSSIGNER_DEBUG"

var Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// InitLogger initializes the global logger.
// Daemons keep timestamps; interactive tools pass cli=true to drop time and level.
func InitLogger(cli bool) {
	level := slog.LevelInfo
	if os.Getenv(DebugEnv) != "" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cli {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		}
	}

	out := os.Stderr
	if cli {
		out = os.Stdout
	}
	Logger = slog.New(slog.NewTextHandler(out, opts))
}

// LoggerOr returns l, or the global logger when l is nil.
func LoggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger
}
