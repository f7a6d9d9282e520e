// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package transport

import (
	"errors"
	"io"
	"net"
	"strings"
)

// Sentinel errors for transport failures.
var (
	// ErrInvalidFrame is returned when a message contains a raw newline.
	ErrInvalidFrame = errors.New("message contains frame delimiter")

	// ErrFrameTooLarge is returned when a message exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("message exceeds maximum frame size")

	// ErrAlreadyConnected is returned when another approver is already connected.
	ErrAlreadyConnected = errors.New("another client is already connected")

	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("authentication failed")
)

// IsClosedConnError returns true if the error is due to use of a closed connection.
// These are expected during normal disconnects and shouldn't be logged as errors.
func IsClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
