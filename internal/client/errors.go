// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/aplane-algo/bssigner/internal/protocol"
)

var (
	// ErrDisconnected fails every request still waiting when the connection drops.
	ErrDisconnected = errors.New("signer connection lost")

	// ErrNotReady is returned for requests sent before the handshake completed.
	ErrNotReady = errors.New("signer client is not ready")

	// ErrInvalidProtocol marks a reply the client cannot correlate.
	ErrInvalidProtocol = errors.New("signer protocol violation")

	// ErrAlreadyStarted is returned by Start while a connection is up.
	ErrAlreadyStarted = errors.New("signer client already started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signer client closed")

	// ErrConnect wraps failures to start, reach or authenticate with the signer.
	ErrConnect = errors.New("failed to connect to signer")

	// ErrNetworkMismatch is returned when the signer serves another network.
	ErrNetworkMismatch = errors.New("signer network type mismatch")
)

// ReplyError is a failure reported by the signer in a reply. It is a normal
// outcome of a request, not a connection problem.
type ReplyError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *ReplyError with the same code.
func (e *ReplyError) Is(target error) bool {
	t, ok := target.(*ReplyError)
	return ok && t.Code == e.Code
}

// CodeOf classifies err: the code of a *ReplyError, a client-observed code
// for connection and protocol failures, InternalError otherwise.
func CodeOf(err error) protocol.ErrorCode {
	if err == nil {
		return protocol.NoError
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, ErrNetworkMismatch):
		return protocol.NetworkTypeMismatch
	case errors.Is(err, ErrInvalidProtocol):
		return protocol.InvalidProtocol
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Timeout
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrConnect), errors.Is(err, ErrNotReady):
		return protocol.ConnectionError
	default:
		return protocol.InternalError
	}
}

func replyError(st protocol.ReplyStatus) error {
	if err := st.Err(); err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return &ReplyError{Code: perr.Code, Message: perr.Message}
		}
		return err
	}
	return nil
}
