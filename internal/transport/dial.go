// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = 10 * time.Second

// RemoteTransport opens the byte stream to a signer.
// Implementations: TCPTransport, UnixTransport and sshtunnel.Client.
type RemoteTransport interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// TCPTransport dials a plain TCP signer, usually a local subprocess on 127.0.0.1.
type TCPTransport struct {
	Address string
	Timeout time.Duration
}

func (t *TCPTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: t.timeout()}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.Address, err)
	}
	return conn, nil
}

func (t *TCPTransport) String() string { return "tcp://" + t.Address }

func (t *TCPTransport) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultDialTimeout
}

// UnixTransport dials a signer listening on a unix socket.
type UnixTransport struct {
	Path string
}

func (t *UnixTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signer socket %s: %w", t.Path, err)
	}
	return conn, nil
}

func (t *UnixTransport) String() string { return "unix://" + t.Path }
