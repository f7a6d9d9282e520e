// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"

	"github.com/aplane-algo/bssigner/internal/util"
)

// Sender delivers messages to one connected client.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Handler receives connection events from any server transport.
// Calls for one client are sequential; calls for different clients may be concurrent.
type Handler interface {
	OnClientConnected(clientID string, conn Sender)
	OnDataFromClient(clientID string, data []byte)
	OnClientDisconnected(clientID string)
}

// ServeConn runs the read loop for one client until the connection closes or ctx is done.
// Every message is handed to h before the next one is read.
func ServeConn(ctx context.Context, rwc io.ReadWriteCloser, clientID string, h Handler, logger *slog.Logger) {
	logger = util.LoggerOr(logger)
	conn := NewFrameConn(rwc)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	h.OnClientConnected(clientID, conn)
	defer func() {
		_ = conn.Close()
		h.OnClientDisconnected(clientID)
	}()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if !IsClosedConnError(err) {
				logger.Warn("read failed", "client", clientID, "error", err)
			}
			return
		}
		h.OnDataFromClient(clientID, data)
	}
}

// Server accepts connections on a listener and serves each with ServeConn.
type Server struct {
	listener net.Listener
	handler  Handler
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewServer creates a server for ln.
func NewServer(ln net.Listener, h Handler, logger *slog.Logger) *Server {
	return &Server{listener: ln, handler: h, logger: util.LoggerOr(logger)}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts until ctx is cancelled or the listener fails, then waits for
// all client loops to finish.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", s.listener.Addr(), err)
		}

		clientID := uuid.NewString()
		s.logger.Debug("client connected", "client", clientID, "remote", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ServeConn(ctx, conn, clientID, s.handler, s.logger)
		}()
	}
}

// ListenUnix creates a unix socket readable only by the current user.
// An existing socket file owned by us is replaced; symlinks and foreign files are refused.
func ListenUnix(path string) (net.Listener, error) {
	if err := validateSocketPath(path); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

func validateSocketPath(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket path: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("SECURITY: socket path is a symlink (possible attack): %s", path)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path exists and is not a socket: %s", path)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		uid := os.Getuid()
		if uid >= 0 && stat.Uid != uint32(uid) { // #nosec G115 - UIDs are 32-bit
			return fmt.Errorf("SECURITY: socket owned by different user (uid %d, expected %d): %s", stat.Uid, uid, path)
		}
	}
	return nil
}

// ListenVsock listens on an AF_VSOCK port for clients in a sibling VM or enclave.
func ListenVsock(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on vsock port %d: %w", port, err)
	}
	return ln, nil
}
