// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package sshtunnel carries signer traffic over SSH. The server's host key is the
// signer's long-term identity; clients pin it in a known_hosts file and
// authenticate with their own public key.
package sshtunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

// ChannelType is the SSH channel type that carries signer envelopes.
const ChannelType = "bssigner"

const keepaliveInterval = 15 * time.Second

// ServerOptions configure an SSH signer endpoint.
type ServerOptions struct {
	HostKeyPath        string
	AuthorizedKeysPath string
	// AutoRegister accepts and records unknown client keys.
	AutoRegister bool
	Logger       *slog.Logger
}

// Server accepts SSH connections authenticated by public key and serves each
// "bssigner" channel as one signer client.
type Server struct {
	handler transport.Handler
	logger  *slog.Logger

	sshConfig          *ssh.ServerConfig
	hostKey            ssh.Signer
	authKeys           []ssh.PublicKey
	authKeysMu         sync.RWMutex
	authorizedKeysPath string
	autoRegister       bool

	activeConns sync.WaitGroup
	sshConns    map[*ssh.ServerConn]struct{}
	sshConnsMu  sync.Mutex
}

// NewServer loads (or creates) the host key and authorized keys.
func NewServer(h transport.Handler, opts ServerOptions) (*Server, error) {
	hostKey, err := LoadOrGenerateHostKey(opts.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	authKeys, err := LoadAuthorizedKeys(opts.AuthorizedKeysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorized keys: %w", err)
	}

	s := &Server{
		handler:            h,
		logger:             util.LoggerOr(opts.Logger),
		hostKey:            hostKey,
		authKeys:           authKeys,
		authorizedKeysPath: opts.AuthorizedKeysPath,
		autoRegister:       opts.AutoRegister,
		sshConns:           make(map[*ssh.ServerConn]struct{}),
	}
	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: s.handlePublicKeyAuth,
		ServerVersion:     "SSH-2.0-bssigner",
	}
	s.sshConfig.AddHostKey(hostKey)
	return s, nil
}

// HostKeyFingerprint returns the signer identity fingerprint for out-of-band verification.
func (s *Server) HostKeyFingerprint() string {
	return ssh.FingerprintSHA256(s.hostKey.PublicKey())
}

// HostKey returns the signer identity public key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

func (s *Server) handlePublicKeyAuth(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	remoteAddr := conn.RemoteAddr().String()
	fingerprint := ssh.FingerprintSHA256(key)

	s.authKeysMu.RLock()
	authorized := false
	for _, allowed := range s.authKeys {
		if bytes.Equal(allowed.Marshal(), key.Marshal()) {
			authorized = true
			break
		}
	}
	s.authKeysMu.RUnlock()

	if !authorized {
		if !s.autoRegister {
			s.logger.Warn("rejected unknown SSH key", "remote", remoteAddr, "key", fingerprint)
			return nil, fmt.Errorf("unknown key %s", fingerprint)
		}
		if err := s.registerAuthorizedKey(key); err != nil {
			return nil, fmt.Errorf("failed to register key: %w", err)
		}
		s.logger.Info("registered new SSH key", "remote", remoteAddr, "key", fingerprint)
	}

	return &ssh.Permissions{
		Extensions: map[string]string{"key_fingerprint": fingerprint},
	}, nil
}

func (s *Server) registerAuthorizedKey(key ssh.PublicKey) error {
	s.authKeysMu.Lock()
	defer s.authKeysMu.Unlock()

	for _, allowed := range s.authKeys {
		if bytes.Equal(allowed.Marshal(), key.Marshal()) {
			return nil
		}
	}
	if err := AppendAuthorizedKey(s.authorizedKeysPath, key); err != nil {
		return err
	}
	s.authKeys = append(s.authKeys, key)
	return nil
}

// Serve accepts SSH connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAll()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wait()
				return nil
			}
			return fmt.Errorf("ssh accept: %w", err)
		}
		s.activeConns.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer s.activeConns.Done()
	defer func() { _ = netConn.Close() }()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		s.logger.Debug("ssh handshake failed", "remote", netConn.RemoteAddr(), "error", err)
		return
	}

	s.sshConnsMu.Lock()
	s.sshConns[sshConn] = struct{}{}
	s.sshConnsMu.Unlock()

	remoteAddr := sshConn.RemoteAddr().String()
	keepaliveDone := make(chan struct{})
	var channels sync.WaitGroup

	defer func() {
		close(keepaliveDone)
		s.sshConnsMu.Lock()
		delete(s.sshConns, sshConn)
		s.sshConnsMu.Unlock()
		_ = sshConn.Close()
		channels.Wait()
		s.logger.Info("ssh client disconnected", "remote", remoteAddr)
	}()

	s.logger.Info("ssh client connected", "remote", remoteAddr)

	go handleGlobalRequests(reqs)
	go s.monitorClientConnection(sshConn, remoteAddr, keepaliveDone)

	for newChannel := range chans {
		if newChannel.ChannelType() != ChannelType {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)

		channels.Add(1)
		go func() {
			defer channels.Done()
			transport.ServeConn(ctx, channel, uuid.NewString(), s.handler, s.logger)
		}()
	}
}

func handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

// monitorClientConnection closes connections whose peer stops answering keepalives.
func (s *Server) monitorClientConnection(sshConn *ssh.ServerConn, remoteAddr string, done chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := sshConn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Warn("ssh keepalive failed", "remote", remoteAddr, "error", err)
				_ = sshConn.Close()
				return
			}
		}
	}
}

func (s *Server) closeAll() {
	s.sshConnsMu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.sshConns))
	for conn := range s.sshConns {
		conns = append(conns, conn)
	}
	s.sshConnsMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *Server) wait() {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timeout waiting for ssh connections to close")
	}
}
