// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package sshtunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aplane-algo/bssigner/internal/transport"
)

type echoHandler struct {
	mu      sync.Mutex
	senders map[string]transport.Sender
}

func (h *echoHandler) OnClientConnected(id string, s transport.Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders[id] = s
}

func (h *echoHandler) OnDataFromClient(id string, data []byte) {
	h.mu.Lock()
	s := h.senders[id]
	h.mu.Unlock()
	_ = s.Send(data)
}

func (h *echoHandler) OnClientDisconnected(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.senders, id)
}

type approvals struct {
	mu      sync.Mutex
	seen    []KeyChange
	approve bool
}

func (a *approvals) handler(c KeyChange) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, c)
	return a.approve, nil
}

func (a *approvals) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func startServer(t *testing.T, dir string, autoRegister bool) (*Server, string) {
	t.Helper()
	srv, err := NewServer(&echoHandler{senders: map[string]transport.Sender{}}, ServerOptions{
		HostKeyPath:        filepath.Join(dir, "host_key"),
		AuthorizedKeysPath: filepath.Join(dir, "authorized_keys"),
		AutoRegister:       autoRegister,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

func newTestClient(t *testing.T, dir, addr string, a *approvals) *Client {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return NewClient(ClientOptions{
		Host:           host,
		Port:           p,
		IdentityFile:   filepath.Join(dir, "id_ed25519"),
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
		ApproveKey:     a.handler,
	})
}

func roundTrip(t *testing.T, c *Client) {
	t.Helper()
	rwc, err := c.Dial(context.Background())
	require.NoError(t, err)
	defer rwc.Close()

	fc := transport.NewFrameConn(rwc)
	require.NoError(t, fc.WriteFrame([]byte(`{"id":1}`)))
	got, err := fc.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, `{"id":1}`, string(got))
}

func TestTrustOnFirstUseThenPinned(t *testing.T) {
	serverDir, clientDir := t.TempDir(), t.TempDir()
	_, addr := startServer(t, serverDir, true)

	a := &approvals{approve: true}
	c := newTestClient(t, clientDir, addr, a)

	roundTrip(t, c)
	require.Equal(t, 1, a.count())
	require.Empty(t, a.seen[0].OldKey, "first contact has no old key")

	roundTrip(t, c)
	require.Equal(t, 1, a.count(), "pinned key must not prompt again")

	keys, err := LoadAuthorizedKeys(filepath.Join(serverDir, "authorized_keys"))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestUnknownClientKeyRejectedWithoutAutoRegister(t *testing.T) {
	_, addr := startServer(t, t.TempDir(), false)
	c := newTestClient(t, t.TempDir(), addr, &approvals{approve: true})

	_, err := c.Dial(context.Background())
	require.Error(t, err)
}

func TestIdentityKeyChangeRequiresApproval(t *testing.T) {
	serverDir, clientDir := t.TempDir(), t.TempDir()
	srv, addr := startServer(t, serverDir, true)

	// Pin a different key for the signer address.
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	oldKey, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	knownHosts := filepath.Join(clientDir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, oldKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0600))

	reject := &approvals{approve: false}
	c := newTestClient(t, clientDir, addr, reject)
	_, err = c.Dial(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrKeyRejected) || strings.Contains(err.Error(), ErrKeyRejected.Error()))
	require.Equal(t, 1, reject.count())
	require.Equal(t, ssh.FingerprintSHA256(oldKey), reject.seen[0].OldKey)
	require.Equal(t, srv.HostKeyFingerprint(), reject.seen[0].NewKey)

	accept := &approvals{approve: true}
	c.SetKeyApprovalHandler(accept.handler)
	roundTrip(t, c)
	require.Equal(t, 1, accept.count())

	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	require.NotContains(t, string(data), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(oldKey))))

	roundTrip(t, c)
	require.Equal(t, 1, accept.count())
}

func TestNoApprovalHandlerRefusesUnknownSigner(t *testing.T) {
	_, addr := startServer(t, t.TempDir(), true)
	c := newTestClient(t, t.TempDir(), addr, &approvals{})
	c.SetKeyApprovalHandler(nil)

	_, err := c.Dial(context.Background())
	require.Error(t, err)
}
