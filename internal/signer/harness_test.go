// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/wallet"
)

const (
	mnemonicA    = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	mnemonicB    = "legal winner thank year wave sausage worth useful legal winner thank yellow"
	mnemonicC    = "zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong"
	testLeafPath = "m/84'/1'/0'"
	testTxID     = "1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeConn records every envelope the listener sends to one client.
type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) byID(id uint32) (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.frames {
		if env.ID == id && id != 0 {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

func (c *fakeConn) pushes(typ protocol.RequestType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.frames {
		if env.ID == 0 && env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeUI stands in for an attached approver.
type fakeUI struct {
	mu        sync.Mutex
	prompts   []Prompt
	cancelled []string
	events    []protocol.AutoSignEvent
	err       error
}

func (u *fakeUI) PromptPassword(p Prompt) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.prompts = append(u.prompts, p)
	return nil
}

func (u *fakeUI) CancelPrompt(walletID, _ string) {
	u.mu.Lock()
	u.cancelled = append(u.cancelled, walletID)
	u.mu.Unlock()
}

func (u *fakeUI) NotifyAutoSign(ev protocol.AutoSignEvent) {
	u.mu.Lock()
	u.events = append(u.events, ev)
	u.mu.Unlock()
}

func (u *fakeUI) promptCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.prompts)
}

type harnessConfig struct {
	limits   LimitsConfig
	listener ListenerConfig
	wrap     func(Wallets) Wallets
}

type harness struct {
	t   *testing.T
	mgr *wallet.Manager
	l   *Listener
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	root := t.TempDir()
	mgr, err := wallet.Open(wallet.Options{
		Dir:      filepath.Join(root, "wallets"),
		IndexDir: filepath.Join(root, "index"),
		NetType:  "testnet",
		KDF:      crypto.TestKDFParams,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	var w Wallets = mgr
	if cfg.wrap != nil {
		w = cfg.wrap(mgr)
	}
	state := NewServerState(cfg.limits)
	t.Cleanup(state.Close)
	return &harness{t: t, mgr: mgr, l: NewListener(cfg.listener, w, state)}
}

// newWallet creates a root with the given leaves (one default leaf when none).
func (h *harness) newWallet(name, mnemonic string, password []byte, leafPaths ...string) (string, []string) {
	h.t.Helper()
	if len(leafPaths) == 0 {
		leafPaths = []string{testLeafPath}
	}
	rootID, leaves, err := h.mgr.CreateWallet(name, "", mnemonic, password, leafPaths)
	require.NoError(h.t, err)
	ids := make([]string, len(leaves))
	for i, l := range leaves {
		ids[i] = l.ID
	}
	return rootID, ids
}

func (h *harness) address(walletID string) string {
	h.t.Helper()
	addr, err := h.mgr.Address(walletID, "1/0")
	require.NoError(h.t, err)
	return addr
}

// signRequest spends value from one input of leafID.
func (h *harness) signRequest(leafID string, value uint64) protocol.TXSignRequest {
	return protocol.TXSignRequest{
		WalletID:   leafID,
		Inputs:     []protocol.TxInput{{WalletID: leafID, Path: "0/0", Outpoint: testTxID + ":0", Value: value + 10000}},
		Recipients: []protocol.TxOutput{{Address: h.address(leafID), Value: value}},
		Fee:        500,
	}
}

type testClient struct {
	t      *testing.T
	h      *harness
	id     string
	conn   *fakeConn
	ticket []byte
	next   uint32
}

// connect opens a session without authenticating it.
func (h *harness) connect(id string) *testClient {
	c := &testClient{t: h.t, h: h, id: id, conn: &fakeConn{}}
	h.l.OnClientConnected(id, c.conn)
	return c
}

// client opens an authenticated session.
func (h *harness) client(id string) *testClient {
	h.t.Helper()
	c := h.connect(id)
	rep := c.login("")
	require.Equal(h.t, protocol.NoError, rep.ErrorCode, rep.Error)
	return c
}

func (c *testClient) send(typ protocol.RequestType, payload any) uint32 {
	c.t.Helper()
	c.next++
	env, err := protocol.NewEnvelope(c.next, typ, c.ticket, payload)
	require.NoError(c.t, err)
	data, err := env.Marshal()
	require.NoError(c.t, err)
	c.h.l.OnDataFromClient(c.id, data)
	return c.next
}

func (c *testClient) login(hash string) protocol.AuthenticationReply {
	c.t.Helper()
	id := c.send(protocol.AuthenticationType, protocol.AuthenticationRequest{PasswordHash: hash, ClientName: c.id, NetType: "testnet"})
	var rep protocol.AuthenticationReply
	c.reply(id, &rep)
	if rep.ErrorCode == protocol.NoError {
		c.ticket = rep.AuthTicket
	}
	return rep
}

func (c *testClient) hasReply(id uint32) bool {
	_, ok := c.conn.byID(id)
	return ok
}

func (c *testClient) reply(id uint32, v any) {
	c.t.Helper()
	env, ok := c.conn.byID(id)
	require.True(c.t, ok, "no reply to request %d", id)
	if len(env.Data) > 0 {
		require.NoError(c.t, env.Decode(v))
	}
}

func (c *testClient) code(id uint32) protocol.ErrorCode {
	c.t.Helper()
	var st protocol.ReplyStatus
	c.reply(id, &st)
	return st.ErrorCode
}

func (c *testClient) signed(id uint32) protocol.SignTXReply {
	c.t.Helper()
	var rep protocol.SignTXReply
	c.reply(id, &rep)
	require.Equal(c.t, protocol.NoError, rep.ErrorCode, rep.Error)
	require.NotEmpty(c.t, rep.SignedTX)
	require.Len(c.t, rep.TxHash, 64)
	return rep
}

func (c *testClient) passwordRequests() []protocol.PasswordRequest {
	c.t.Helper()
	var out []protocol.PasswordRequest
	for _, env := range c.conn.pushes(protocol.PasswordType) {
		var req protocol.PasswordRequest
		require.NoError(c.t, env.Decode(&req))
		out = append(out, req)
	}
	return out
}

func (c *testClient) autoSignEvents() []protocol.AutoSignEvent {
	c.t.Helper()
	var out []protocol.AutoSignEvent
	for _, env := range c.conn.pushes(protocol.AutoSignActType) {
		var ev protocol.AutoSignEvent
		require.NoError(c.t, env.Decode(&ev))
		out = append(out, ev)
	}
	return out
}

func (c *testClient) answer(walletID string, password []byte) {
	c.send(protocol.PasswordType, protocol.PasswordReply{WalletID: walletID, Password: password})
}
