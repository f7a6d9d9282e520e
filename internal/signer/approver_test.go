// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/transport"
)

const approverToken = "approver-secret"

func startApprover(t *testing.T, h *harness) (*ApproverServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewApproverServer("", h.l, auth.NewTokenAuthenticator(approverToken), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv, ln.Addr().String()
}

func dialApprover(t *testing.T, addr string) *transport.FrameConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	fc := transport.NewFrameConn(conn)
	t.Cleanup(func() { _ = fc.Close() })
	fc.SetReadDeadline(10 * time.Second)
	return fc
}

// readMessage returns the type and raw bytes of the next approver message.
func readMessage(t *testing.T, fc *transport.FrameConn) (string, []byte) {
	t.Helper()
	raw, err := fc.ReadFrame()
	require.NoError(t, err)
	var base protocol.BaseMessage
	require.NoError(t, json.Unmarshal(raw, &base))
	return base.Type, raw
}

func loginApprover(t *testing.T, fc *transport.FrameConn, token string) protocol.AuthResultMessage {
	t.Helper()
	typ, _ := readMessage(t, fc)
	require.Equal(t, protocol.MsgTypeAuthRequired, typ)
	require.NoError(t, fc.WriteJSON(protocol.AuthMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeAuth}, Token: token}))

	typ, raw := readMessage(t, fc)
	require.Equal(t, protocol.MsgTypeAuthResult, typ)
	var res protocol.AuthResultMessage
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func TestApproverAnswersPrompts(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	pw := []byte("pw")
	rootID, leaves := h.newWallet("main", mnemonicA, pw)
	srv, addr := startApprover(t, h)

	fc := dialApprover(t, addr)
	require.True(t, loginApprover(t, fc, approverToken).Success)
	typ, raw := readMessage(t, fc)
	require.Equal(t, protocol.MsgTypeStatus, typ)
	var status protocol.StatusMessage
	require.NoError(t, json.Unmarshal(raw, &status))
	require.Equal(t, "testnet", status.NetType)
	require.Equal(t, 1, status.WalletCount)
	require.Eventually(t, h.l.HasUI, 5*time.Second, 10*time.Millisecond)
	require.True(t, srv.Connected())

	c := h.client("c1")
	id := c.send(protocol.SignTXType, h.signRequest(leaves[0], 1000))
	require.Empty(t, c.passwordRequests())

	typ, raw = readMessage(t, fc)
	require.Equal(t, protocol.MsgTypePasswordPrompt, typ)
	var prompt protocol.PasswordPromptMessage
	require.NoError(t, json.Unmarshal(raw, &prompt))
	require.Equal(t, rootID, prompt.ID)
	require.Equal(t, "c1", prompt.ClientID)
	require.Equal(t, "SignTX", prompt.Request)

	require.NoError(t, fc.WriteJSON(protocol.PasswordResponseMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypePasswordResponse, ID: rootID},
		Password:    pw,
	}))
	require.Eventually(t, func() bool { return c.hasReply(id) }, 5*time.Second, 10*time.Millisecond)
	c.signed(id)

	_ = fc.Close()
	require.Eventually(t, func() bool { return !h.l.HasUI() }, 5*time.Second, 10*time.Millisecond)
}

func TestApproverRejectsBadToken(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	srv, addr := startApprover(t, h)

	fc := dialApprover(t, addr)
	res := loginApprover(t, fc, "wrong")
	require.False(t, res.Success)
	_, err := fc.ReadFrame()
	require.Error(t, err, "the signer hangs up after a failed login")
	require.False(t, srv.Connected())
	require.False(t, h.l.HasUI())
}

func TestApproverDisplacement(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, addr := startApprover(t, h)

	first := dialApprover(t, addr)
	require.True(t, loginApprover(t, first, approverToken).Success)
	typ, _ := readMessage(t, first)
	require.Equal(t, protocol.MsgTypeStatus, typ)
	require.Eventually(t, h.l.HasUI, 5*time.Second, 10*time.Millisecond)

	second := dialApprover(t, addr)
	typ, _ = readMessage(t, second)
	require.Equal(t, protocol.MsgTypeClientExists, typ)
	require.NoError(t, second.WriteJSON(protocol.DisplaceConfirmMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeDisplaceConfirm}}))

	typ, _ = readMessage(t, first)
	require.Equal(t, protocol.MsgTypeDisplaced, typ)

	require.True(t, loginApprover(t, second, approverToken).Success)
	typ, _ = readMessage(t, second)
	require.Equal(t, protocol.MsgTypeStatus, typ)
	require.Eventually(t, h.l.HasUI, 5*time.Second, 10*time.Millisecond)
}
