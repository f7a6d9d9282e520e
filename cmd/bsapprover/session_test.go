// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/transport"
)

// pipe returns the approver end and the signer end of a connection.
func pipe(t *testing.T) (*transport.FrameConn, *transport.FrameConn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return transport.NewFrameConn(a), transport.NewFrameConn(b)
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name     string
		existing bool
		confirm  bool
		accept   bool
		wantErr  error
	}{
		{name: "first approver", accept: true},
		{name: "takes over", existing: true, confirm: true, accept: true},
		{name: "declines takeover", existing: true, wantErr: errDisplaceDeclined},
		{name: "bad token", accept: false, wantErr: errAuthRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := pipe(t)
			done := make(chan error, 1)
			go func() {
				done <- handshake(client, "tok", func() bool { return tt.confirm })
			}()

			if tt.existing {
				require.NoError(t, server.WriteJSON(protocol.ClientExistsMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeClientExists}}))
				if !tt.confirm {
					require.ErrorIs(t, <-done, tt.wantErr)
					return
				}
				var base protocol.BaseMessage
				require.NoError(t, server.ReadJSON(&base))
				require.Equal(t, protocol.MsgTypeDisplaceConfirm, base.Type)
			}
			require.NoError(t, server.WriteJSON(protocol.AuthRequiredMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeAuthRequired}}))
			var auth protocol.AuthMessage
			require.NoError(t, server.ReadJSON(&auth))
			require.Equal(t, "tok", auth.Token)
			require.NoError(t, server.WriteJSON(protocol.AuthResultMessage{
				BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeAuthResult},
				Success:     tt.accept,
			}))

			err := <-done
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func message(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func prompt(walletID string) protocol.PasswordPromptMessage {
	return protocol.PasswordPromptMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypePasswordPrompt, ID: walletID},
		Request:     "SignTX",
		Prompt:      "Enter password",
	}
}

func TestSessionQueuesPrompts(t *testing.T) {
	var out bytes.Buffer
	client, server := pipe(t)
	s := newSession(client, &out)

	require.NoError(t, s.handle(message(t, prompt("w1"))))
	require.NoError(t, s.handle(message(t, prompt("w2"))))
	require.NoError(t, s.handle(message(t, prompt("w1"))), "repeated prompt replaces the queued one")
	require.Len(t, s.queue, 2)

	p, ok := s.current()
	require.True(t, ok)
	require.Equal(t, "w1", p.ID)

	require.NoError(t, s.handle(message(t, protocol.PromptCancelledMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypePromptCancelled, ID: "w1"},
		Reason:      "client disconnected",
	})))
	p, _ = s.current()
	require.Equal(t, "w2", p.ID)

	sent, err := s.answer("w1", []byte("late"))
	require.NoError(t, err)
	require.False(t, sent, "withdrawn prompt is not answered")

	got := make(chan protocol.PasswordResponseMessage, 1)
	go func() {
		var msg protocol.PasswordResponseMessage
		_ = server.ReadJSON(&msg)
		got <- msg
	}()
	sent, err = s.answer("w2", []byte("pw"))
	require.NoError(t, err)
	require.True(t, sent)
	resp := <-got
	require.Equal(t, "w2", resp.ID)
	require.Equal(t, []byte("pw"), resp.Password)
	require.False(t, resp.Cancelled)

	_, ok = s.current()
	require.False(t, ok)
}

func TestSessionDeclineSendsCancelled(t *testing.T) {
	client, server := pipe(t)
	s := newSession(client, &bytes.Buffer{})
	require.NoError(t, s.handle(message(t, prompt("w1"))))

	got := make(chan protocol.PasswordResponseMessage, 1)
	go func() {
		var msg protocol.PasswordResponseMessage
		_ = server.ReadJSON(&msg)
		got <- msg
	}()
	_, err := s.answer("w1", nil)
	require.NoError(t, err)
	require.True(t, (<-got).Cancelled)
}

func TestSessionNotices(t *testing.T) {
	var out bytes.Buffer
	client, _ := pipe(t)
	s := newSession(client, &out)

	require.NoError(t, s.handle(message(t, protocol.StatusMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeStatus},
		NetType:     "testnet",
		WalletCount: 2,
	})))
	require.NoError(t, s.handle(message(t, protocol.AutoSignMessage{
		BaseMessage:  protocol.BaseMessage{Type: protocol.MsgTypeAutoSign},
		RootWalletID: "root",
		Reason:       "spend limit reached",
	})))
	require.NoError(t, s.handle([]byte("not json")))
	require.Contains(t, out.String(), "testnet, 2 wallet(s)")
	require.Contains(t, out.String(), "spend limit reached")

	err := s.handle(message(t, protocol.DisplacedMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeDisplaced}}))
	require.ErrorIs(t, err, errDisplaced)
}
