// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aplane-algo/bssigner/internal/audit"
	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

// displacementTimeout bounds how long a new approver may take to confirm
// that it replaces the connected one.
const displacementTimeout = 30 * time.Second

// ApproverServer accepts the interactive approver on a unix socket. Only one
// approver is attached at a time; a newcomer may displace it after confirming.
type ApproverServer struct {
	path     string
	listener *Listener
	auth     auth.Authenticator
	audit    *audit.Logger
	logger   *slog.Logger

	mu      sync.Mutex
	active  *approverConn
	pending *approverConn
	wg      sync.WaitGroup
}

// NewApproverServer creates an approver endpoint at path. Approvers
// authenticate with the token checked by authenticator.
func NewApproverServer(path string, l *Listener, authenticator auth.Authenticator, auditLog *audit.Logger, logger *slog.Logger) *ApproverServer {
	return &ApproverServer{
		path:     path,
		listener: l,
		auth:     authenticator,
		audit:    auditLog,
		logger:   util.LoggerOr(logger),
	}
}

// Serve listens until ctx is done.
func (a *ApproverServer) Serve(ctx context.Context) error {
	ln, err := transport.ListenUnix(a.path)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener accepts approvers on ln until ctx is done.
func (a *ApproverServer) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		a.mu.Lock()
		for _, c := range []*approverConn{a.active, a.pending} {
			if c != nil {
				_ = c.fc.Close()
			}
		}
		a.mu.Unlock()
	})
	defer stop()
	defer a.wg.Wait()
	if a.path != "" {
		defer func() { _ = os.Remove(a.path) }()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("approver accept: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(conn)
		}()
	}
}

// Connected reports whether an approver is attached.
func (a *ApproverServer) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

func (a *ApproverServer) handle(conn net.Conn) {
	ac := &approverConn{fc: transport.NewFrameConn(conn), logger: a.logger}
	defer func() { _ = ac.fc.Close() }()

	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		ac.sendError("another approver is currently authenticating")
		return
	}
	existing := a.active != nil
	a.pending = ac
	a.mu.Unlock()

	registered := false
	defer func() {
		a.mu.Lock()
		if a.pending == ac {
			a.pending = nil
		}
		wasActive := a.active == ac
		if wasActive {
			a.active = nil
		}
		a.mu.Unlock()
		if registered && wasActive {
			a.listener.DetachUI(ac)
			a.logger.Info("approver disconnected")
		}
	}()

	if existing && !a.displace(ac) {
		return
	}
	if !a.authenticate(ac) {
		a.logger.Warn("approver authentication failed")
		return
	}

	a.mu.Lock()
	a.active = ac
	a.pending = nil
	a.mu.Unlock()
	registered = true

	a.audit.LogSession(audit.ApproverConnected, "approver", "")
	a.logger.Info("approver connected")
	_ = ac.write(a.listener.Status())
	a.listener.AttachUI(ac)

	for {
		line, err := ac.fc.ReadFrame()
		if err != nil {
			return
		}
		var base protocol.BaseMessage
		if err := json.Unmarshal(line, &base); err != nil {
			ac.sendError("invalid message format")
			continue
		}
		a.handleMessage(ac, base, line)
	}
}

func (a *ApproverServer) handleMessage(ac *approverConn, base protocol.BaseMessage, raw []byte) {
	switch base.Type {
	case protocol.MsgTypePasswordResponse:
		var msg protocol.PasswordResponseMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			ac.sendError("invalid password response")
			return
		}
		defer crypto.ZeroBytes(msg.Password)
		var n int
		if msg.Cancelled {
			n = a.listener.CancelPassword(msg.ID)
		} else {
			n = a.listener.ProvidePassword(msg.ID, msg.Password)
		}
		a.logger.Debug("password prompt answered by approver", "wallet", msg.ID, "waiters", n, "cancelled", msg.Cancelled)

	case protocol.MsgTypeStatus:
		_ = ac.write(a.listener.Status())

	default:
		ac.sendError("unknown message type " + base.Type)
	}
}

// displace asks the newcomer to confirm and then disconnects the attached approver.
func (a *ApproverServer) displace(ac *approverConn) bool {
	if err := ac.write(protocol.ClientExistsMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeClientExists}}); err != nil {
		return false
	}
	ac.fc.SetReadDeadline(displacementTimeout)
	line, err := ac.fc.ReadFrame()
	ac.fc.ClearReadDeadline()
	if err != nil {
		return false
	}
	var base protocol.BaseMessage
	if err := json.Unmarshal(line, &base); err != nil || base.Type != protocol.MsgTypeDisplaceConfirm {
		return false
	}

	a.mu.Lock()
	old := a.active
	a.active = nil
	a.mu.Unlock()
	if old != nil {
		_ = old.write(protocol.DisplacedMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeDisplaced},
			Reason:      "displaced by another approver",
		})
		_ = old.fc.Close()
		a.listener.DetachUI(old)
		a.logger.Warn("approver displaced by new connection")
	}
	return true
}

func (a *ApproverServer) authenticate(ac *approverConn) bool {
	if err := ac.write(protocol.AuthRequiredMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeAuthRequired}}); err != nil {
		return false
	}
	line, err := ac.fc.ReadFrame()
	if err != nil {
		return false
	}
	var msg protocol.AuthMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type != protocol.MsgTypeAuth {
		ac.authResult(false, "expected auth message")
		return false
	}
	if _, err := a.auth.Authenticate(context.Background(), auth.Credentials{Token: msg.Token}); err != nil {
		ac.authResult(false, "invalid token")
		return false
	}
	ac.authResult(true, "")
	return true
}

// approverConn is the attached approver seen as a PasswordUI.
type approverConn struct {
	fc     *transport.FrameConn
	logger *slog.Logger
}

func (c *approverConn) write(v any) error {
	return c.fc.WriteJSON(v)
}

func (c *approverConn) sendError(msg string) {
	_ = c.write(protocol.ErrorMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeError}, Error: msg})
}

func (c *approverConn) authResult(ok bool, msg string) {
	_ = c.write(protocol.AuthResultMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeAuthResult},
		Success:     ok,
		Error:       msg,
	})
}

// PromptPassword implements PasswordUI.
func (c *approverConn) PromptPassword(p Prompt) error {
	return c.write(protocol.PasswordPromptMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypePasswordPrompt, ID: p.WalletID},
		WalletName:  p.WalletName,
		Request:     p.Request.String(),
		Prompt:      p.Text,
		ClientID:    p.ClientID,
		Timestamp:   time.Now().Unix(),
	})
}

// CancelPrompt implements PasswordUI.
func (c *approverConn) CancelPrompt(walletID, reason string) {
	err := c.write(protocol.PromptCancelledMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypePromptCancelled, ID: walletID},
		Reason:      reason,
	})
	if err != nil {
		c.logger.Debug("failed to cancel approver prompt", "wallet", walletID, "error", err)
	}
}

// NotifyAutoSign implements PasswordUI.
func (c *approverConn) NotifyAutoSign(ev protocol.AutoSignEvent) {
	_ = c.write(protocol.AutoSignMessage{
		BaseMessage:  protocol.BaseMessage{Type: protocol.MsgTypeAutoSign},
		RootWalletID: ev.RootWalletID,
		Active:       ev.Active,
		Reason:       ev.Reason,
	})
}
