// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package signer is the server side of the headless signer protocol: it
// authenticates client sessions, dispatches their requests, negotiates wallet
// passwords and enforces spend limits and the auto-sign state machine.
package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aplane-algo/bssigner/internal/audit"
	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/metrics"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

// PasswordUI is an interactive approver attached to the signer. While one is
// attached, password prompts go to it instead of over the wire.
type PasswordUI interface {
	PromptPassword(p Prompt) error
	CancelPrompt(walletID, reason string)
	NotifyAutoSign(ev protocol.AutoSignEvent)
}

// PasswordNeed describes where a request may take a wallet password from.
type PasswordNeed struct {
	Request  protocol.RequestType
	Inline   []byte // supplied with the request
	AutoSign bool   // the cached auto-sign password may be used
	Text     string // prompt text; a default is built when empty
}

// ListenerConfig holds the listener's collaborators. All are optional.
type ListenerConfig struct {
	Authenticator auth.Authenticator // default accepts every client
	Authorizer    auth.Authorizer    // default allows every request
	Audit         *audit.Logger
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Listener serves signer clients from any transport.
type Listener struct {
	cfg     ListenerConfig
	wallets Wallets
	state   *ServerState
	logger  *slog.Logger

	uiMu sync.RWMutex
	ui   PasswordUI
}

var _ transport.Handler = (*Listener)(nil)

// NewListener wires the listener to its wallets and state.
func NewListener(cfg ListenerConfig, wallets Wallets, state *ServerState) *Listener {
	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewPasswordHashAuthenticator("")
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = auth.NewAllowAllAuthorizer()
	}
	l := &Listener{cfg: cfg, wallets: wallets, state: state, logger: util.LoggerOr(cfg.Logger)}

	state.AutoSign.OnChange(l.autoSignChanged)
	state.Passwords.OnPendingChange(cfg.Metrics.SetPendingPrompts)
	state.Limits.OnChange(func(kind SpendKind, remaining uint64, unlimited bool) {
		cfg.Metrics.SetLimitRemaining(kind.String(), remaining, unlimited)
	})
	cfg.Metrics.SetWallets(wallets.Count())
	return l
}

// State returns the server state the listener works on.
func (l *Listener) State() *ServerState { return l.state }

// OnClientConnected registers a new session.
func (l *Listener) OnClientConnected(clientID string, conn transport.Sender) {
	l.state.Sessions.Add(clientID, conn)
	l.cfg.Metrics.SessionOpened()
	l.cfg.Audit.LogSession(audit.SessionConnected, clientID, "")
	l.logger.Debug("session opened", "client", clientID)
}

// OnClientDisconnected drops the session and everything still waiting on it.
func (l *Listener) OnClientDisconnected(clientID string) {
	if l.state.Sessions.Remove(clientID) == nil {
		return
	}
	l.cancelClient(clientID)
	l.cfg.Metrics.SessionClosed()
	l.cfg.Audit.LogSession(audit.SessionDisconnected, clientID, "")
	l.logger.Debug("session closed", "client", clientID)
}

func (l *Listener) cancelClient(clientID string) {
	reprompt, orphaned := l.state.Passwords.CancelClient(clientID)
	if ui := l.currentUI(); ui != nil {
		for _, id := range orphaned {
			ui.CancelPrompt(id, ReasonDisconnected)
		}
	}
	for _, p := range reprompt {
		l.deliverPrompt(p)
	}
	if n := l.state.Aggregations.CancelClient(clientID); n > 0 {
		l.logger.Debug("dropped pending multi-wallet signs", "client", clientID, "count", n)
	}
	l.state.AutoSign.CancelPending(clientID)
}

// OnDataFromClient handles one envelope.
func (l *Listener) OnDataFromClient(clientID string, data []byte) {
	s, ok := l.state.Sessions.Get(clientID)
	if !ok {
		return
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		l.logger.Warn("dropping malformed envelope", "client", clientID, "error", err)
		return
	}

	if env.Type == protocol.AuthenticationType {
		l.dispatch(s, env, l.handleAuthentication)
		return
	}
	if !s.ticketValid(env.AuthTicket) {
		l.logger.Warn("auth ticket mismatch, disconnecting", "client", clientID, "id", env.ID, "type", env.Type)
		l.cfg.Metrics.AuthFailed("ticket")
		l.cfg.Audit.LogSession(audit.TicketMismatch, clientID, env.Type.String())
		s.invalidate()
		_ = s.conn.Close()
		return
	}

	handler := l.handlerFor(env.Type)
	if handler == nil {
		l.logger.Error("unknown request type", "client", clientID, "id", env.ID, "type", env.Type)
		return
	}
	l.dispatch(s, env, handler)
}

type handlerFunc func(s *Session, env protocol.Envelope)

func (l *Listener) handlerFor(t protocol.RequestType) handlerFunc {
	switch t {
	case protocol.HeartbeatType:
		return l.handleHeartbeat
	case protocol.SignTXType, protocol.SignPartialTXType:
		return l.handleSignTX
	case protocol.SignPayoutTXType:
		return l.handleSignPayoutTX
	case protocol.SignTXMultiType:
		return l.handleSignTXMulti
	case protocol.PasswordType:
		return l.handlePassword
	case protocol.SetUserIDType:
		return l.handleSetUserID
	case protocol.SyncAddressType:
		return l.handleSyncAddress
	case protocol.CreateHDWalletType:
		return l.handleCreateHDWallet
	case protocol.CreateHDLeafType:
		return l.handleCreateHDLeaf
	case protocol.DeleteHDWalletType:
		return l.handleDeleteHDWallet
	case protocol.GetRootKeyType:
		return l.handleGetRootKey
	case protocol.GetHDWalletInfoType:
		return l.handleGetHDWalletInfo
	case protocol.ChangePasswordType:
		return l.handleChangePassword
	case protocol.SetLimitsType:
		return l.handleSetLimits
	case protocol.DisconnectionType:
		return l.handleDisconnection
	default:
		return nil
	}
}

// unguarded request types skip the authorizer.
var unguarded = map[protocol.RequestType]bool{
	protocol.AuthenticationType: true,
	protocol.HeartbeatType:      true,
	protocol.PasswordType:       true,
	protocol.DisconnectionType:  true,
}

func (l *Listener) dispatch(s *Session, env protocol.Envelope, h handlerFunc) {
	defer l.recoverTo(s, env)
	if !unguarded[env.Type] {
		res := auth.Resource{Type: "session", ID: s.ClientID}
		if err := l.cfg.Authorizer.Authorize(context.Background(), s.Identity(), auth.Action(env.Type.String()), res); err != nil {
			l.fail(s, env, err)
			return
		}
	}
	h(s, env)
}

// recoverTo turns a handler panic into an InternalError reply. It must be deferred.
func (l *Listener) recoverTo(s *Session, env protocol.Envelope) {
	if r := recover(); r != nil {
		l.logger.Error("request handler panicked", "client", s.ClientID, "id", env.ID, "type", env.Type, "panic", r)
		l.fail(s, env, protocol.Errorf(protocol.InternalError, "internal error"))
	}
}

// reply answers env with payload. err only feeds metrics and logs.
func (l *Listener) reply(s *Session, env protocol.Envelope, payload any, err error) {
	l.cfg.Metrics.Request(env.Type.String(), errorCode(err).String())
	out, mErr := protocol.NewEnvelope(env.ID, env.Type, nil, payload)
	if mErr != nil {
		l.logger.Error("failed to build reply", "client", s.ClientID, "id", env.ID, "error", mErr)
		out, _ = protocol.NewEnvelope(env.ID, env.Type, nil, statusOf(protocol.Errorf(protocol.InternalError, "failed to build reply")))
	}
	data, mErr := out.Marshal()
	if mErr != nil {
		l.logger.Error("failed to encode reply", "client", s.ClientID, "id", env.ID, "error", mErr)
		return
	}
	if err := s.send(data); err != nil {
		l.logger.Debug("failed to send reply", "client", s.ClientID, "id", env.ID, "error", err)
	}
}

func (l *Listener) fail(s *Session, env protocol.Envelope, err error) {
	l.logger.Info("request failed", "client", s.ClientID, "id", env.ID, "type", env.Type, "error", err)
	l.reply(s, env, statusOf(err), err)
}

// push sends an unsolicited envelope (id 0) to one client.
func (l *Listener) push(clientID string, typ protocol.RequestType, payload any) error {
	env, err := protocol.NewEnvelope(0, typ, nil, payload)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return l.state.Sessions.Send(clientID, data)
}

// broadcast pushes to every authenticated client.
func (l *Listener) broadcast(typ protocol.RequestType, payload any) {
	for _, id := range l.state.Sessions.Authenticated() {
		if err := l.push(id, typ, payload); err != nil {
			l.logger.Debug("push failed", "client", id, "type", typ, "error", err)
		}
	}
}

func (l *Listener) handleAuthentication(s *Session, env protocol.Envelope) {
	netType := l.wallets.NetType()
	var req protocol.AuthenticationRequest
	if err := env.Decode(&req); err != nil {
		l.reply(s, env, protocol.AuthenticationReply{ReplyStatus: statusOf(err), NetType: netType}, err)
		return
	}

	identity, err := l.cfg.Authenticator.Authenticate(context.Background(), auth.Credentials{
		ClientID:     s.ClientID,
		ClientName:   req.ClientName,
		PasswordHash: req.PasswordHash,
	})
	if err != nil {
		l.logger.Warn("authentication failed", "client", s.ClientID, "name", req.ClientName, "error", err)
		l.cfg.Metrics.AuthFailed("password")
		l.cfg.Audit.LogAuthFailed(s.ClientID, err.Error())
		authErr := protocol.Errorf(protocol.AuthFailure, "authentication failed")
		l.reply(s, env, protocol.AuthenticationReply{ReplyStatus: statusOf(authErr), NetType: netType}, authErr)
		return
	}

	ticket, err := l.state.Sessions.Authenticate(s.ClientID, identity)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	l.logger.Info("client authenticated", "client", s.ClientID, "name", req.ClientName, "method", identity.Method)
	l.reply(s, env, protocol.AuthenticationReply{AuthTicket: ticket, HasUI: l.HasUI(), NetType: netType}, nil)
}

// RequestPasswordIfNeeded obtains the password of walletID's root and hands it
// to cb: empty for unencrypted wallets, then the inline password, then the
// cached auto-sign password when allowed, and otherwise through a prompt.
// Requests for a root that already has a prompt out join it.
func (l *Listener) RequestPasswordIfNeeded(clientID, walletID string, need PasswordNeed, cb PasswordCallback) {
	info, err := l.wallets.Lookup(walletID)
	if err != nil {
		cb(nil, err)
		return
	}
	if !info.Encrypted {
		cb([]byte{}, nil)
		return
	}
	if len(need.Inline) > 0 {
		pw := make([]byte, len(need.Inline))
		copy(pw, need.Inline)
		cb(pw, nil)
		return
	}
	if need.AutoSign {
		if pw, ok := l.state.AutoSign.Password(info.RootID); ok {
			cb(pw, nil)
			return
		}
	}

	text := need.Text
	if text == "" {
		text = fmt.Sprintf("Enter password of wallet %s for %s", info.Name, need.Request)
	}
	p := Prompt{WalletID: info.RootID, WalletName: info.Name, Request: need.Request, ClientID: clientID, Text: text}
	if l.state.Passwords.Await(p, clientID, cb) {
		l.deliverPrompt(p)
	}
}

// RequestPasswordsIfNeeded collects the passwords of several wallets with at
// most one prompt per distinct root. cb fires once, after every root has
// been answered, with the password of each wallet in walletIDs.
func (l *Listener) RequestPasswordsIfNeeded(clientID string, walletIDs []string, need PasswordNeed, cb AggregateCallback) {
	roots := make(map[string][]string)
	encrypted := make(map[string]bool)
	seen := make(map[string]bool)
	for _, id := range walletIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		info, err := l.wallets.Lookup(id)
		if err != nil {
			cb(nil, err)
			return
		}
		roots[info.RootID] = append(roots[info.RootID], id)
		if info.Encrypted {
			encrypted[info.RootID] = true
		}
	}

	aggID := l.state.Aggregations.start(clientID, roots, encrypted, cb)

	ids := make([]string, 0, len(encrypted))
	for root := range encrypted {
		ids = append(ids, root)
	}
	sort.Strings(ids)
	for _, root := range ids {
		root := root // per-iteration copy; module targets go1.21 loop semantics
		l.RequestPasswordIfNeeded(clientID, root, PasswordNeed{Request: need.Request, Text: need.Text}, func(pw []byte, err error) {
			if err != nil {
				l.state.Aggregations.fail(aggID, err)
				return
			}
			l.state.Aggregations.supply(aggID, root, pw)
		})
	}
}

// deliverPrompt raises p on the attached UI, or pushes it to the requesting
// client when there is none.
func (l *Listener) deliverPrompt(p Prompt) {
	if ui := l.currentUI(); ui != nil {
		err := ui.PromptPassword(p)
		if err == nil {
			l.cfg.Metrics.PromptIssued("ui")
			return
		}
		l.logger.Warn("approver prompt failed, asking client", "wallet", p.WalletID, "error", err)
	}
	req := protocol.PasswordRequest{WalletID: p.WalletID, WalletName: p.WalletName, Request: p.Request, Prompt: p.Text}
	if err := l.push(p.ClientID, protocol.PasswordType, req); err != nil {
		l.logger.Warn("failed to push password request", "client", p.ClientID, "wallet", p.WalletID, "error", err)
		return
	}
	l.cfg.Metrics.PromptIssued("wire")
}

// ProvidePassword answers the prompt for walletID and returns how many
// requests it released.
func (l *Listener) ProvidePassword(walletID string, password []byte) int {
	return l.state.Passwords.Resolve(walletID, password, false)
}

// CancelPassword resolves the prompt for walletID without a password.
func (l *Listener) CancelPassword(walletID string) int {
	return l.state.Passwords.Resolve(walletID, nil, true)
}

// AttachUI makes ui the prompt channel and forwards prompts already pending.
func (l *Listener) AttachUI(ui PasswordUI) {
	l.uiMu.Lock()
	l.ui = ui
	l.uiMu.Unlock()
	for _, p := range l.state.Passwords.Prompts() {
		if err := ui.PromptPassword(p); err != nil {
			l.logger.Warn("failed to forward pending prompt", "wallet", p.WalletID, "error", err)
		}
	}
}

// DetachUI removes ui if it is the attached one. Pending prompts are then
// pushed to the clients waiting on them.
func (l *Listener) DetachUI(ui PasswordUI) {
	l.uiMu.Lock()
	if l.ui != ui {
		l.uiMu.Unlock()
		return
	}
	l.ui = nil
	l.uiMu.Unlock()
	for _, p := range l.state.Passwords.Prompts() {
		l.deliverPrompt(p)
	}
}

// HasUI reports whether an approver is attached.
func (l *Listener) HasUI() bool {
	return l.currentUI() != nil
}

func (l *Listener) currentUI() PasswordUI {
	l.uiMu.RLock()
	defer l.uiMu.RUnlock()
	return l.ui
}

func (l *Listener) autoSignChanged(ch AutoSignChange) {
	l.cfg.Metrics.AutoSignTransition(ch.State.String(), ch.Active)
	if ch.State == AutoSignPendingPassword {
		return
	}
	active := ch.State == AutoSignActive
	l.cfg.Audit.LogAutoSign(ch.RootID, active, ch.Reason)
	if active {
		l.logger.Info("auto-sign activated", "wallet", ch.RootID)
	} else {
		l.logger.Info("auto-sign deactivated", "wallet", ch.RootID, "reason", ch.Reason)
	}

	ev := protocol.AutoSignEvent{RootWalletID: ch.RootID, Active: active, Reason: ch.Reason}
	l.broadcast(protocol.AutoSignActType, ev)
	if ui := l.currentUI(); ui != nil {
		ui.NotifyAutoSign(ev)
	}
}

// WalletsChanged is called after the wallets directory was reloaded.
// Auto-sign is dropped for roots that disappeared.
func (l *Listener) WalletsChanged() {
	n := l.wallets.Count()
	l.cfg.Metrics.SetWallets(n)
	l.cfg.Audit.Log(audit.Entry{Event: audit.WalletsReloaded, Count: n})
	l.state.AutoSign.Retain(func(rootID string) bool {
		_, err := l.wallets.Lookup(rootID)
		return err == nil
	}, ReasonWalletMissing)
}

// Status summarises the signer for the approver.
func (l *Listener) Status() protocol.StatusMessage {
	return protocol.StatusMessage{
		BaseMessage:    protocol.BaseMessage{Type: protocol.MsgTypeStatus},
		NetType:        l.wallets.NetType(),
		WalletCount:    l.wallets.Count(),
		Sessions:       l.state.Sessions.Count(),
		AutoSignActive: l.state.AutoSign.Active(),
	}
}

// Shutdown tells every client the signer is going away, cancels pending
// prompts, wipes cached passwords and closes all connections.
func (l *Listener) Shutdown() {
	l.broadcast(protocol.DisconnectionType, nil)
	l.state.Close()
	l.state.Sessions.CloseAll()
}
