// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/aplane-algo/bssigner/internal/audit"
	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/wallet"
)

func (l *Listener) handleHeartbeat(s *Session, env protocol.Envelope) {
	l.reply(s, env, nil, nil)
}

func (l *Listener) handleDisconnection(s *Session, env protocol.Envelope) {
	l.logger.Debug("client requested disconnect", "client", s.ClientID)
	_ = s.conn.Close()
}

func (l *Listener) handleSetUserID(s *Session, env protocol.Envelope) {
	var req protocol.SetUserIDRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	s.setUserID(req.UserID)
	l.reply(s, env, protocol.SetUserIDReply{}, nil)
}

// handlePassword takes a password a client sent for a prompt it waits on.
// It has no reply.
func (l *Listener) handlePassword(s *Session, env protocol.Envelope) {
	var reply protocol.PasswordReply
	if err := env.Decode(&reply); err != nil {
		l.logger.Warn("malformed password reply", "client", s.ClientID, "error", err)
		return
	}
	defer crypto.ZeroBytes(reply.Password)

	if !l.state.Passwords.HasWaiter(reply.WalletID, s.ClientID) {
		l.logger.Warn("password for a prompt the client does not wait on", "client", s.ClientID, "wallet", reply.WalletID)
		return
	}
	n := l.state.Passwords.Resolve(reply.WalletID, reply.Password, reply.Cancelled)
	l.logger.Debug("password prompt answered by client", "client", s.ClientID, "wallet", reply.WalletID, "waiters", n)
	if ui := l.currentUI(); ui != nil {
		ui.CancelPrompt(reply.WalletID, "answered by client")
	}
}

func invalidRequest(err error) error {
	return fmt.Errorf("%w: %v", wallet.ErrInvalidRequest, err)
}

func outputs(recipients []protocol.TxOutput, change *protocol.TxOutput) []wallet.Output {
	outs := make([]wallet.Output, 0, len(recipients)+1)
	for _, r := range recipients {
		outs = append(outs, wallet.Output{Address: r.Address, Value: r.Value})
	}
	if change != nil && change.Value > 0 {
		outs = append(outs, wallet.Output{Address: change.Address, Value: change.Value})
	}
	return outs
}

func input(in protocol.TxInput) wallet.Input {
	return wallet.Input{WalletID: in.WalletID, Path: in.Path, Outpoint: in.Outpoint, Value: in.Value}
}

// txSpec builds the transaction of a single-root sign request. Inputs without
// a wallet id belong to req.WalletID. A full sign rejects inputs of other
// roots; a partial sign leaves unknown inputs to their owners.
func (l *Listener) txSpec(req *protocol.TXSignRequest, rootID string, partial bool) (wallet.TxSpec, error) {
	spec := wallet.TxSpec{Outputs: outputs(req.Recipients, req.Change)}
	for i, in := range req.Inputs {
		if in.WalletID == "" {
			in.WalletID = req.WalletID
		}
		r, err := l.wallets.RootOf(in.WalletID)
		switch {
		case err != nil && partial:
		case err != nil:
			return wallet.TxSpec{}, fmt.Errorf("input %d: %w", i, err)
		case r != rootID && !partial:
			return wallet.TxSpec{}, fmt.Errorf("%w: input %d belongs to %s", ErrMixedRoots, i, r)
		}
		spec.Inputs = append(spec.Inputs, input(in))
	}
	return spec, nil
}

// deactivates reports whether a failed auto-sign should drop the cached password.
// Mistakes in the request itself leave auto-sign alone.
func deactivates(err error) bool {
	switch errorCode(err) {
	case protocol.InvalidPassword, protocol.MissingPassword, protocol.WalletNotFound, protocol.InternalError:
		return true
	default:
		return false
	}
}

// signWithLimit reserves value against kind, runs sign and refunds the
// reservation if signing fails.
func (l *Listener) signWithLimit(kind SpendKind, value uint64, sign func() (*wallet.SignedTx, error)) (*wallet.SignedTx, error) {
	refund, err := l.state.Limits.Reserve(kind, value)
	if err != nil {
		return nil, err
	}
	signed, err := sign()
	if err != nil {
		refund()
		return nil, err
	}
	return signed, nil
}

func (l *Listener) spendRejected(s *Session, env protocol.Envelope, rootID string, kind SpendKind, value uint64, err error) {
	l.cfg.Audit.Log(audit.Entry{Event: audit.SpendLimitExceeded, ClientID: s.ClientID, Request: env.Type.String(), WalletID: rootID, Value: value})
	if kind == AutoSignSpend {
		l.state.AutoSign.Deactivate(rootID, ReasonSpendLimit)
	}
	l.fail(s, env, err)
}

// finishSign replies to a sign request and applies the auto-sign policy.
func (l *Listener) finishSign(s *Session, env protocol.Envelope, rootID string, kind SpendKind, value uint64, signed *wallet.SignedTx, err error, start time.Time) {
	if err != nil {
		l.cfg.Audit.LogSign(s.ClientID, env.Type.String(), rootID, "", value, err)
		if errors.Is(err, ErrSpendLimitExceeded) {
			l.spendRejected(s, env, rootID, kind, value, err)
			return
		}
		if kind == AutoSignSpend && deactivates(err) {
			l.state.AutoSign.Deactivate(rootID, ReasonSignFailed)
		}
		l.fail(s, env, err)
		return
	}

	l.cfg.Metrics.ObserveSign(env.Type.String(), time.Since(start))
	l.cfg.Audit.LogSign(s.ClientID, env.Type.String(), rootID, signed.Hash, value, nil)
	l.logger.Info("transaction signed", "client", s.ClientID, "id", env.ID, "type", env.Type, "wallet", rootID, "tx", signed.Hash, "auto_sign", kind == AutoSignSpend)
	l.reply(s, env, protocol.SignTXReply{SignedTX: signed.Raw, TxHash: signed.Hash, Partial: !signed.Complete}, nil)
}

func (l *Listener) handleSignTX(s *Session, env protocol.Envelope) {
	var req protocol.TXSignRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	partial := env.Type == protocol.SignPartialTXType
	if err := req.Validate(); err != nil {
		l.fail(s, env, invalidRequest(err))
		return
	}
	rootID, err := l.wallets.RootOf(req.WalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	spec, err := l.txSpec(&req, rootID, partial)
	if err != nil {
		l.fail(s, env, err)
		return
	}

	autoSign := l.state.AutoSign.State(rootID) == AutoSignActive
	if req.AutoSign && !autoSign {
		l.fail(s, env, fmt.Errorf("%w for %s", ErrAutoSignInactive, rootID))
		return
	}
	kind := ManualSpend
	if autoSign {
		kind = AutoSignSpend
	}
	value := req.SpendValue()
	if err := l.state.Limits.Check(kind, value); err != nil {
		l.spendRejected(s, env, rootID, kind, value, err)
		return
	}

	start := time.Now()
	need := PasswordNeed{Request: env.Type, Inline: req.Password, AutoSign: autoSign}
	l.RequestPasswordIfNeeded(s.ClientID, rootID, need, func(pw []byte, err error) {
		defer l.recoverTo(s, env)
		defer crypto.ZeroBytes(pw)
		if err != nil {
			l.finishSign(s, env, rootID, ManualSpend, value, nil, err, start)
			return
		}
		signed, err := l.signWithLimit(kind, value, func() (*wallet.SignedTx, error) {
			master, err := l.wallets.Decrypt(rootID, pw)
			if err != nil {
				return nil, err
			}
			return l.wallets.SignTx(spec, map[string]*hdkeychain.ExtendedKey{rootID: master}, partial)
		})
		l.finishSign(s, env, rootID, kind, value, signed, err, start)
	})
}

func (l *Listener) handleSignPayoutTX(s *Session, env protocol.Envelope) {
	var req protocol.SignPayoutTXRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	in := req.Input
	if in.WalletID == "" {
		in.WalletID = req.WalletID
	}
	if req.AuthAddress == "" || req.Recipient.Value == 0 {
		l.fail(s, env, invalidRequest(errors.New("payout needs an auth address and a recipient")))
		return
	}
	rootID, err := l.wallets.RootOf(in.WalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}

	// Payouts settle existing trades and are not counted against spend limits.
	autoSign := l.state.AutoSign.State(rootID) == AutoSignActive
	kind := ManualSpend
	if autoSign {
		kind = AutoSignSpend
	}
	spec := wallet.PayoutSpec{
		Input:       input(in),
		Recipient:   wallet.Output{Address: req.Recipient.Address, Value: req.Recipient.Value},
		Fee:         req.Fee,
		AuthAddress: req.AuthAddress,
	}
	start := time.Now()
	need := PasswordNeed{Request: env.Type, Inline: req.Password, AutoSign: autoSign}
	l.RequestPasswordIfNeeded(s.ClientID, rootID, need, func(pw []byte, err error) {
		defer l.recoverTo(s, env)
		if err != nil {
			l.finishSign(s, env, rootID, ManualSpend, 0, nil, err, start)
			return
		}
		master, err := l.wallets.Decrypt(rootID, pw)
		crypto.ZeroBytes(pw)
		if err != nil {
			l.finishSign(s, env, rootID, kind, 0, nil, err, start)
			return
		}
		l.logger.Debug("signing payout", "client", s.ClientID, "settlement", req.SettlementID)
		signed, err := l.wallets.SignPayout(spec, master)
		l.finishSign(s, env, rootID, kind, 0, signed, err, start)
	})
}

// handleSignTXMulti signs inputs of several roots. It never uses cached
// auto-sign passwords and counts against the manual limit.
func (l *Listener) handleSignTXMulti(s *Session, env protocol.Envelope) {
	var req protocol.SignTXMultiRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	tx := req.TXSignRequest()
	if err := tx.Validate(); err != nil {
		l.fail(s, env, invalidRequest(err))
		return
	}
	spec := wallet.TxSpec{Outputs: outputs(req.Recipients, req.Change)}
	for i, in := range req.Inputs {
		if in.WalletID == "" {
			l.fail(s, env, invalidRequest(fmt.Errorf("input %d has no wallet", i)))
			return
		}
		spec.Inputs = append(spec.Inputs, input(in))
	}

	value := tx.SpendValue()
	if err := l.state.Limits.Check(ManualSpend, value); err != nil {
		l.spendRejected(s, env, "", ManualSpend, value, err)
		return
	}

	start := time.Now()
	l.RequestPasswordsIfNeeded(s.ClientID, req.WalletIDs(), PasswordNeed{Request: env.Type}, func(passwords map[string][]byte, err error) {
		defer l.recoverTo(s, env)
		defer zeroAll(passwords)
		if err != nil {
			l.finishSign(s, env, "", ManualSpend, value, nil, err, start)
			return
		}
		signed, err := l.signWithLimit(ManualSpend, value, func() (*wallet.SignedTx, error) {
			masters := make(map[string]*hdkeychain.ExtendedKey)
			for walletID, pw := range passwords {
				rootID, err := l.wallets.RootOf(walletID)
				if err != nil {
					return nil, err
				}
				if _, ok := masters[rootID]; ok {
					continue
				}
				master, err := l.wallets.Decrypt(rootID, pw)
				if err != nil {
					return nil, fmt.Errorf("wallet %s: %w", rootID, err)
				}
				masters[rootID] = master
			}
			return l.wallets.SignTx(spec, masters, false)
		})
		l.finishSign(s, env, "", ManualSpend, value, signed, err, start)
	})
}

func (l *Listener) handleSyncAddress(s *Session, env protocol.Envelope) {
	var req protocol.SyncAddressRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	entries := make([]wallet.AddressEntry, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		entries = append(entries, wallet.AddressEntry{Address: a.Address, Path: a.Path})
	}
	synced, failed, err := l.wallets.SyncAddresses(req.WalletID, entries)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	l.reply(s, env, protocol.SyncAddressReply{WalletID: req.WalletID, Synced: synced, Failed: failed}, nil)
}

// rootInfo looks up walletID and requires it to be a root wallet.
func (l *Listener) rootInfo(walletID string) (wallet.Info, error) {
	info, err := l.wallets.Lookup(walletID)
	if err != nil {
		return wallet.Info{}, err
	}
	if !info.IsRoot() {
		return wallet.Info{}, fmt.Errorf("%w: %s is a leaf, not a root wallet", wallet.ErrInvalidRequest, walletID)
	}
	return info, nil
}

func (l *Listener) handleCreateHDWallet(s *Session, env protocol.Envelope) {
	var req protocol.CreateHDWalletRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	rootID, leaves, err := l.wallets.CreateWallet(req.Name, req.Description, req.Mnemonic, req.Password, req.Leaves)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	backup, err := l.wallets.Backup(rootID)
	if err != nil {
		l.logger.Warn("failed to back up new wallet", "wallet", rootID, "error", err)
	}
	l.cfg.Audit.LogMutation(audit.WalletCreated, s.ClientID, rootID, backup)
	l.cfg.Metrics.SetWallets(l.wallets.Count())
	l.logger.Info("HD wallet created", "client", s.ClientID, "wallet", rootID, "leaves", len(leaves))

	reply := protocol.CreateHDWalletReply{WalletID: rootID}
	for _, leaf := range leaves {
		reply.Leaves = append(reply.Leaves, leafInfo(leaf))
	}
	l.reply(s, env, reply, nil)
}

func (l *Listener) handleCreateHDLeaf(s *Session, env protocol.Envelope) {
	var req protocol.CreateHDLeafRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	info, err := l.rootInfo(req.RootWalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	if _, err := wallet.ParseLeafPath(req.Path); err != nil {
		l.fail(s, env, err)
		return
	}

	need := PasswordNeed{Request: env.Type, Inline: req.Password}
	l.RequestPasswordIfNeeded(s.ClientID, info.ID, need, func(pw []byte, err error) {
		defer l.recoverTo(s, env)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		master, err := l.wallets.Decrypt(info.ID, pw)
		crypto.ZeroBytes(pw)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		if _, err := l.wallets.Backup(info.ID); err != nil {
			l.fail(s, env, fmt.Errorf("backup before leaf creation failed: %w", err))
			return
		}
		leaf, err := l.wallets.CreateLeaf(info.ID, master, req.Path)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		l.cfg.Audit.LogMutation(audit.LeafCreated, s.ClientID, leaf.ID, leaf.Path)
		l.logger.Info("HD leaf created", "client", s.ClientID, "wallet", info.ID, "leaf", leaf.ID, "path", leaf.Path)
		l.reply(s, env, protocol.CreateHDLeafReply{Leaf: leafInfo(leaf)}, nil)
	})
}

// handleDeleteHDWallet asks for the root password, never the cached
// auto-sign one, and checks it before anything is removed.
func (l *Listener) handleDeleteHDWallet(s *Session, env protocol.Envelope) {
	var req protocol.DeleteHDWalletRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	info, err := l.wallets.Lookup(req.WalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	need := PasswordNeed{Request: env.Type, Inline: req.Password}
	l.RequestPasswordIfNeeded(s.ClientID, info.RootID, need, func(pw []byte, err error) {
		defer l.recoverTo(s, env)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		_, err = l.wallets.Decrypt(info.RootID, pw)
		crypto.ZeroBytes(pw)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		backup, err := l.wallets.Delete(req.WalletID)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		if info.IsRoot() {
			l.state.AutoSign.Deactivate(info.ID, ReasonWalletMissing)
		}
		l.cfg.Audit.LogMutation(audit.WalletDeleted, s.ClientID, req.WalletID, backup)
		l.cfg.Metrics.SetWallets(l.wallets.Count())
		l.logger.Info("HD wallet deleted", "client", s.ClientID, "wallet", req.WalletID, "backup", backup)
		l.reply(s, env, protocol.DeleteHDWalletReply{WalletID: req.WalletID, BackupPath: backup}, nil)
	})
}

// handleGetRootKey never takes the cached auto-sign password.
func (l *Listener) handleGetRootKey(s *Session, env protocol.Envelope) {
	var req protocol.GetRootKeyRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	info, err := l.rootInfo(req.RootWalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	need := PasswordNeed{Request: env.Type, Inline: req.Password}
	l.RequestPasswordIfNeeded(s.ClientID, info.ID, need, func(pw []byte, err error) {
		defer l.recoverTo(s, env)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		master, err := l.wallets.Decrypt(info.ID, pw)
		crypto.ZeroBytes(pw)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		l.cfg.Audit.LogMutation(audit.RootKeyExported, s.ClientID, info.ID, "")
		l.logger.Warn("root key exported", "client", s.ClientID, "wallet", info.ID)
		l.reply(s, env, protocol.GetRootKeyReply{RootWalletID: info.ID, XPriv: wallet.RootKey(master)}, nil)
	})
}

func (l *Listener) handleGetHDWalletInfo(s *Session, env protocol.Envelope) {
	var req protocol.GetHDWalletInfoRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	info, err := l.wallets.HDInfo(req.RootWalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	reply := protocol.GetHDWalletInfoReply{
		RootWalletID: info.RootID,
		Name:         info.Name,
		EncTypes:     info.EncTypes,
		EncKeys:      info.EncKeys,
		RankM:        info.RankM,
		RankN:        info.RankN,
	}
	for _, leaf := range info.Leaves {
		reply.Leaves = append(reply.Leaves, leafInfo(leaf))
	}
	l.reply(s, env, reply, nil)
}

// handleChangePassword re-encrypts a root. The wallet layer backs it up first.
// Auto-sign of the root is dropped since its cached password is now stale.
func (l *Listener) handleChangePassword(s *Session, env protocol.Envelope) {
	var req protocol.ChangePasswordRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.OldPassword)

	info, err := l.rootInfo(req.RootWalletID)
	if err != nil {
		crypto.ZeroBytes(req.NewPassword)
		l.fail(s, env, err)
		return
	}
	newPassword := req.NewPassword
	need := PasswordNeed{Request: env.Type, Inline: req.OldPassword}
	l.RequestPasswordIfNeeded(s.ClientID, info.ID, need, func(old []byte, err error) {
		defer l.recoverTo(s, env)
		defer crypto.ZeroBytes(newPassword)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		err = l.wallets.ChangePassword(info.ID, old, newPassword)
		crypto.ZeroBytes(old)
		if err != nil {
			l.fail(s, env, err)
			return
		}
		l.state.AutoSign.Deactivate(info.ID, ReasonPasswordChanged)
		l.cfg.Audit.LogMutation(audit.PasswordChanged, s.ClientID, info.ID, "")
		l.logger.Info("wallet password changed", "client", s.ClientID, "wallet", info.ID)
		l.reply(s, env, protocol.ChangePasswordReply{RootWalletID: info.ID}, nil)
	})
}

func (l *Listener) limitsReply(rootID string) protocol.SetLimitsReply {
	state := l.state.AutoSign.State(rootID)
	manual, _ := l.state.Limits.Remaining(ManualSpend)
	auto, _ := l.state.Limits.Remaining(AutoSignSpend)
	return protocol.SetLimitsReply{
		RootWalletID:      rootID,
		AutoSignActive:    state == AutoSignActive,
		State:             state.String(),
		ManualRemaining:   manual,
		AutoSignRemaining: auto,
	}
}

// handleSetLimits switches auto-sign of a root. Activation verifies the
// password by decrypting the root; without an inline password the root waits
// in PendingPassword and the outcome is pushed as an AutoSignAct event.
func (l *Listener) handleSetLimits(s *Session, env protocol.Envelope) {
	var req protocol.SetLimitsRequest
	if err := env.Decode(&req); err != nil {
		l.fail(s, env, err)
		return
	}
	defer crypto.ZeroBytes(req.Password)

	info, err := l.rootInfo(req.RootWalletID)
	if err != nil {
		l.fail(s, env, err)
		return
	}
	rootID := info.ID

	if !req.ActivateAutoSign {
		l.state.AutoSign.Deactivate(rootID, ReasonRequested)
		l.reply(s, env, l.limitsReply(rootID), nil)
		return
	}
	if l.state.AutoSign.State(rootID) != AutoSignInactive {
		l.reply(s, env, l.limitsReply(rootID), nil)
		return
	}
	if !info.Encrypted {
		l.state.AutoSign.Activate(rootID, nil)
		l.reply(s, env, l.limitsReply(rootID), nil)
		return
	}
	if len(req.Password) > 0 {
		if _, err := l.wallets.Decrypt(rootID, req.Password); err != nil {
			l.cfg.Audit.LogAutoSign(rootID, false, ReasonInvalidPassword)
			l.fail(s, env, err)
			return
		}
		l.state.AutoSign.Activate(rootID, req.Password)
		l.reply(s, env, l.limitsReply(rootID), nil)
		return
	}

	if !l.state.AutoSign.MarkPending(rootID, s.ClientID) {
		l.reply(s, env, l.limitsReply(rootID), nil)
		return
	}
	l.reply(s, env, l.limitsReply(rootID), nil)

	need := PasswordNeed{Request: env.Type, Text: fmt.Sprintf("Enter password of wallet %s to activate auto-sign", info.Name)}
	l.RequestPasswordIfNeeded(s.ClientID, rootID, need, func(pw []byte, err error) {
		defer crypto.ZeroBytes(pw)
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("auto-sign activation panicked", "client", s.ClientID, "wallet", rootID, "panic", r)
				l.state.AutoSign.Deactivate(rootID, ReasonActivationFailed)
			}
		}()
		if err != nil {
			reason := ReasonCancelled
			if !errors.Is(err, ErrPasswordCancelled) {
				reason = err.Error()
			}
			l.state.AutoSign.Deactivate(rootID, reason)
			return
		}
		if _, err := l.wallets.Decrypt(rootID, pw); err != nil {
			l.state.AutoSign.Deactivate(rootID, ReasonInvalidPassword)
			return
		}
		l.state.AutoSign.CompletePending(rootID, pw)
	})
}
