// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"sort"
	"sync"

	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/protocol"
)

// PasswordCallback receives a password or the reason there is none.
// The callback owns password and should zero it when done.
type PasswordCallback func(password []byte, err error)

// Prompt is an outstanding password question for one wallet.
type Prompt struct {
	WalletID   string
	WalletName string
	Request    protocol.RequestType
	ClientID   string // client whose request raised the prompt
	Text       string
}

type waiter struct {
	clientID string
	cb       PasswordCallback
}

type pendingPassword struct {
	prompt  Prompt
	waiters []waiter
}

// PasswordBroker keeps at most one outstanding prompt per wallet and fans
// the answer out to every request waiting on it.
type PasswordBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPassword
	onCount func(int)
}

// NewPasswordBroker creates an empty broker.
func NewPasswordBroker() *PasswordBroker {
	return &PasswordBroker{pending: make(map[string]*pendingPassword)}
}

// OnPendingChange registers a callback receiving the number of open prompts.
func (b *PasswordBroker) OnPendingChange(fn func(int)) {
	b.mu.Lock()
	b.onCount = fn
	b.mu.Unlock()
}

// Await registers cb under p.WalletID. It reports true when the caller must
// issue the prompt, false when one for the same wallet is already out.
func (b *PasswordBroker) Await(p Prompt, clientID string, cb PasswordCallback) bool {
	b.mu.Lock()
	pp, ok := b.pending[p.WalletID]
	if ok {
		pp.waiters = append(pp.waiters, waiter{clientID: clientID, cb: cb})
		b.mu.Unlock()
		return false
	}
	b.pending[p.WalletID] = &pendingPassword{prompt: p, waiters: []waiter{{clientID: clientID, cb: cb}}}
	n, fn := len(b.pending), b.onCount
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return true
}

// Resolve answers the prompt for walletID. Every waiter receives its own copy
// of password; a cancelled prompt resolves them with ErrPasswordCancelled.
// It returns the number of waiters resolved.
func (b *PasswordBroker) Resolve(walletID string, password []byte, cancelled bool) int {
	b.mu.Lock()
	pp, ok := b.pending[walletID]
	if ok {
		delete(b.pending, walletID)
	}
	n, fn := len(b.pending), b.onCount
	b.mu.Unlock()
	if !ok {
		return 0
	}
	if fn != nil {
		fn(n)
	}

	for _, w := range pp.waiters {
		if cancelled {
			w.cb(nil, ErrPasswordCancelled)
			continue
		}
		pw := make([]byte, len(password))
		copy(pw, password)
		w.cb(pw, nil)
	}
	return len(pp.waiters)
}

// CancelClient drops every waiter registered by clientID without invoking it.
// Prompts that lost all their waiters are removed and returned as orphaned.
// Prompts raised by clientID that still have other waiters are returned for
// re-issue on behalf of the first remaining waiter.
func (b *PasswordBroker) CancelClient(clientID string) (reprompt []Prompt, orphaned []string) {
	b.mu.Lock()
	for id, pp := range b.pending {
		kept := pp.waiters[:0]
		for _, w := range pp.waiters {
			if w.clientID != clientID {
				kept = append(kept, w)
			}
		}
		clear(pp.waiters[len(kept):])
		pp.waiters = kept
		switch {
		case len(kept) == 0:
			delete(b.pending, id)
			orphaned = append(orphaned, id)
		case pp.prompt.ClientID == clientID:
			pp.prompt.ClientID = kept[0].clientID
			reprompt = append(reprompt, pp.prompt)
		}
	}
	n, fn := len(b.pending), b.onCount
	b.mu.Unlock()
	if fn != nil && len(orphaned) > 0 {
		fn(n)
	}
	sort.Strings(orphaned)
	sort.Slice(reprompt, func(i, j int) bool { return reprompt[i].WalletID < reprompt[j].WalletID })
	return reprompt, orphaned
}

// Waiting returns the number of waiters for walletID.
func (b *PasswordBroker) Waiting(walletID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pp, ok := b.pending[walletID]; ok {
		return len(pp.waiters)
	}
	return 0
}

// HasWaiter reports whether clientID waits on the prompt for walletID.
func (b *PasswordBroker) HasWaiter(walletID, clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	pp, ok := b.pending[walletID]
	if !ok {
		return false
	}
	for _, w := range pp.waiters {
		if w.clientID == clientID {
			return true
		}
	}
	return false
}

// Prompts returns the outstanding prompts sorted by wallet id.
func (b *PasswordBroker) Prompts() []Prompt {
	b.mu.Lock()
	out := make([]Prompt, 0, len(b.pending))
	for _, pp := range b.pending {
		out = append(out, pp.prompt)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WalletID < out[j].WalletID })
	return out
}

// Close cancels every outstanding prompt.
func (b *PasswordBroker) Close() {
	for _, p := range b.Prompts() {
		b.Resolve(p.WalletID, nil, true)
	}
}

// zeroAll wipes every password in m.
func zeroAll(m map[string][]byte) {
	for _, pw := range m {
		crypto.ZeroBytes(pw)
	}
}
