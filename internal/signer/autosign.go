// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"sort"
	"sync"
	"time"

	"github.com/aplane-algo/bssigner/internal/crypto"
)

// AutoSignState is the per-root auto-sign state.
type AutoSignState int

const (
	AutoSignInactive AutoSignState = iota
	AutoSignPendingPassword
	AutoSignActive
)

func (s AutoSignState) String() string {
	switch s {
	case AutoSignInactive:
		return "Inactive"
	case AutoSignPendingPassword:
		return "PendingPassword"
	case AutoSignActive:
		return "Active"
	default:
		return "unknown"
	}
}

// Deactivation reasons reported with auto-sign events.
const (
	ReasonRequested        = "deactivated by request"
	ReasonSpendLimit       = "spend limit reached"
	ReasonInvalidPassword  = "invalid password"
	ReasonWalletMissing    = "wallet missing"
	ReasonExpired          = "auto-sign time limit reached"
	ReasonSignFailed       = "sign failed"
	ReasonPasswordChanged  = "wallet password changed"
	ReasonCancelled        = "password prompt cancelled"
	ReasonDisconnected     = "requesting client disconnected"
	ReasonActivationFailed = "activation failed"
)

type autoSignEntry struct {
	state    AutoSignState
	password *crypto.SecureString // only while Active
	clientID string               // who asked, while PendingPassword
	timer    *time.Timer
	gen      uint64
}

// AutoSignChange describes a transition.
type AutoSignChange struct {
	RootID string
	State  AutoSignState
	Reason string
	Active int // roots active after the change
}

// AutoSign holds the auto-sign state machine of every root wallet.
// The cached password is the only long-lived secret it keeps; it is
// destroyed on every transition out of Active.
type AutoSign struct {
	mu       sync.Mutex
	entries  map[string]*autoSignEntry
	lifetime time.Duration
	onChange func(AutoSignChange)
}

// NewAutoSign creates the state machine. A positive lifetime deactivates
// each root that long after activation.
func NewAutoSign(lifetime time.Duration) *AutoSign {
	return &AutoSign{entries: make(map[string]*autoSignEntry), lifetime: lifetime}
}

// OnChange registers the transition callback. It runs without locks held.
func (a *AutoSign) OnChange(fn func(AutoSignChange)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// State returns the state of rootID.
func (a *AutoSign) State(rootID string) AutoSignState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[rootID]; ok {
		return e.state
	}
	return AutoSignInactive
}

// Active returns the roots with auto-sign active, sorted.
func (a *AutoSign) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for id, e := range a.entries {
		if e.state == AutoSignActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (a *AutoSign) activeLocked() int {
	n := 0
	for _, e := range a.entries {
		if e.state == AutoSignActive {
			n++
		}
	}
	return n
}

// Password returns a copy of the cached password while rootID is Active.
func (a *AutoSign) Password(rootID string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[rootID]
	if !ok || e.state != AutoSignActive {
		return nil, false
	}
	if e.password == nil {
		return []byte{}, true
	}
	return e.password.Copy(), true
}

// MarkPending moves an Inactive root to PendingPassword on behalf of clientID.
// It reports false when the root is already pending or active.
func (a *AutoSign) MarkPending(rootID, clientID string) bool {
	a.mu.Lock()
	e := a.entryLocked(rootID)
	if e.state != AutoSignInactive {
		a.mu.Unlock()
		return false
	}
	e.state = AutoSignPendingPassword
	e.clientID = clientID
	change := AutoSignChange{RootID: rootID, State: e.state, Active: a.activeLocked()}
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(change)
	}
	return true
}

// Activate caches an already verified password and moves rootID to Active.
// An empty password marks an unencrypted wallet.
func (a *AutoSign) Activate(rootID string, password []byte) {
	a.activate(rootID, password, false)
}

// CompletePending activates rootID only if it is still waiting for its
// password. It reports whether it did.
func (a *AutoSign) CompletePending(rootID string, password []byte) bool {
	return a.activate(rootID, password, true)
}

func (a *AutoSign) activate(rootID string, password []byte, pendingOnly bool) bool {
	a.mu.Lock()
	if pendingOnly {
		if e, ok := a.entries[rootID]; !ok || e.state != AutoSignPendingPassword {
			a.mu.Unlock()
			return false
		}
	}
	e := a.entryLocked(rootID)
	a.clearLocked(e)
	e.state = AutoSignActive
	if len(password) > 0 {
		e.password = crypto.NewSecureStringFromBytes(password)
	}
	e.gen++
	if a.lifetime > 0 {
		gen := e.gen
		e.timer = time.AfterFunc(a.lifetime, func() { a.expire(rootID, gen) })
	}
	change := AutoSignChange{RootID: rootID, State: AutoSignActive, Active: a.activeLocked()}
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(change)
	}
	return true
}

func (a *AutoSign) expire(rootID string, gen uint64) {
	a.mu.Lock()
	e, ok := a.entries[rootID]
	stale := !ok || e.gen != gen || e.state != AutoSignActive
	a.mu.Unlock()
	if !stale {
		a.Deactivate(rootID, ReasonExpired)
	}
}

// Deactivate clears any cached password and moves rootID to Inactive.
// It reports whether the root was pending or active.
func (a *AutoSign) Deactivate(rootID, reason string) bool {
	a.mu.Lock()
	e, ok := a.entries[rootID]
	if !ok || e.state == AutoSignInactive {
		a.mu.Unlock()
		return false
	}
	a.clearLocked(e)
	delete(a.entries, rootID)
	change := AutoSignChange{RootID: rootID, State: AutoSignInactive, Reason: reason, Active: a.activeLocked()}
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(change)
	}
	return true
}

// CancelPending drops the pending activations requested by clientID.
func (a *AutoSign) CancelPending(clientID string) []string {
	a.mu.Lock()
	var roots []string
	for id, e := range a.entries {
		if e.state == AutoSignPendingPassword && e.clientID == clientID {
			roots = append(roots, id)
		}
	}
	a.mu.Unlock()
	for _, id := range roots {
		a.Deactivate(id, ReasonDisconnected)
	}
	return roots
}

// Retain deactivates every root for which keep returns false.
func (a *AutoSign) Retain(keep func(rootID string) bool, reason string) {
	a.mu.Lock()
	var drop []string
	for id := range a.entries {
		if !keep(id) {
			drop = append(drop, id)
		}
	}
	a.mu.Unlock()
	for _, id := range drop {
		a.Deactivate(id, reason)
	}
}

// Close destroys all cached passwords without emitting events.
func (a *AutoSign) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range a.entries {
		a.clearLocked(e)
		delete(a.entries, id)
	}
}

func (a *AutoSign) entryLocked(rootID string) *autoSignEntry {
	e, ok := a.entries[rootID]
	if !ok {
		e = &autoSignEntry{}
		a.entries[rootID] = e
	}
	return e
}

func (a *AutoSign) clearLocked(e *autoSignEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.password != nil {
		e.password.Destroy()
		e.password = nil
	}
	e.clientID = ""
}
