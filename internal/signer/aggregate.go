// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aplane-algo/bssigner/internal/crypto"
)

// AggregateCallback receives one password per leaf wallet id.
// The callback owns the map and should zero it when done.
type AggregateCallback func(passwords map[string][]byte, err error)

type aggregation struct {
	clientID  string
	roots     map[string][]string // root id -> leaf ids
	pending   map[string]bool     // roots still waiting for a password
	passwords map[string][]byte   // leaf id -> password
	cb        AggregateCallback
}

// Aggregations tracks multi-wallet password collections. Each completes at
// most once and only after every root it needs has been answered.
type Aggregations struct {
	mu sync.Mutex
	m  map[string]*aggregation
}

// NewAggregations creates an empty registry.
func NewAggregations() *Aggregations {
	return &Aggregations{m: make(map[string]*aggregation)}
}

// start registers an aggregation over roots; encrypted lists the roots that
// need a password. Unencrypted roots contribute an empty password at once.
// If nothing is pending the callback fires before start returns.
func (a *Aggregations) start(clientID string, roots map[string][]string, encrypted map[string]bool, cb AggregateCallback) string {
	id := uuid.NewString()
	agg := &aggregation{
		clientID:  clientID,
		roots:     roots,
		pending:   make(map[string]bool),
		passwords: make(map[string][]byte),
		cb:        cb,
	}
	for root, leaves := range roots {
		if encrypted[root] {
			agg.pending[root] = true
			continue
		}
		for _, leaf := range leaves {
			agg.passwords[leaf] = []byte{}
		}
	}
	if len(agg.pending) == 0 {
		cb(agg.passwords, nil)
		return id
	}
	a.mu.Lock()
	a.m[id] = agg
	a.mu.Unlock()
	return id
}

// supply records the password of root and fires the callback once the last
// root arrives. password is consumed.
func (a *Aggregations) supply(id, root string, password []byte) {
	defer crypto.ZeroBytes(password)

	a.mu.Lock()
	agg, ok := a.m[id]
	if !ok || !agg.pending[root] {
		a.mu.Unlock()
		return
	}
	delete(agg.pending, root)
	for _, leaf := range agg.roots[root] {
		pw := make([]byte, len(password))
		copy(pw, password)
		agg.passwords[leaf] = pw
	}
	complete := len(agg.pending) == 0
	if complete {
		delete(a.m, id)
	}
	a.mu.Unlock()

	if complete {
		agg.cb(agg.passwords, nil)
	}
}

// fail completes the aggregation with err. Passwords collected so far are wiped.
func (a *Aggregations) fail(id string, err error) {
	a.mu.Lock()
	agg, ok := a.m[id]
	if ok {
		delete(a.m, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	zeroAll(agg.passwords)
	agg.cb(nil, err)
}

// CancelClient drops the aggregations of clientID without invoking them.
func (a *Aggregations) CancelClient(clientID string) int {
	a.mu.Lock()
	var dropped []*aggregation
	for id, agg := range a.m {
		if agg.clientID == clientID {
			delete(a.m, id)
			dropped = append(dropped, agg)
		}
	}
	a.mu.Unlock()
	for _, agg := range dropped {
		zeroAll(agg.passwords)
	}
	return len(dropped)
}

// Count returns the number of incomplete aggregations.
func (a *Aggregations) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}
