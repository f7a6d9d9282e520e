// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import "time"

// ServerState is everything the signer holds across requests. It is created
// once at start-up and handed to the listener.
type ServerState struct {
	Sessions     *Sessions
	Passwords    *PasswordBroker
	Aggregations *Aggregations
	AutoSign     *AutoSign
	Limits       *Limits
}

// StateOption customises NewServerState.
type StateOption func(*stateOptions)

type stateOptions struct {
	autoSignLifetime time.Duration
}

// WithAutoSignLifetime deactivates auto-sign d after activation. Zero keeps it
// active until deactivated.
func WithAutoSignLifetime(d time.Duration) StateOption {
	return func(o *stateOptions) { o.autoSignLifetime = d }
}

// NewServerState creates empty state with the given spend limits.
func NewServerState(limits LimitsConfig, opts ...StateOption) *ServerState {
	var o stateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &ServerState{
		Sessions:     NewSessions(),
		Passwords:    NewPasswordBroker(),
		Aggregations: NewAggregations(),
		AutoSign:     NewAutoSign(o.autoSignLifetime),
		Limits:       NewLimits(limits),
	}
}

// Close cancels outstanding prompts and wipes cached passwords.
func (s *ServerState) Close() {
	s.Passwords.Close()
	s.AutoSign.Close()
}
