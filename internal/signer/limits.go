// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"fmt"
	"math"
	"sync"
)

// SpendKind selects the limit a spend counts against.
type SpendKind int

const (
	ManualSpend SpendKind = iota
	AutoSignSpend
)

func (k SpendKind) String() string {
	if k == AutoSignSpend {
		return "auto_sign"
	}
	return "manual"
}

// Unlimited is reported as the remaining amount of a limit configured as 0.
const Unlimited = math.MaxUint64

// LimitsConfig holds spend limits in satoshis. Zero means unlimited.
type LimitsConfig struct {
	ManualSpend   uint64
	AutoSignSpend uint64
}

// Limits tracks what is left of each spend limit. The counters live in memory
// only and start over when the signer restarts.
type Limits struct {
	mu        sync.Mutex
	cfg       LimitsConfig
	remaining [2]uint64
	onChange  func(kind SpendKind, remaining uint64, unlimited bool)
}

// NewLimits starts both counters at their configured value.
func NewLimits(cfg LimitsConfig) *Limits {
	l := &Limits{cfg: cfg}
	l.remaining[ManualSpend] = cfg.ManualSpend
	l.remaining[AutoSignSpend] = cfg.AutoSignSpend
	return l
}

func (l *Limits) limit(kind SpendKind) uint64 {
	if kind == AutoSignSpend {
		return l.cfg.AutoSignSpend
	}
	return l.cfg.ManualSpend
}

// Remaining returns what is left of a limit.
func (l *Limits) Remaining(kind SpendKind) (remaining uint64, unlimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit(kind) == 0 {
		return Unlimited, true
	}
	return l.remaining[kind], false
}

// Check reports ErrSpendLimitExceeded if value does not fit in what is left.
func (l *Limits) Check(kind SpendKind, value uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(kind, value)
}

func (l *Limits) checkLocked(kind SpendKind, value uint64) error {
	if l.limit(kind) == 0 {
		return nil
	}
	if value > l.remaining[kind] {
		return fmt.Errorf("%w: %s spend %d exceeds remaining %d", ErrSpendLimitExceeded, kind, value, l.remaining[kind])
	}
	return nil
}

// Spend decrements a limit by value.
func (l *Limits) Spend(kind SpendKind, value uint64) {
	l.mu.Lock()
	if l.limit(kind) == 0 {
		l.mu.Unlock()
		return
	}
	if value > l.remaining[kind] {
		value = l.remaining[kind]
	}
	l.remaining[kind] -= value
	left := l.remaining[kind]
	l.mu.Unlock()
	l.notify(kind, left, false)
}

// Reserve checks and spends value atomically. The returned refund undoes the
// spend and is meant for signs that fail after the reservation.
func (l *Limits) Reserve(kind SpendKind, value uint64) (refund func(), err error) {
	l.mu.Lock()
	if err := l.checkLocked(kind, value); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if l.limit(kind) == 0 {
		l.mu.Unlock()
		return func() {}, nil
	}
	l.remaining[kind] -= value
	left := l.remaining[kind]
	l.mu.Unlock()
	l.notify(kind, left, false)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.remaining[kind] += value
			left := l.remaining[kind]
			l.mu.Unlock()
			l.notify(kind, left, false)
		})
	}, nil
}

// Reset restores both counters to their configured values.
func (l *Limits) Reset() {
	l.mu.Lock()
	l.remaining[ManualSpend] = l.cfg.ManualSpend
	l.remaining[AutoSignSpend] = l.cfg.AutoSignSpend
	l.mu.Unlock()
	for _, kind := range []SpendKind{ManualSpend, AutoSignSpend} {
		left, unlimited := l.Remaining(kind)
		l.notify(kind, left, unlimited)
	}
}

// OnChange registers a callback invoked (without locks held) after every change.
func (l *Limits) OnChange(fn func(kind SpendKind, remaining uint64, unlimited bool)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
	for _, kind := range []SpendKind{ManualSpend, AutoSignSpend} {
		left, unlimited := l.Remaining(kind)
		l.notify(kind, left, unlimited)
	}
}

func (l *Limits) notify(kind SpendKind, remaining uint64, unlimited bool) {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(kind, remaining, unlimited)
	}
}
