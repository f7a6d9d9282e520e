// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimitsCheck(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LimitsConfig
		kind    SpendKind
		value   uint64
		wantErr bool
	}{
		{"manual within", LimitsConfig{ManualSpend: 1000}, ManualSpend, 1000, false},
		{"manual over", LimitsConfig{ManualSpend: 1000}, ManualSpend, 1001, true},
		{"auto over", LimitsConfig{AutoSignSpend: 400000}, AutoSignSpend, 500000, true},
		{"auto unlimited", LimitsConfig{ManualSpend: 1}, AutoSignSpend, 1 << 40, false},
		{"manual unlimited", LimitsConfig{AutoSignSpend: 1}, ManualSpend, 1 << 40, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewLimits(tt.cfg).Check(tt.kind, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSpendLimitExceeded) {
				t.Errorf("error %v does not wrap ErrSpendLimitExceeded", err)
			}
		})
	}
}

func TestLimitsReserveAndRefund(t *testing.T) {
	l := NewLimits(LimitsConfig{ManualSpend: 1000, AutoSignSpend: 500})

	var seen []uint64
	l.OnChange(func(kind SpendKind, remaining uint64, unlimited bool) {
		if kind == ManualSpend {
			seen = append(seen, remaining)
		}
	})

	refund, err := l.Reserve(ManualSpend, 600)
	require.NoError(t, err)
	left, unlimited := l.Remaining(ManualSpend)
	require.False(t, unlimited)
	require.Equal(t, uint64(400), left)

	_, err = l.Reserve(ManualSpend, 401)
	require.ErrorIs(t, err, ErrSpendLimitExceeded)

	refund()
	refund()
	left, _ = l.Remaining(ManualSpend)
	require.Equal(t, uint64(1000), left, "refund must apply once")

	auto, _ := l.Remaining(AutoSignSpend)
	require.Equal(t, uint64(500), auto, "other counter untouched")
	require.Equal(t, []uint64{1000, 400, 1000}, seen)
}

func TestLimitsSpendSaturatesAndReset(t *testing.T) {
	l := NewLimits(LimitsConfig{AutoSignSpend: 100})
	l.Spend(AutoSignSpend, 70)
	l.Spend(AutoSignSpend, 70)
	left, _ := l.Remaining(AutoSignSpend)
	require.Zero(t, left)

	l.Reset()
	left, _ = l.Remaining(AutoSignSpend)
	require.Equal(t, uint64(100), left)

	left, unlimited := l.Remaining(ManualSpend)
	require.True(t, unlimited)
	require.Equal(t, uint64(Unlimited), left)
}
