// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregationFiresOnceAfterAllRoots(t *testing.T) {
	a := NewAggregations()
	calls := 0
	var got map[string][]byte
	id := a.start("c1",
		map[string][]string{"r1": {"l1", "l2"}, "r2": {"l3"}, "r3": {"l4"}},
		map[string]bool{"r1": true, "r2": true},
		func(pw map[string][]byte, err error) {
			require.NoError(t, err)
			calls++
			got = pw
		})

	a.supply(id, "r1", []byte("one"))
	require.Zero(t, calls)
	a.supply(id, "r1", []byte("again"))
	require.Zero(t, calls, "a root only counts once")

	a.supply(id, "r2", []byte("two"))
	require.Equal(t, 1, calls)
	require.Equal(t, map[string][]byte{
		"l1": []byte("one"),
		"l2": []byte("one"),
		"l3": []byte("two"),
		"l4": {},
	}, got)

	a.supply(id, "r2", []byte("two"))
	a.fail(id, errors.New("late"))
	require.Equal(t, 1, calls)
	require.Zero(t, a.Count())
}

func TestAggregationWithoutEncryptedRootsFiresImmediately(t *testing.T) {
	a := NewAggregations()
	fired := false
	a.start("c1", map[string][]string{"r": {"l"}}, nil, func(pw map[string][]byte, err error) {
		fired = true
		require.Equal(t, []byte{}, pw["l"])
	})
	require.True(t, fired)
	require.Zero(t, a.Count())
}

func TestAggregationFailAndCancel(t *testing.T) {
	a := NewAggregations()
	var failed error
	id := a.start("c1", map[string][]string{"r": {"l"}}, map[string]bool{"r": true}, func(_ map[string][]byte, err error) {
		failed = err
	})
	boom := errors.New("boom")
	a.fail(id, boom)
	require.ErrorIs(t, failed, boom)

	invoked := false
	a.start("c2", map[string][]string{"r": {"l"}}, map[string]bool{"r": true}, func(map[string][]byte, error) { invoked = true })
	a.start("c3", map[string][]string{"r": {"l"}}, map[string]bool{"r": true}, func(map[string][]byte, error) { invoked = true })
	require.Equal(t, 1, a.CancelClient("c2"))
	require.Equal(t, 1, a.Count())
	require.False(t, invoked, "cancelled aggregations never fire")
}
