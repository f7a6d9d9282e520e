// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type result struct {
	pw  []byte
	err error
}

func collect(out *[]result) PasswordCallback {
	return func(pw []byte, err error) {
		*out = append(*out, result{pw: pw, err: err})
	}
}

func TestBrokerOnePromptPerWallet(t *testing.T) {
	b := NewPasswordBroker()
	var got []result

	require.True(t, b.Await(Prompt{WalletID: "w", ClientID: "c1"}, "c1", collect(&got)))
	require.False(t, b.Await(Prompt{WalletID: "w", ClientID: "c2"}, "c2", collect(&got)), "second request joins the first prompt")
	require.True(t, b.Await(Prompt{WalletID: "other", ClientID: "c1"}, "c1", collect(&got)))
	require.Equal(t, 2, b.Waiting("w"))
	require.Len(t, b.Prompts(), 2)

	pw := []byte("secret")
	require.Equal(t, 2, b.Resolve("w", pw, false))
	require.Len(t, got, 2)
	for _, r := range got {
		require.NoError(t, r.err)
		require.Equal(t, pw, r.pw)
	}
	got[0].pw[0] = 'X'
	require.Equal(t, byte('s'), got[1].pw[0], "each waiter owns its copy")

	require.Zero(t, b.Resolve("w", pw, false), "prompt is gone once answered")
	require.Equal(t, 1, b.Waiting("other"))
}

func TestBrokerCancelledPrompt(t *testing.T) {
	b := NewPasswordBroker()
	var got []result
	b.Await(Prompt{WalletID: "w"}, "c1", collect(&got))
	b.Resolve("w", nil, true)
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].err, ErrPasswordCancelled)
}

func TestBrokerCancelClient(t *testing.T) {
	b := NewPasswordBroker()
	var got []result
	var counts []int
	b.OnPendingChange(func(n int) { counts = append(counts, n) })

	b.Await(Prompt{WalletID: "shared", ClientID: "c1"}, "c1", collect(&got))
	b.Await(Prompt{WalletID: "shared", ClientID: "c2"}, "c2", collect(&got))
	b.Await(Prompt{WalletID: "mine", ClientID: "c1"}, "c1", collect(&got))

	reprompt, orphaned := b.CancelClient("c1")
	require.Empty(t, got, "dropped waiters are never invoked")
	require.Equal(t, []string{"mine"}, orphaned)
	require.Len(t, reprompt, 1)
	require.Equal(t, "shared", reprompt[0].WalletID)
	require.Equal(t, "c2", reprompt[0].ClientID)
	require.True(t, b.HasWaiter("shared", "c2"))
	require.False(t, b.HasWaiter("shared", "c1"))
	require.Equal(t, []int{1, 2, 1}, counts)

	b.Resolve("shared", []byte("x"), false)
	require.Len(t, got, 1)
}
