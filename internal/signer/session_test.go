// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aplane-algo/bssigner/internal/auth"
)

func TestSessionTickets(t *testing.T) {
	table := NewSessions()
	s := table.Add("c1", &fakeConn{})
	require.Equal(t, SessionConnected, s.State())
	require.False(t, s.ticketValid(nil))

	first, err := table.Authenticate("c1", &auth.Identity{ID: "c1"})
	require.NoError(t, err)
	require.Len(t, first, TicketSize)
	require.True(t, s.ticketValid(first))

	first[0] ^= 0xff
	require.False(t, s.ticketValid(first), "callers get a copy")
	first[0] ^= 0xff

	second, err := table.Authenticate("c1", &auth.Identity{ID: "c1"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.False(t, s.ticketValid(first), "re-authentication replaces the ticket")
	require.True(t, s.ticketValid(second))
	require.Equal(t, []string{"c1"}, table.Authenticated())

	require.Same(t, s, table.Remove("c1"))
	require.Equal(t, SessionDisconnected, s.State())
	require.False(t, s.ticketValid(second))
	require.Nil(t, table.Remove("c1"))

	_, err = table.Authenticate("c1", nil)
	require.ErrorIs(t, err, errNoSession)
}

func TestSessionsCloseAll(t *testing.T) {
	table := NewSessions()
	a, b := &fakeConn{}, &fakeConn{}
	table.Add("a", a)
	table.Add("b", b)
	require.Equal(t, 2, table.Count())
	table.CloseAll()
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
}
