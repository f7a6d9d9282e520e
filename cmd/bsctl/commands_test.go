// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/signer"
	"github.com/aplane-algo/bssigner/internal/sshtunnel"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{line: "", want: nil},
		{line: "   ", want: nil},
		{line: "ping", want: []string{"ping"}},
		{line: "wallet  info\tabc", want: []string{"wallet", "info", "abc"}},
		{line: `wallet create "my wallet" --description 'cold storage'`, want: []string{"wallet", "create", "my wallet", "--description", "cold storage"}},
		{line: `sign my\ file.json`, want: []string{"sign", "my file.json"}},
		{line: `userid ""`, want: []string{"userid", ""}},
		{line: `echo 'a\b'`, want: []string{"echo", `a\b`}},
		{line: `wallet create "open`, wantErr: true},
		{line: `ping \`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := splitArgs(tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("splitArgs(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitArgs(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestParseAddressLines(t *testing.T) {
	input := `
# exported from watch-only wallet
bc1qexample0 0/0
bc1qexample1   0/1

bc1qchange0 1/0
`
	got, err := parseAddressLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []protocol.AddressEntry{
		{Address: "bc1qexample0", Path: "0/0"},
		{Address: "bc1qexample1", Path: "0/1"},
		{Address: "bc1qchange0", Path: "1/0"},
	}, got)

	_, err = parseAddressLines(strings.NewReader("bc1qexample0\n"))
	require.ErrorContains(t, err, "line 1")

	_, err = parseAddressLines(strings.NewReader("# nothing\n\n"))
	require.Error(t, err)
}

func TestDecodeStrict(t *testing.T) {
	var req protocol.TXSignRequest
	require.NoError(t, decodeStrict([]byte(`{"wallet_id":"w","fee":100}`), &req))
	require.Equal(t, "w", req.WalletID)
	require.Equal(t, uint64(100), req.Fee)

	require.Error(t, decodeStrict([]byte(`{"wallet_id":"w","fees":100}`), &req))
	require.Error(t, decodeStrict([]byte(`{`), &req))
}

func TestNewMnemonic(t *testing.T) {
	m, err := newMnemonic()
	require.NoError(t, err)
	require.Len(t, strings.Fields(m), 24)
	require.True(t, bip39.IsMnemonicValid(m))
}

func TestNormalizeMnemonic(t *testing.T) {
	got := normalizeMnemonic("  Abandon\tABANDON \n about ")
	if got != "abandon abandon about" {
		t.Errorf("normalizeMnemonic = %q", got)
	}
}

func TestFormatLimit(t *testing.T) {
	if got := formatLimit(signer.Unlimited); got != "unlimited" {
		t.Errorf("formatLimit(Unlimited) = %q", got)
	}
	if got := formatLimit(1500); got != "1500 sat" {
		t.Errorf("formatLimit(1500) = %q", got)
	}
}

func TestPrintSigned(t *testing.T) {
	var buf bytes.Buffer
	printSigned(&buf, protocol.SignTXReply{SignedTX: []byte{0x01, 0xab}, TxHash: "deadbeef", Partial: true})
	out := buf.String()
	require.Contains(t, out, "Partially signed")
	require.Contains(t, out, "TxHash: deadbeef")
	require.Contains(t, out, "Signed: 01ab")
}

func TestReadNewPassword(t *testing.T) {
	prev := secretReader
	t.Cleanup(func() { secretReader = prev })

	answers := func(in ...string) func(string) ([]byte, error) {
		return func(string) ([]byte, error) {
			next := in[0]
			in = in[1:]
			return []byte(next), nil
		}
	}

	secretReader = answers("hunter2", "hunter2")
	pw, err := readNewPassword()
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), pw)

	secretReader = answers("hunter2", "hunter3")
	_, err = readNewPassword()
	require.ErrorContains(t, err, "do not match")

	secretReader = answers("")
	pw, err = readNewPassword()
	require.NoError(t, err)
	require.Empty(t, pw)
}

func TestCountTrue(t *testing.T) {
	if n := countTrue(true, false, true); n != 2 {
		t.Errorf("countTrue = %d, want 2", n)
	}
	if n := countTrue(); n != 0 {
		t.Errorf("countTrue() = %d, want 0", n)
	}
}

func TestBuildTransport(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		rt, opts, err := buildTransport(util.ClientConfig{Transport: util.TransportTCP, Address: "127.0.0.1:23456"})
		require.NoError(t, err)
		require.Equal(t, &transport.TCPTransport{Address: "127.0.0.1:23456"}, rt)
		require.NotEmpty(t, opts)
	})

	t.Run("unix", func(t *testing.T) {
		rt, _, err := buildTransport(util.ClientConfig{Transport: util.TransportUnix, UnixSocket: "/tmp/bssigner.sock"})
		require.NoError(t, err)
		require.Equal(t, &transport.UnixTransport{Path: "/tmp/bssigner.sock"}, rt)

		_, _, err = buildTransport(util.ClientConfig{Transport: util.TransportUnix})
		require.Error(t, err)
	})

	t.Run("ssh", func(t *testing.T) {
		rt, _, err := buildTransport(util.ClientConfig{Transport: util.TransportSSH, Address: "signer.example:23456"})
		require.NoError(t, err)
		require.IsType(t, &sshtunnel.Client{}, rt)
	})

	t.Run("local", func(t *testing.T) {
		rt, opts, err := buildTransport(util.ClientConfig{Transport: util.TransportLocal, NetType: util.NetTestnet})
		require.NoError(t, err)
		tcp, ok := rt.(*transport.TCPTransport)
		require.True(t, ok)
		require.True(t, strings.HasPrefix(tcp.Address, "127.0.0.1:"))
		tcpOpts := 0
		if _, o, err := buildTransport(util.ClientConfig{Transport: util.TransportTCP}); err == nil {
			tcpOpts = len(o)
		}
		require.Len(t, opts, tcpOpts+1, "local transport adds the supervisor option")
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := buildTransport(util.ClientConfig{Transport: "carrier-pigeon"})
		require.ErrorContains(t, err, "unknown transport")
	})
}
