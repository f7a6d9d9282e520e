// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T, bins ...string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests need a unix shell environment")
	}
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			t.Skipf("%s not available", b)
		}
	}
}

func TestSignerArgs(t *testing.T) {
	tests := []struct {
		name string
		args SignerArgs
		want []string
	}{
		{
			name: "testnet with limit",
			args: SignerArgs{Port: 4000, WalletsDir: "/w", NetType: "testnet", AutoSignSpendLimit: 400000},
			want: []string{"-listen", "127.0.0.1", "-port", "4000", "-dirwallets", "/w", "-testnet", "-auto_sign_spend_limit", "400000"},
		},
		{
			name: "mainnet with data dir",
			args: SignerArgs{DataDir: "/d", Port: 1, NetType: "mainnet"},
			want: []string{"-listen", "127.0.0.1", "-port", "1", "-d", "/d", "-mainnet"},
		},
		{
			name: "regtest has no flag",
			args: SignerArgs{Listen: "::1", Port: 2, NetType: "regtest"},
			want: []string{"-listen", "::1", "-port", "2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.args.Args(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPIDFileLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.pid")
	a, b := NewPIDFile(path), NewPIDFile(path)

	require.NoError(t, a.Acquire())
	require.ErrorIs(t, b.Acquire(), ErrPIDFileLocked)

	require.NoError(t, a.Write(1234))
	pid, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, 1234, pid)

	require.NoError(t, a.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, b.Acquire())
	require.NoError(t, b.Release())
}

func TestPIDFileCorruptMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))
	p := NewPIDFile(path)

	_, err := p.KillStale("bssignerd", time.Second)
	require.Error(t, err)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "corrupt marker should be removed")
}

func TestKillStaleTerminatesRecordedProcess(t *testing.T) {
	requireUnix(t, "sleep")

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	path := filepath.Join(t.TempDir(), "signer.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0600))

	p := NewPIDFile(path)
	// A process running another binary is left alone.
	killed, err := p.KillStale("bssignerd-other", time.Second)
	require.NoError(t, err)
	if _, statErr := os.Stat("/proc"); statErr == nil {
		require.Zero(t, killed)
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0600))
		killed, err = p.KillStale("sleep", 2*time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, cmd.Process.Pid, killed)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("stale process still running")
	}
}

func TestExecSupervisorLifecycle(t *testing.T) {
	requireUnix(t, "sleep")
	pidPath := filepath.Join(t.TempDir(), "signer.pid")

	s := NewExecSupervisor(ExecConfig{
		Binary:      "sleep",
		Args:        []string{"30"},
		PIDFile:     pidPath,
		StartDelay:  50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Running())
	pid := s.PID()
	require.NotZero(t, pid)

	recorded, err := NewPIDFile(pidPath).Read()
	require.NoError(t, err)
	require.Equal(t, pid, recorded)

	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, s.Stop())
	require.False(t, s.Running())
	require.Zero(t, s.PID())
	_, err = os.Stat(pidPath)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.Stop())
}

func TestExecSupervisorReportsEarlyExit(t *testing.T) {
	requireUnix(t, "false")
	s := NewExecSupervisor(ExecConfig{Binary: "false", StartDelay: 2 * time.Second})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrExitedEarly)
	require.False(t, s.Running())
}

func TestExecSupervisorMissingBinary(t *testing.T) {
	s := NewExecSupervisor(ExecConfig{Binary: filepath.Join(t.TempDir(), "no-such-signer")})
	err := s.Start(context.Background())
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("Start() error = %v, want ErrBinaryNotFound", err)
	}
}
