// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Transport != TransportTCP {
		t.Errorf("Transport = %q, want tcp", cfg.Transport)
	}
	if cfg.NetType != NetTestnet {
		t.Errorf("NetType = %q, want testnet", cfg.NetType)
	}
	if cfg.SSH != nil || cfg.Local != nil {
		t.Error("ssh and local blocks should stay unset for tcp")
	}
}

func TestLoadClientConfigSSH(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "client.yaml"), `
transport: ssh
address: signer.example
`)
	cfg, err := LoadClientConfig(dir)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.SSH == nil {
		t.Fatal("ssh defaults not applied")
	}
	if cfg.SSH.Port != DefaultSSHPort {
		t.Errorf("SSH.Port = %d, want %d", cfg.SSH.Port, DefaultSSHPort)
	}
	if cfg.SSH.KnownHostsPath != filepath.Join(dir, ".ssh", "known_hosts") {
		t.Errorf("KnownHostsPath = %q", cfg.SSH.KnownHostsPath)
	}
}

func TestLoadClientConfigLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "client.yaml"), `
transport: local
local:
  binary: /usr/local/bin/bssignerd
  start_delay: 1s
`)
	cfg, err := LoadClientConfig(dir)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Local.Binary != "/usr/local/bin/bssignerd" {
		t.Errorf("Binary = %q", cfg.Local.Binary)
	}
	if cfg.Local.DataDir != filepath.Join(dir, "signer") {
		t.Errorf("DataDir = %q", cfg.Local.DataDir)
	}
	if cfg.Local.PIDFile != filepath.Join(dir, "bssignerd.pid") {
		t.Errorf("PIDFile = %q", cfg.Local.PIDFile)
	}
	if got := cfg.Local.StartDelayDuration(); got != time.Second {
		t.Errorf("StartDelayDuration = %v, want 1s", got)
	}
}

func TestLoadClientConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad transport", "transport: carrier-pigeon\n"},
		{"bad start delay", "transport: local\nlocal:\n  start_delay: soon\n"},
		{"bad yaml", "transport: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "client.yaml"), tt.content)
			if _, err := LoadClientConfig(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGetClientDataDir(t *testing.T) {
	t.Setenv(ClientDataDirEnv, "/from/env")
	if got := GetClientDataDir("/from/flag"); got != "/from/flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := GetClientDataDir(""); got != "/from/env" {
		t.Errorf("env should be used, got %q", got)
	}
}
