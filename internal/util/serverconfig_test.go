// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadServerConfig(dir)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Port != DefaultSignerPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultSignerPort)
	}
	if cfg.WalletsDir != filepath.Join(dir, "wallets") {
		t.Errorf("WalletsDir = %q", cfg.WalletsDir)
	}
	if cfg.BackupDir != filepath.Join(dir, "backup") {
		t.Errorf("BackupDir = %q, want sibling of wallets dir", cfg.BackupDir)
	}
	if cfg.SSHEnabled() {
		t.Error("SSH should be disabled by default")
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
listen: 0.0.0.0
port: 4000
net_type: regtest
wallets_dir: /var/lib/wallets
limits:
  manual_spend: 1000000
  auto_sign_spend: 400000
auto_sign_timeout: 30m
ssh:
  port: 4001
`)

	cfg, err := LoadServerConfig(dir)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Port != 4000 || cfg.NetType != NetRegtest {
		t.Errorf("got port %d net %q", cfg.Port, cfg.NetType)
	}
	if cfg.Limits.ManualSpend != 1000000 || cfg.Limits.AutoSignSpend != 400000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.AutoSignLifetime() != 30*time.Minute {
		t.Errorf("AutoSignLifetime = %v", cfg.AutoSignLifetime())
	}
	if cfg.BackupDir != "/var/lib/backup" {
		t.Errorf("BackupDir = %q", cfg.BackupDir)
	}
	if cfg.SSH.HostKeyPath != filepath.Join(dir, ".ssh/ssh_host_key") {
		t.Errorf("HostKeyPath = %q", cfg.SSH.HostKeyPath)
	}
	if cfg.ShouldAutoRegisterSSHKeys() {
		t.Error("auto register should default to false")
	}
}

func TestLoadServerConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad net", "net_type: moonnet\n"},
		{"bad timeout", "auto_sign_timeout: soon\n"},
		{"bad yaml", "port: [\n"},
		{"no transport", "listen: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "config.yaml"), tt.content)
			if _, err := LoadServerConfig(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "client.yaml"), `
transport: local
local:
  binary: /opt/bssignerd
`)
	cfg, err := LoadClientConfig(dir)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Local == nil || cfg.Local.Binary != "/opt/bssignerd" {
		t.Fatalf("Local = %+v", cfg.Local)
	}
	if cfg.Local.PIDFile != filepath.Join(dir, "bssignerd.pid") {
		t.Errorf("PIDFile = %q", cfg.Local.PIDFile)
	}
	if cfg.Local.StartDelayDuration() != 250*time.Millisecond {
		t.Errorf("StartDelay = %v", cfg.Local.StartDelayDuration())
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"15m", 15 * time.Minute, false},
		{"-1s", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}
