// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientDataDirEnv names the client data directory when -d is not given.
const ClientDataDirEnv = "BSCTL_DATA"

// Client transport kinds.
const (
	TransportTCP   = "tcp"
	TransportUnix  = "unix"
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// SSHClientConfig holds SSH transport settings for connecting to a remote signer.
type SSHClientConfig struct {
	Port           int    `yaml:"port" description:"Signer SSH port" default:"23457"`
	IdentityFile   string `yaml:"identity_file" description:"SSH private key path (relative to data dir)" default:".ssh/id_ed25519"`
	KnownHostsPath string `yaml:"known_hosts_path" description:"Pinned signer keys file (relative to data dir)" default:".ssh/known_hosts"`
}

// LocalSignerConfig describes a signer subprocess owned by the client.
type LocalSignerConfig struct {
	Binary     string `yaml:"binary" description:"Path to the bssignerd binary" default:"bssignerd"`
	DataDir    string `yaml:"data_dir" description:"Data directory passed to the local signer" default:"signer"`
	WalletsDir string `yaml:"wallets_dir" description:"Wallets directory passed to the local signer"`
	PIDFile    string `yaml:"pid_file" description:"PID marker for stale-process detection" default:"bssignerd.pid"`
	StartDelay string `yaml:"start_delay" description:"Wait after spawn before dialing" default:"250ms"`
	AutoSign   uint64 `yaml:"auto_sign_spend_limit" description:"Auto-sign spend limit passed to the local signer (0=unset)"`
}

// ClientConfig holds bsctl configuration
type ClientConfig struct {
	Transport  string             `yaml:"transport" description:"Connection type (tcp, unix, ssh, local)" default:"tcp"`
	Address    string             `yaml:"address" description:"Signer host:port (tcp) or host (ssh)" default:"127.0.0.1:23456"`
	UnixSocket string             `yaml:"unix_socket" description:"Signer unix socket path"`
	SSH        *SSHClientConfig   `yaml:"ssh" description:"SSH transport settings"`
	Local      *LocalSignerConfig `yaml:"local" description:"Local signer subprocess settings"`
	Password   string             `yaml:"password" description:"Connection password (hashed before sending)"`
	NetType    string             `yaml:"net_type" description:"Expected signer network" default:"testnet"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Transport: TransportTCP,
		Address:   fmt.Sprintf("127.0.0.1:%d", DefaultSignerPort),
		NetType:   NetTestnet,
	}
}

// DefaultSSHClientConfig returns default SSH settings (used when ssh block exists but fields are missing)
func DefaultSSHClientConfig() SSHClientConfig {
	return SSHClientConfig{
		Port:           DefaultSSHPort,
		IdentityFile:   ".ssh/id_ed25519",
		KnownHostsPath: ".ssh/known_hosts",
	}
}

// DefaultLocalSignerConfig returns default subprocess settings.
func DefaultLocalSignerConfig() LocalSignerConfig {
	return LocalSignerConfig{
		Binary:     "bssignerd",
		DataDir:    "signer",
		PIDFile:    "bssignerd.pid",
		StartDelay: "250ms",
	}
}

// GetClientDataDir returns the client data directory.
// Resolution order: -d flag > BSCTL_DATA env var > ~/.bsctl
func GetClientDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envDir := os.Getenv(ClientDataDirEnv); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bsctl")
}

// LoadClientConfig loads <dataDir>/client.yaml, returning defaults if absent.
func LoadClientConfig(dataDir string) (ClientConfig, error) {
	config := DefaultClientConfig()
	if dataDir != "" {
		path := filepath.Join(dataDir, "client.yaml")
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return config, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return config, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if config.Transport == "" {
		config.Transport = TransportTCP
	}
	if config.NetType == "" {
		config.NetType = NetTestnet
	}
	config.UnixSocket = ResolvePath(config.UnixSocket, dataDir)

	if config.Transport == TransportSSH && config.SSH == nil {
		def := DefaultSSHClientConfig()
		config.SSH = &def
	}
	if config.SSH != nil {
		def := DefaultSSHClientConfig()
		if config.SSH.Port == 0 {
			config.SSH.Port = def.Port
		}
		if config.SSH.IdentityFile == "" {
			config.SSH.IdentityFile = def.IdentityFile
		}
		if config.SSH.KnownHostsPath == "" {
			config.SSH.KnownHostsPath = def.KnownHostsPath
		}
		config.SSH.IdentityFile = ResolvePath(config.SSH.IdentityFile, dataDir)
		config.SSH.KnownHostsPath = ResolvePath(config.SSH.KnownHostsPath, dataDir)
	}

	if config.Transport == TransportLocal && config.Local == nil {
		def := DefaultLocalSignerConfig()
		config.Local = &def
	}
	if config.Local != nil {
		def := DefaultLocalSignerConfig()
		if config.Local.Binary == "" {
			config.Local.Binary = def.Binary
		}
		if config.Local.DataDir == "" {
			config.Local.DataDir = def.DataDir
		}
		if config.Local.PIDFile == "" {
			config.Local.PIDFile = def.PIDFile
		}
		if config.Local.StartDelay == "" {
			config.Local.StartDelay = def.StartDelay
		}
		config.Local.DataDir = ResolvePath(config.Local.DataDir, dataDir)
		config.Local.WalletsDir = ResolvePath(config.Local.WalletsDir, dataDir)
		config.Local.PIDFile = ResolvePath(config.Local.PIDFile, dataDir)
		if _, err := ParseDuration(config.Local.StartDelay); err != nil {
			return config, fmt.Errorf("invalid local.start_delay: %w", err)
		}
	}

	switch config.Transport {
	case TransportTCP, TransportUnix, TransportSSH, TransportLocal:
	default:
		return config, fmt.Errorf("invalid transport %q", config.Transport)
	}
	return config, nil
}

// StartDelayDuration returns the parsed start delay.
func (l *LocalSignerConfig) StartDelayDuration() time.Duration {
	d, _ := ParseDuration(l.StartDelay)
	return d
}
