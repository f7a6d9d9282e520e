// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DataDirEnv names the signer data directory when -d is not given.
const DataDirEnv = "BSSIGNER_DATA"

// Network types accepted in net_type.
const (
	NetMainnet = "mainnet"
	NetTestnet = "testnet"
	NetRegtest = "regtest"
)

// SSHServerConfig holds SSH transport configuration for bssignerd.
// If nil, the SSH transport is disabled.
type SSHServerConfig struct {
	Port               int    `yaml:"port" description:"SSH port to listen on" default:"23457"`
	HostKeyPath        string `yaml:"host_key_path" description:"Signer identity (SSH host) key path" default:".ssh/ssh_host_key"`
	AuthorizedKeysPath string `yaml:"authorized_keys_path" description:"Allowed client public keys file" default:".ssh/authorized_keys"`
	AutoRegister       *bool  `yaml:"auto_register" description:"Auto-register unknown client keys (TOFU)" default:"false"`
}

// LimitsConfig holds the session-scoped spend limits in satoshis.
type LimitsConfig struct {
	ManualSpend   uint64 `yaml:"manual_spend" description:"Manual signing spend limit in satoshis (0=unlimited)" default:"0"`
	AutoSignSpend uint64 `yaml:"auto_sign_spend" description:"Auto-sign spend limit in satoshis (0=unlimited)" default:"0"`
}

// ServerConfig represents the bssignerd configuration file
type ServerConfig struct {
	Listen                  string           `yaml:"listen" description:"TCP address to listen on (empty disables TCP)" default:"127.0.0.1"`
	Port                    int              `yaml:"port" description:"TCP port for the signer protocol" default:"23456"`
	UnixSocket              string           `yaml:"unix_socket" description:"Unix socket path for local clients (empty disables)"`
	VsockPort               uint32           `yaml:"vsock_port" description:"AF_VSOCK port for enclave clients (0 disables)" default:"0"`
	SSH                     *SSHServerConfig `yaml:"ssh" description:"SSH transport settings (omit to disable SSH)"`
	NetType                 string           `yaml:"net_type" description:"Bitcoin network (mainnet, testnet, regtest)" default:"testnet"`
	WalletsDir              string           `yaml:"wallets_dir" description:"Directory holding wallet files" default:"wallets"`
	BackupDir               string           `yaml:"backup_dir" description:"Backup directory (default: <wallets_dir>/../backup)"`
	IndexDir                string           `yaml:"index_dir" description:"LevelDB address index directory" default:"index"`
	PasswordHash            string           `yaml:"password_hash" description:"Hex SHA-256 of the connection password (empty = none)"`
	Limits                  LimitsConfig     `yaml:"limits" description:"Spend limits"`
	AutoSignTimeout         string           `yaml:"auto_sign_timeout" description:"Auto-sign lifetime after activation (0=until deactivated)" default:"0"`
	ApproverSocket          string           `yaml:"approver_socket" description:"Unix socket for the interactive approver UI (empty disables)" default:"approver.sock"`
	AuditLog                string           `yaml:"audit_log" description:"Audit log path" default:"audit.log"`
	MetricsAddr             string           `yaml:"metrics_addr" description:"Prometheus metrics listen address (empty disables)"`
	TerminalIDKey           string           `yaml:"terminal_id_key" description:"Pinned client SSH public key (authorized_keys format)"`
	RequireMemoryProtection bool             `yaml:"require_memory_protection" description:"Fail startup if memory protection unavailable" default:"false"`
	DisabledRequests        []string         `yaml:"disabled_requests" description:"Request types refused for every client (e.g. GetRootKey)"`
}

// ResolvePath resolves a path relative to baseDir if not absolute.
// Returns path unchanged if empty or already absolute.
func ResolvePath(path, baseDir string) string {
	path = ExpandUserPath(path)
	if path == "" || baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ExpandUserPath expands a leading ~ to the user's home directory.
func ExpandUserPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultSSHServerConfig returns default SSH server settings
// (used when ssh block exists but fields are missing)
func DefaultSSHServerConfig() SSHServerConfig {
	return SSHServerConfig{
		Port:               DefaultSSHPort,
		HostKeyPath:        ".ssh/ssh_host_key",
		AuthorizedKeysPath: ".ssh/authorized_keys",
	}
}

// DefaultServerConfig returns the default server configuration.
// Relative paths are resolved against the data directory.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          "127.0.0.1",
		Port:            DefaultSignerPort,
		NetType:         NetTestnet,
		WalletsDir:      "wallets",
		IndexDir:        "index",
		AutoSignTimeout: "0",
		ApproverSocket:  "approver.sock",
		AuditLog:        "audit.log",
	}
}

// GetSignerDataDir returns the -d flag value or BSSIGNER_DATA.
func GetSignerDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(DataDirEnv)
}

// RequireSignerDataDir resolves the signer data directory or exits.
func RequireSignerDataDir(flagValue string) string {
	dir := GetSignerDataDir(flagValue)
	if dir == "" {
		fmt.Fprintln(os.Stderr, "Error: Data directory not specified")
		fmt.Fprintf(os.Stderr, "Use -d <path> or set %s environment variable\n", DataDirEnv)
		os.Exit(1)
	}
	return dir
}

// LoadServerConfig loads <dataDir>/config.yaml.
// Returns defaults if the file doesn't exist; a malformed file is an error.
func LoadServerConfig(dataDir string) (ServerConfig, error) {
	config := DefaultServerConfig()

	if dataDir != "" {
		path := filepath.Join(dataDir, "config.yaml")
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

	config.applyDefaults(dataDir)
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c *ServerConfig) applyDefaults(dataDir string) {
	defaults := DefaultServerConfig()
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.NetType == "" {
		c.NetType = defaults.NetType
	}
	if c.WalletsDir == "" {
		c.WalletsDir = defaults.WalletsDir
	}
	if c.IndexDir == "" {
		c.IndexDir = defaults.IndexDir
	}
	if c.AutoSignTimeout == "" {
		c.AutoSignTimeout = defaults.AutoSignTimeout
	}

	if c.SSH != nil {
		sshDefaults := DefaultSSHServerConfig()
		if c.SSH.Port == 0 {
			c.SSH.Port = sshDefaults.Port
		}
		if c.SSH.HostKeyPath == "" {
			c.SSH.HostKeyPath = sshDefaults.HostKeyPath
		}
		if c.SSH.AuthorizedKeysPath == "" {
			c.SSH.AuthorizedKeysPath = sshDefaults.AuthorizedKeysPath
		}
		c.SSH.HostKeyPath = ResolvePath(c.SSH.HostKeyPath, dataDir)
		c.SSH.AuthorizedKeysPath = ResolvePath(c.SSH.AuthorizedKeysPath, dataDir)
	}

	c.WalletsDir = ResolvePath(c.WalletsDir, dataDir)
	c.IndexDir = ResolvePath(c.IndexDir, dataDir)
	c.UnixSocket = ResolvePath(c.UnixSocket, dataDir)
	c.ApproverSocket = ResolvePath(c.ApproverSocket, dataDir)
	c.AuditLog = ResolvePath(c.AuditLog, dataDir)
	if c.BackupDir == "" {
		c.BackupDir = DefaultBackupDir(c.WalletsDir)
	} else {
		c.BackupDir = ResolvePath(c.BackupDir, dataDir)
	}
}

// DefaultBackupDir places backups next to the wallets directory.
func DefaultBackupDir(walletsDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(walletsDir)), "backup")
}

// Validate checks values that defaults cannot repair.
func (c *ServerConfig) Validate() error {
	switch c.NetType {
	case NetMainnet, NetTestnet, NetRegtest:
	default:
		return fmt.Errorf("invalid net_type %q (expected mainnet, testnet or regtest)", c.NetType)
	}
	if _, err := ParseDuration(c.AutoSignTimeout); err != nil {
		return fmt.Errorf("invalid auto_sign_timeout: %w", err)
	}
	if c.Listen == "" && c.UnixSocket == "" && c.SSH == nil && c.VsockPort == 0 {
		return fmt.Errorf("no transport enabled (set listen, unix_socket, ssh or vsock_port)")
	}
	return nil
}

// ShouldAutoRegisterSSHKeys returns whether new SSH keys should be auto-registered.
// Defaults to false if not explicitly set.
func (c *ServerConfig) ShouldAutoRegisterSSHKeys() bool {
	if c.SSH == nil || c.SSH.AutoRegister == nil {
		return false
	}
	return *c.SSH.AutoRegister
}

// SSHEnabled returns true if SSH is configured
func (c *ServerConfig) SSHEnabled() bool {
	return c.SSH != nil
}

// AutoSignLifetime returns the parsed auto_sign_timeout (0 = no expiry).
func (c *ServerConfig) AutoSignLifetime() time.Duration {
	d, _ := ParseDuration(c.AutoSignTimeout)
	return d
}

// ParseDuration parses a duration where "0" and "" mean zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", s)
	}
	return d, nil
}
