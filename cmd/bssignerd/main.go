// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aplane-algo/bssigner/internal/audit"
	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/metrics"
	"github.com/aplane-algo/bssigner/internal/security"
	"github.com/aplane-algo/bssigner/internal/signer"
	"github.com/aplane-algo/bssigner/internal/util"
	"github.com/aplane-algo/bssigner/internal/version"
	"github.com/aplane-algo/bssigner/internal/wallet"
)

// overrides are the command-line settings a supervising client passes to a
// spawned signer. Zero values leave the config file untouched.
type overrides struct {
	listen        string
	port          int
	walletsDir    string
	testnet       bool
	mainnet       bool
	autoSignLimit uint64
	terminalIDKey string
}

func (o overrides) apply(cfg *util.ServerConfig) error {
	if o.testnet && o.mainnet {
		return fmt.Errorf("-testnet and -mainnet are mutually exclusive")
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.walletsDir != "" {
		abs, err := filepath.Abs(util.ExpandUserPath(o.walletsDir))
		if err != nil {
			return fmt.Errorf("invalid -dirwallets: %w", err)
		}
		cfg.WalletsDir = abs
		cfg.BackupDir = util.DefaultBackupDir(abs)
	}
	switch {
	case o.testnet:
		cfg.NetType = util.NetTestnet
	case o.mainnet:
		cfg.NetType = util.NetMainnet
	}
	if o.autoSignLimit > 0 {
		cfg.Limits.AutoSignSpend = o.autoSignLimit
	}
	if o.terminalIDKey != "" {
		cfg.TerminalIDKey = o.terminalIDKey
	}
	return cfg.Validate()
}

func main() {
	printVersion := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("d", "", "Data directory (required, or set "+util.DataDirEnv+")")
	var o overrides
	flag.StringVar(&o.listen, "listen", "", "TCP address to listen on (overrides config)")
	flag.IntVar(&o.port, "port", 0, "TCP port (overrides config)")
	flag.StringVar(&o.walletsDir, "dirwallets", "", "Wallets directory (overrides config)")
	flag.BoolVar(&o.testnet, "testnet", false, "Serve testnet wallets")
	flag.BoolVar(&o.mainnet, "mainnet", false, "Serve mainnet wallets")
	flag.Uint64Var(&o.autoSignLimit, "auto_sign_spend_limit", 0, "Auto-sign spend limit in satoshis (overrides config)")
	flag.StringVar(&o.terminalIDKey, "terminal_id_key", "", "Pinned client SSH public key (authorized_keys format)")
	flag.Parse()
	if *printVersion {
		fmt.Printf("bssignerd %s\n", version.String())
		os.Exit(0)
	}

	resolvedDataDir := util.RequireSignerDataDir(*dataDir)
	util.InitLogger(false)

	fmt.Println("bssigner - Headless Bitcoin Signer")
	fmt.Println("============================================")
	fmt.Printf("Data directory: %s\n", resolvedDataDir)

	config, err := util.LoadServerConfig(resolvedDataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := o.apply(&config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	warnings, err := security.Harden(config.RequireMemoryProtection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: memory protection required but unavailable: %v\n", err)
		os.Exit(1)
	}
	if len(warnings) == 0 {
		fmt.Println("✓ Core dumps disabled, memory locked")
	}
	for _, w := range warnings {
		fmt.Printf("⚠ WARNING: %s\n", firstLine(w))
	}

	if err := run(resolvedDataDir, &config); err != nil {
		fmt.Fprintf(os.Stderr, "\n[X] %v\n", err)
		os.Exit(1)
	}
}

func run(dataDir string, config *util.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.Open(config.AuditLog)
	if err != nil {
		fmt.Printf("⚠ Warning: failed to open audit log: %v\n", err)
	} else {
		defer func() { _ = auditLog.Close() }()
		fmt.Printf("✓ Audit logging enabled (%s)\n", config.AuditLog)
	}

	var listener *signer.Listener
	mgr, err := wallet.Open(wallet.Options{
		Dir:       config.WalletsDir,
		BackupDir: config.BackupDir,
		IndexDir:  config.IndexDir,
		NetType:   config.NetType,
		Logger:    util.Logger,
		OnReload: func() {
			if listener != nil {
				listener.WalletsChanged()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open wallets: %w", err)
	}
	defer func() { _ = mgr.Close() }()
	fmt.Printf("✓ Loaded %d wallet(s) from %s (%s)\n", mgr.Count(), config.WalletsDir, config.NetType)

	var authorizer auth.Authorizer = auth.NewAllowAllAuthorizer()
	if len(config.DisabledRequests) > 0 {
		authorizer = auth.NewDenyListAuthorizer(config.DisabledRequests)
		fmt.Printf("✓ Disabled requests: %s\n", strings.Join(config.DisabledRequests, ", "))
	}
	authenticator := auth.NewPasswordHashAuthenticator(config.PasswordHash)
	if !authenticator.Required() {
		fmt.Println("⚠ WARNING: no password_hash configured, any client may connect")
	}

	state := signer.NewServerState(signer.LimitsConfig{
		ManualSpend:   config.Limits.ManualSpend,
		AutoSignSpend: config.Limits.AutoSignSpend,
	}, signer.WithAutoSignLifetime(config.AutoSignLifetime()))
	defer state.Close()

	listener = signer.NewListener(signer.ListenerConfig{
		Authenticator: authenticator,
		Authorizer:    authorizer,
		Audit:         auditLog,
		Metrics:       metrics.New(nil),
		Logger:        util.Logger,
	}, mgr, state)
	printLimits(config)

	if err := mgr.Watch(ctx, wallet.DefaultDebounce); err != nil {
		fmt.Printf("⚠ Warning: failed to start wallet watcher: %v\n", err)
	} else {
		fmt.Println("✓ Wallets reload when files change")
	}

	auditLog.LogServerStart(mgr.Count())
	defer auditLog.LogServerStop()

	fmt.Println(strings.Repeat("=", 50))
	err = serve(ctx, dataDir, config, listener, auditLog)
	fmt.Println("\n[*] Shutting down, cached passwords wiped")
	return err
}

func printLimits(config *util.ServerConfig) {
	limit := func(v uint64) string {
		if v == 0 {
			return "unlimited"
		}
		return fmt.Sprintf("%d sat", v)
	}
	fmt.Printf("Spend limits:\n")
	fmt.Printf("  manual:    %s\n", limit(config.Limits.ManualSpend))
	fmt.Printf("  auto-sign: %s\n", limit(config.Limits.AutoSignSpend))
	if d := config.AutoSignLifetime(); d > 0 {
		fmt.Printf("  auto-sign expires after %s\n", d)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
