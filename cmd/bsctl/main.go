// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aplane-algo/bssigner/internal/client"
	"github.com/aplane-algo/bssigner/internal/util"
	"github.com/aplane-algo/bssigner/internal/version"
)

const flagDataDir = "datadir"

// app carries what every command needs.
type app struct {
	dataDir string
	shared  *client.Client // set while the shell runs
}

func (a *app) config() (util.ClientConfig, error) {
	return util.LoadClientConfig(util.GetClientDataDir(a.dataDir))
}

// withClient runs fn with the shell's connection, or a fresh one that is
// closed afterwards.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if a.shared != nil {
		return fn(ctx, a.shared)
	}
	cfg, err := a.config()
	if err != nil {
		return err
	}
	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "bsctl",
		Short:         "Operator CLI for the bssigner headless signer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.dataDir, flagDataDir, "d", a.dataDir, "Client data directory (or set "+util.ClientDataDirEnv+")")

	root.AddCommand(
		pingCommand(a),
		walletCommand(a),
		signCommand(a),
		syncCommand(a),
		autoSignCommand(a),
		userIDCommand(a),
		mnemonicCommand(),
		versionCommand(),
	)
	if a.shared == nil {
		root.AddCommand(shellCommand(a))
	}
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bsctl %s\n", version.String())
		},
	}
}

func main() {
	if os.Getenv(util.DebugEnv) != "" {
		util.InitLogger(true)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
