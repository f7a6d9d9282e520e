// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/aplane-algo/bssigner/internal/client"
	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/sshtunnel"
	"github.com/aplane-algo/bssigner/internal/supervisor"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

// connectTimeout bounds a connection attempt, including a local signer start.
const connectTimeout = 30 * time.Second

// secretReader reads a secret without echo. The shell swaps in readline's.
var secretReader = func(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	return pw, err
}

// confirmReader reads a yes/no answer.
var confirmReader = func(prompt string) bool {
	fmt.Print(prompt + " [y/n]: ")
	var answer string
	_, _ = fmt.Scanln(&answer)
	return isYes(answer)
}

func isYes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// buildTransport turns the client config into a transport and client options.
func buildTransport(cfg util.ClientConfig) (transport.RemoteTransport, []client.Option, error) {
	opts := []client.Option{
		client.WithPassword(cfg.Password),
		client.WithNetType(cfg.NetType),
		client.WithClientName("bsctl"),
		client.WithLogger(util.Logger),
	}

	switch cfg.Transport {
	case util.TransportTCP:
		return &transport.TCPTransport{Address: cfg.Address}, opts, nil

	case util.TransportUnix:
		if cfg.UnixSocket == "" {
			return nil, nil, errors.New("unix transport needs unix_socket")
		}
		return &transport.UnixTransport{Path: cfg.UnixSocket}, opts, nil

	case util.TransportSSH:
		host := cfg.Address
		if h, _, err := net.SplitHostPort(cfg.Address); err == nil {
			host = h
		}
		if cfg.SSH == nil {
			def := util.DefaultSSHClientConfig()
			cfg.SSH = &def
		}
		c := sshtunnel.NewClient(sshtunnel.ClientOptions{
			Host:           host,
			Port:           cfg.SSH.Port,
			IdentityFile:   cfg.SSH.IdentityFile,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			Logger:         util.Logger,
		})
		c.SetKeyApprovalHandler(approveSignerKey)
		return c, opts, nil

	case util.TransportLocal:
		port, err := util.FreeLocalPort()
		if err != nil {
			return nil, nil, err
		}
		local := cfg.Local
		if local == nil {
			def := util.DefaultLocalSignerConfig()
			local = &def
		}
		args := supervisor.SignerArgs{
			DataDir:            local.DataDir,
			Port:               port,
			WalletsDir:         local.WalletsDir,
			NetType:            cfg.NetType,
			AutoSignSpendLimit: local.AutoSign,
		}
		sup := supervisor.NewExecSupervisor(supervisor.ExecConfig{
			Binary:     local.Binary,
			Args:       args.Args(),
			PIDFile:    local.PIDFile,
			StartDelay: local.StartDelayDuration(),
			Logger:     util.Logger,
		})
		addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
		return &transport.TCPTransport{Address: addr}, append(opts, client.WithSupervisor(sup)), nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func approveSignerKey(change sshtunnel.KeyChange) (bool, error) {
	if change.OldKey == "" {
		fmt.Printf("First connection to signer %s\n", change.Address)
		fmt.Printf("  Identity fingerprint: %s\n", change.NewKey)
		return confirmReader("Trust this signer?"), nil
	}
	fmt.Printf("⚠ WARNING: signer identity for %s has CHANGED\n", change.Address)
	fmt.Printf("  Pinned:   %s\n", change.OldKey)
	fmt.Printf("  Received: %s\n", change.NewKey)
	return confirmReader("Trust the new identity?"), nil
}

// connect starts a client and waits until it is ready. Password requests and
// notifications are handled on a background goroutine until the client closes.
func connect(ctx context.Context, cfg util.ClientConfig) (*client.Client, error) {
	rt, opts, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	c := client.New(rt, opts...)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.WaitReady(waitCtx); err != nil {
		_ = c.Close()
		if errors.Is(err, client.ErrNetworkMismatch) {
			return nil, fmt.Errorf("%w (configured net_type %s)", err, cfg.NetType)
		}
		return nil, err
	}
	go pumpEvents(c)
	return c, nil
}

// promptMu keeps password prompts from interleaving.
var promptMu sync.Mutex

func pumpEvents(c *client.Client) {
	for ev := range c.Events() {
		switch ev.Kind {
		case client.EventPasswordRequest:
			answerPassword(c, ev)
		case client.EventAutoSign:
			if ev.AutoSign.Active {
				fmt.Printf("\n⚡ Auto-sign activated for %s\n", ev.AutoSign.RootWalletID)
			} else {
				fmt.Printf("\nAuto-sign deactivated for %s (%s)\n", ev.AutoSign.RootWalletID, ev.AutoSign.Reason)
			}
		case client.EventServerDisconnect:
			fmt.Println("\nSigner is shutting down")
		case client.EventDisconnected:
			fmt.Printf("\nDisconnected from signer: %v\n", ev.Err)
		}
	}
}

func answerPassword(c *client.Client, ev client.Event) {
	promptMu.Lock()
	defer promptMu.Unlock()

	req := ev.Password
	name := req.WalletName
	if name == "" {
		name = req.WalletID
	}
	fmt.Printf("\n🔐 %s needs the password of wallet %s\n", req.Request, name)
	pw, err := secretReader("Password (empty to decline): ")
	defer crypto.ZeroBytes(pw)
	if err != nil || len(pw) == 0 {
		if err := c.CancelPassword(req.WalletID); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		return
	}
	if err := c.SendPassword(req.WalletID, pw); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}
