// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aplane-algo/bssigner/internal/audit"
	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/signer"
	"github.com/aplane-algo/bssigner/internal/sshtunnel"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

// serve runs every configured endpoint until ctx is done or one of them fails.
func serve(ctx context.Context, dataDir string, config *util.ServerConfig, l *signer.Listener, auditLog *audit.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	logger := util.Logger

	if config.Listen != "" {
		addr := net.JoinHostPort(config.Listen, fmt.Sprint(config.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		srv := transport.NewServer(ln, l, logger)
		g.Go(func() error { return srv.Serve(gctx) })
		fmt.Printf("✓ Signer protocol on tcp://%s\n", addr)
	}

	if config.UnixSocket != "" {
		ln, err := transport.ListenUnix(config.UnixSocket)
		if err != nil {
			return err
		}
		srv := transport.NewServer(ln, l, logger)
		g.Go(func() error { return srv.Serve(gctx) })
		fmt.Printf("✓ Signer protocol on unix://%s\n", config.UnixSocket)
	}

	if config.VsockPort != 0 {
		ln, err := transport.ListenVsock(config.VsockPort)
		if err != nil {
			return err
		}
		srv := transport.NewServer(ln, l, logger)
		g.Go(func() error { return srv.Serve(gctx) })
		fmt.Printf("✓ Signer protocol on vsock port %d\n", config.VsockPort)
	}

	if config.SSHEnabled() {
		if config.TerminalIDKey != "" {
			added, err := pinTerminalKey(config.SSH.AuthorizedKeysPath, config.TerminalIDKey)
			if err != nil {
				return err
			}
			if added {
				fmt.Println("✓ Terminal identity key added to authorized keys")
			}
		}
		sshServer, err := sshtunnel.NewServer(l, sshtunnel.ServerOptions{
			HostKeyPath:        config.SSH.HostKeyPath,
			AuthorizedKeysPath: config.SSH.AuthorizedKeysPath,
			AutoRegister:       config.ShouldAutoRegisterSSHKeys(),
			Logger:             logger,
		})
		if err != nil {
			return err
		}
		addr := fmt.Sprintf("0.0.0.0:%d", config.SSH.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		g.Go(func() error { return sshServer.Serve(gctx, ln) })
		fmt.Printf("✓ SSH transport on %s (public key authentication)\n", addr)
		fmt.Printf("  Signer identity fingerprint: %s\n", sshServer.HostKeyFingerprint())
	}

	if config.ApproverSocket != "" {
		token, err := util.LoadOrCreateToken(filepath.Join(dataDir, util.ApproverTokenFile))
		if err != nil {
			return fmt.Errorf("failed to load approver token: %w", err)
		}
		approver := signer.NewApproverServer(config.ApproverSocket, l, auth.NewTokenAuthenticator(token), auditLog, logger)
		g.Go(func() error { return approver.Serve(gctx) })
		fmt.Printf("✓ Approver interface on %s\n", config.ApproverSocket)
	} else {
		fmt.Println("⚠ No approver socket, password prompts go to clients")
	}

	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpServer := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		fmt.Printf("✓ Metrics on http://%s/metrics\n", config.MetricsAddr)
	}

	// Clients hear about the shutdown before their connections close.
	g.Go(func() error {
		<-gctx.Done()
		l.Shutdown()
		return nil
	})

	return g.Wait()
}
