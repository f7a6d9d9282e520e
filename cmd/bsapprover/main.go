// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

func main() {
	dataDir := flag.String("d", "", "Signer data directory (required, or set "+util.DataDirEnv+")")
	flag.Parse()

	resolvedDataDir := util.RequireSignerDataDir(*dataDir)
	config, err := util.LoadServerConfig(resolvedDataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if config.ApproverSocket == "" {
		fmt.Fprintln(os.Stderr, "Error: approver_socket is disabled in the signer config")
		os.Exit(1)
	}
	token, err := util.ReadToken(filepath.Join(resolvedDataDir, util.ApproverTokenFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(titleStyle.Render("bsapprover - Wallet Password Approval"))
	fmt.Println("================================================")

	conn, err := net.Dial("unix", config.ApproverSocket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to signer: %v\n", err)
		os.Exit(1)
	}
	fc := transport.NewFrameConn(conn)
	defer func() { _ = fc.Close() }()

	in := newInput(os.Stdin)
	err = handshake(fc, token, func() bool {
		fmt.Print(warningStyle.Render("Another approver is connected. Take over? [y/n]: "))
		line, _ := in.line()
		line = strings.ToLower(strings.TrimSpace(line))
		return line == "y" || line == "yes"
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Connected to %s\n", config.ApproverSocket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := loop(ctx, fc, in); err != nil {
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nShutting down...")
}

type answer struct {
	walletID string
	password []byte
}

func loop(ctx context.Context, fc *transport.FrameConn, in *input) error {
	s := newSession(fc, os.Stdout)

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			raw, err := fc.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- raw
		}
	}()

	answers := make(chan answer)
	reading := false
	fmt.Println("\nWaiting for password requests... (Ctrl+C to quit)")

	for {
		if p, ok := s.current(); ok && !reading {
			reading = true
			display(os.Stdout, p, len(s.queue))
			go func(walletID string) {
				fmt.Print("Password (empty to decline): ")
				pw, _ := in.password()
				answers <- answer{walletID: walletID, password: pw}
			}(p.ID)
		}

		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if errors.Is(err, io.EOF) || transport.IsClosedConnError(err) {
				return fmt.Errorf("connection closed by signer")
			}
			return fmt.Errorf("connection error: %w", err)

		case raw := <-msgs:
			if err := s.handle(raw); err != nil {
				return err
			}

		case a := <-answers:
			reading = false
			sent, err := s.answer(a.walletID, a.password)
			crypto.ZeroBytes(a.password)
			switch {
			case err != nil:
				fmt.Fprintln(os.Stderr, errorStyle.Render("Error sending answer: "+err.Error()))
			case !sent:
				fmt.Println(subtitleStyle.Render("Prompt was withdrawn, answer discarded"))
			case len(a.password) == 0:
				fmt.Println("✗ DECLINED")
			default:
				fmt.Println(okStyle.Render("✓ SENT"))
			}
			if _, ok := s.current(); !ok {
				fmt.Println("\nWaiting for password requests...")
			}
		}
	}
}

// input reads answers from a terminal with echo off, or line by line when
// stdin is piped.
type input struct {
	fd     int
	isTerm bool
	reader *bufio.Reader
}

func newInput(f *os.File) *input {
	fd := int(f.Fd())
	return &input{fd: fd, isTerm: term.IsTerminal(fd), reader: bufio.NewReader(f)}
}

func (in *input) line() (string, error) {
	return in.reader.ReadString('\n')
}

func (in *input) password() ([]byte, error) {
	if in.isTerm {
		pw, err := term.ReadPassword(in.fd)
		fmt.Println()
		return pw, err
	}
	line, err := in.reader.ReadBytes('\n')
	return []byte(strings.TrimRight(string(line), "\r\n")), err
}
