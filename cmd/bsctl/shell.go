// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/aplane-algo/bssigner/internal/util"
)

const historyFileName = ".bsctl_history"

func shellCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over a single signer connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, a)
		},
	}
}

func runShell(cmd *cobra.Command, a *app) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[32mbsctl>\033[0m ",
		HistoryFile:       filepath.Join(util.GetClientDataDir(a.dataDir), historyFileName),
		HistoryLimit:      1000,
		AutoComplete:      shellCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer func() { _ = rl.Close() }()

	prevSecret, prevConfirm := secretReader, confirmReader
	secretReader = func(prompt string) ([]byte, error) {
		return rl.ReadPassword(prompt)
	}
	confirmReader = func(prompt string) bool {
		rl.SetPrompt(prompt + " [y/N] ")
		defer rl.SetPrompt("\033[32mbsctl>\033[0m ")
		line, err := rl.Readline()
		return err == nil && isYes(line)
	}
	defer func() { secretReader, confirmReader = prevSecret, prevConfirm }()

	ctx := cmd.Context()
	fmt.Printf("Connecting to signer (%s)...\n", cfg.Transport)
	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	fmt.Printf("Connected to %s signer. Type 'help' for commands, 'quit' to exit\n", c.NetType())

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					fmt.Println("Use 'quit' or 'exit' to exit")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println("Goodbye!")
				return nil
			}
			return err
		}

		args, err := splitArgs(line)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return nil
		}
		if !c.Ready() {
			fmt.Println("Not connected to signer (restart the shell to reconnect)")
			continue
		}

		root := newRootCmd(&app{dataDir: a.dataDir, shared: c})
		root.SetArgs(args)
		if err := root.ExecuteContext(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func shellCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("ping"),
		readline.PcItem("wallet",
			readline.PcItem("create"),
			readline.PcItem("leaf"),
			readline.PcItem("info"),
			readline.PcItem("delete"),
			readline.PcItem("rootkey"),
			readline.PcItem("passwd"),
		),
		readline.PcItem("sign", readline.PcItem("--partial"), readline.PcItem("--multi"), readline.PcItem("--payout")),
		readline.PcItem("sync"),
		readline.PcItem("autosign", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("userid"),
		readline.PcItem("mnemonic"),
		readline.PcItem("version"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// splitArgs splits a shell line on whitespace. Single and double quotes group
// words and a backslash escapes the next character outside single quotes.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
