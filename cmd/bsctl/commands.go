// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"github.com/aplane-algo/bssigner/internal/client"
	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/signer"
)

func pingCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the signer answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				start := time.Now()
				if _, err := c.Heartbeat().Wait(ctx); err != nil {
					return err
				}
				fmt.Printf("✓ Signer (%s) answered in %s\n", c.NetType(), time.Since(start).Round(time.Millisecond))
				if c.HasUI() {
					fmt.Println("  Password prompts go to the attached approver")
				}
				return nil
			})
		},
	}
}

func walletCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage HD wallets",
	}
	cmd.AddCommand(
		walletCreateCommand(a),
		walletLeafCommand(a),
		walletInfoCommand(a),
		walletDeleteCommand(a),
		walletRootKeyCommand(a),
		walletPasswdCommand(a),
	)
	return cmd
}

func walletCreateCommand(a *app) *cobra.Command {
	var (
		description string
		restore     bool
		leaves      []string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a root wallet from a new or restored mnemonic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mnemonic string
			if restore {
				words, err := secretReader("Mnemonic: ")
				if err != nil {
					return err
				}
				mnemonic = normalizeMnemonic(string(words))
				crypto.ZeroBytes(words)
				if !bip39.IsMnemonicValid(mnemonic) {
					return errors.New("invalid mnemonic")
				}
			} else {
				m, err := newMnemonic()
				if err != nil {
					return err
				}
				mnemonic = m
				printMnemonic(mnemonic)
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(password)

			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.CreateHDWallet(protocol.CreateHDWalletRequest{
					Name:        args[0],
					Description: description,
					Mnemonic:    mnemonic,
					Password:    password,
					Leaves:      leaves,
				}).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Created wallet %s\n", rep.WalletID)
				printLeaves(rep.Leaves)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Wallet description")
	cmd.Flags().BoolVar(&restore, "restore", false, "Restore from an existing mnemonic")
	cmd.Flags().StringArrayVar(&leaves, "leaf", nil, "Leaf derivation path to create (repeatable)")
	return cmd
}

func walletLeafCommand(a *app) *cobra.Command {
	var askPassword bool
	cmd := &cobra.Command{
		Use:   "leaf ROOT PATH",
		Short: "Derive a new leaf wallet under a root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := inlinePassword(askPassword)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(password)
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.CreateHDLeaf(args[0], args[1], password).Wait(ctx)
				if err != nil {
					return err
				}
				printLeaves([]protocol.LeafInfo{rep.Leaf})
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&askPassword, "password", "p", false, "Enter the root password now instead of when prompted")
	return cmd
}

func walletInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info ROOT",
		Short: "Show a root wallet and its leaves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.GetHDWalletInfo(args[0]).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Wallet:     %s\n", rep.RootWalletID)
				if rep.Name != "" {
					fmt.Printf("Name:       %s\n", rep.Name)
				}
				fmt.Printf("Rank:       %d of %d\n", rep.RankM, rep.RankN)
				if len(rep.EncTypes) > 0 {
					fmt.Printf("Encryption: %s\n", strings.Join(rep.EncTypes, ", "))
				} else {
					fmt.Println("Encryption: none")
				}
				printLeaves(rep.Leaves)
				return nil
			})
		},
	}
}

func walletDeleteCommand(a *app) *cobra.Command {
	var yes, askPassword bool
	cmd := &cobra.Command{
		Use:   "delete WALLET",
		Short: "Delete a root wallet with its leaves, or one leaf (a backup is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirmReader(fmt.Sprintf("Delete wallet %s?", args[0])) {
				return errors.New("cancelled")
			}
			password, err := inlinePassword(askPassword)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(password)
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.DeleteHDWallet(args[0], password).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Deleted %s\n", rep.WalletID)
				if rep.BackupPath != "" {
					fmt.Printf("  Backup: %s\n", rep.BackupPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVarP(&askPassword, "password", "p", false, "Enter the root password now instead of when prompted")
	return cmd
}

func walletRootKeyCommand(a *app) *cobra.Command {
	var askPassword bool
	cmd := &cobra.Command{
		Use:   "rootkey ROOT",
		Short: "Export the extended private root key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := inlinePassword(askPassword)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(password)
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.GetRootKey(args[0], password).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Println("⚠ Anyone holding this key controls every leaf of the wallet")
				fmt.Println(rep.XPriv)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&askPassword, "password", "p", false, "Enter the root password now instead of when prompted")
	return cmd
}

func walletPasswdCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd ROOT",
		Short: "Change (or remove) the password of a root wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldPassword, err := secretReader("Current password: ")
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(oldPassword)
			newPassword, err := readNewPassword()
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(newPassword)
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.ChangePassword(args[0], oldPassword, newPassword).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Password of %s changed\n", rep.RootWalletID)
				return nil
			})
		},
	}
}

func signCommand(a *app) *cobra.Command {
	var partial, multi, payout bool
	cmd := &cobra.Command{
		Use:   "sign FILE",
		Short: "Sign the transaction described in a JSON request file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if countTrue(partial, multi, payout) > 1 {
				return errors.New("--partial, --multi and --payout are mutually exclusive")
			}
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := signRequest(c, data, partial, multi, payout)
				if err != nil {
					return err
				}
				rep, err := p.Wait(ctx)
				if err != nil {
					return err
				}
				printSigned(os.Stdout, rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "Sign only the inputs this signer owns")
	cmd.Flags().BoolVar(&multi, "multi", false, "Inputs span several root wallets")
	cmd.Flags().BoolVar(&payout, "payout", false, "Settlement payout request")
	return cmd
}

// signRequest decodes data as the request kind selected by the flags and sends it.
func signRequest(c *client.Client, data []byte, partial, multi, payout bool) (*client.Pending[protocol.SignTXReply], error) {
	switch {
	case payout:
		var req protocol.SignPayoutTXRequest
		if err := decodeStrict(data, &req); err != nil {
			return nil, err
		}
		return c.SignPayoutTX(req), nil
	case multi:
		var req protocol.SignTXMultiRequest
		if err := decodeStrict(data, &req); err != nil {
			return nil, err
		}
		return c.SignTXMulti(req), nil
	default:
		var req protocol.TXSignRequest
		if err := decodeStrict(data, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if partial {
			return c.SignPartialTX(req), nil
		}
		return c.SignTX(req), nil
	}
}

func syncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync WALLET FILE",
		Short: "Index externally derived addresses (lines of \"address path\")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[1])
			if err != nil {
				return err
			}
			entries, err := parseAddressLines(bytes.NewReader(data))
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.SyncAddresses(args[0], entries).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Indexed %d address(es) for %s\n", rep.Synced, rep.WalletID)
				for _, f := range rep.Failed {
					fmt.Printf("  ✗ %s\n", f)
				}
				return nil
			})
		},
	}
}

func autoSignCommand(a *app) *cobra.Command {
	var askPassword bool
	cmd := &cobra.Command{
		Use:       "autosign on|off ROOT",
		Short:     "Activate or deactivate auto-sign for a root wallet",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var activate bool
			switch args[0] {
			case "on":
				activate = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			var password []byte
			if activate {
				pw, err := inlinePassword(askPassword)
				if err != nil {
					return err
				}
				password = pw
				defer crypto.ZeroBytes(password)
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				rep, err := c.SetLimits(args[1], activate, password).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Auto-sign: %s\n", rep.State)
				fmt.Printf("  manual remaining:    %s\n", formatLimit(rep.ManualRemaining))
				fmt.Printf("  auto-sign remaining: %s\n", formatLimit(rep.AutoSignRemaining))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&askPassword, "password", "p", false, "Enter the root password now instead of when prompted")
	return cmd
}

func userIDCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "userid ID",
		Short: "Bind a trading user id to the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if _, err := c.SetUserID(args[0]).Wait(ctx); err != nil {
					return err
				}
				fmt.Printf("✓ User id set to %s\n", args[0])
				return nil
			})
		},
	}
}

func mnemonicCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mnemonic",
		Short: "Generate a new 24-word mnemonic offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMnemonic()
			if err != nil {
				return err
			}
			printMnemonic(m)
			return nil
		},
	}
}

func newMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer crypto.ZeroBytes(entropy)
	return bip39.NewMnemonic(entropy)
}

func normalizeMnemonic(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func printMnemonic(m string) {
	fmt.Println("Write down these words and keep them offline:")
	for i, w := range strings.Fields(m) {
		fmt.Printf("%2d. %-10s", i+1, w)
		if (i+1)%4 == 0 {
			fmt.Println()
		}
	}
	fmt.Println()
}

func printLeaves(leaves []protocol.LeafInfo) {
	for _, l := range leaves {
		fmt.Printf("  Leaf %s\n", l.WalletID)
		fmt.Printf("    Path: %s\n", l.Path)
		fmt.Printf("    XPub: %s\n", l.XPub)
	}
}

func printSigned(w io.Writer, rep protocol.SignTXReply) {
	if rep.Partial {
		fmt.Fprintln(w, "Partially signed (other owners must sign the remaining inputs)")
	}
	fmt.Fprintf(w, "TxHash: %s\n", rep.TxHash)
	fmt.Fprintf(w, "Signed: %s\n", hex.EncodeToString(rep.SignedTX))
}

func formatLimit(v uint64) string {
	if v == signer.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d sat", v)
}

// readNewPassword asks twice. An empty password leaves the wallet unencrypted.
func readNewPassword() ([]byte, error) {
	pw, err := secretReader("New wallet password (empty for none): ")
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		fmt.Println("⚠ The wallet will not be encrypted")
		return pw, nil
	}
	again, err := secretReader("Repeat password: ")
	defer crypto.ZeroBytes(again)
	if err != nil {
		crypto.ZeroBytes(pw)
		return nil, err
	}
	if !bytes.Equal(pw, again) {
		crypto.ZeroBytes(pw)
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}

func inlinePassword(ask bool) ([]byte, error) {
	if !ask {
		return nil, nil
	}
	return secretReader("Root wallet password: ")
}

func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request file: %w", err)
	}
	return nil
}

// parseAddressLines reads "address path" pairs; blank lines and # comments are skipped.
func parseAddressLines(r io.Reader) ([]protocol.AddressEntry, error) {
	var entries []protocol.AddressEntry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"address path\"", line)
		}
		entries = append(entries, protocol.AddressEntry{Address: fields[0], Path: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no addresses")
	}
	return entries, nil
}

func countTrue(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
