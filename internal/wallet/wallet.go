// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package wallet holds the signer's HD wallets: a BIP39 seed per root wallet,
// optionally password-encrypted, and BIP32 leaves derived from it.
// A wallet id is the base58 of the first bytes of Hash160 of the node's public key,
// so decrypting a root and recomputing its id proves the password was right.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/aplane-algo/bssigner/internal/crypto"
)

// Sentinel errors. The signer maps these to protocol error codes.
var (
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrMissingPassword  = errors.New("wallet password required")
	ErrInvalidPassword  = errors.New("invalid wallet password")
	ErrIdentityMismatch = errors.New("decrypted key does not match wallet id")
	ErrInvalidPath      = errors.New("invalid derivation path")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrWalletExists     = errors.New("wallet already exists")
	ErrNetworkMismatch  = errors.New("wallet belongs to another network")
)

const (
	fileVersion = 1
	fileSuffix  = ".wallet.json"
	idBytes     = 6

	EncTypeUnencrypted = "unencrypted"
	EncTypePassword    = "password"
)

// NetParams returns chain parameters for a configured network name.
func NetParams(netType string) (*chaincfg.Params, error) {
	switch netType {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", netType)
	}
}

// walletFile is the on-disk form of a root wallet and its leaves.
type walletFile struct {
	Version     int              `json:"version"`
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	NetType     string           `json:"net_type"`
	Encrypted   *crypto.Envelope `json:"encrypted,omitempty"`
	Seed        string           `json:"seed,omitempty"` // hex, only for unencrypted wallets
	RankM       int              `json:"rank_m"`
	RankN       int              `json:"rank_n"`
	Leaves      []leafFile       `json:"leaves,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

type leafFile struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	XPub string `json:"xpub"`
}

func (f *walletFile) encrypted() bool {
	return f.Encrypted != nil
}

func (f *walletFile) leaf(id string) (leafFile, bool) {
	for _, l := range f.Leaves {
		if l.ID == id {
			return l, true
		}
	}
	return leafFile{}, false
}

// Info describes a wallet (root or leaf) without secrets.
type Info struct {
	ID        string
	RootID    string
	Name      string
	Path      string // empty for roots
	XPub      string
	Encrypted bool
}

// IsRoot reports whether the wallet is a root wallet.
func (i Info) IsRoot() bool { return i.ID == i.RootID }

// Leaf describes a derived leaf.
type Leaf struct {
	ID   string
	Path string
	XPub string
}

// HDInfo describes a root wallet's encryption and leaves.
type HDInfo struct {
	RootID   string
	Name     string
	EncTypes []string
	EncKeys  []string
	RankM    int
	RankN    int
	Leaves   []Leaf
}

// NodeID computes the wallet id of an extended key.
func NodeID(node *hdkeychain.ExtendedKey) (string, error) {
	pub, err := node.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}
	h := btcutil.Hash160(pub.SerializeCompressed())
	return base58.Encode(h[:idBytes]), nil
}

// VerifyIdentity recomputes the id of a decrypted root and checks it.
func VerifyIdentity(node *hdkeychain.ExtendedKey, walletID string) error {
	id, err := NodeID(node)
	if err != nil {
		return err
	}
	if id != walletID {
		return ErrIdentityMismatch
	}
	return nil
}

func decodeSeed(s string) ([]byte, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("corrupt wallet seed: %w", err)
	}
	return seed, nil
}
