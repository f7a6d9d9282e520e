// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/wallet"
)

// Wallets is the key-holding layer the listener drives.
// *wallet.Manager implements it.
type Wallets interface {
	NetType() string
	Count() int
	Lookup(walletID string) (wallet.Info, error)
	RootOf(walletID string) (string, error)
	Decrypt(rootID string, password []byte) (*hdkeychain.ExtendedKey, error)
	SignTx(spec wallet.TxSpec, masters map[string]*hdkeychain.ExtendedKey, partial bool) (*wallet.SignedTx, error)
	SignPayout(spec wallet.PayoutSpec, master *hdkeychain.ExtendedKey) (*wallet.SignedTx, error)
	CreateWallet(name, description, mnemonic string, password []byte, leafPaths []string) (string, []wallet.Leaf, error)
	CreateLeaf(rootID string, master *hdkeychain.ExtendedKey, path string) (wallet.Leaf, error)
	Backup(rootID string) (string, error)
	Delete(walletID string) (string, error)
	ChangePassword(rootID string, oldPassword, newPassword []byte) error
	HDInfo(walletID string) (wallet.HDInfo, error)
	SyncAddresses(walletID string, entries []wallet.AddressEntry) (int, []string, error)
}

var _ Wallets = (*wallet.Manager)(nil)

func leafInfo(l wallet.Leaf) protocol.LeafInfo {
	return protocol.LeafInfo{WalletID: l.ID, Path: l.Path, XPub: l.XPub}
}
