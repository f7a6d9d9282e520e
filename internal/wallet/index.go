// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/syndtr/goleveldb/leveldb"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
)

// AddressIndex maps addresses to their derivation path below a leaf.
// Keys are "addr/<walletID>/<address>".
type AddressIndex struct {
	db *leveldb.DB
}

// OpenAddressIndex opens (or creates) the LevelDB index in dir.
func OpenAddressIndex(dir string) (*AddressIndex, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open address index %s: %w", dir, err)
	}
	return &AddressIndex{db: db}, nil
}

func indexPrefix(walletID string) []byte {
	return []byte("addr/" + walletID + "/")
}

func indexKey(walletID, address string) []byte {
	return append(indexPrefix(walletID), address...)
}

// Put records address at path for walletID.
func (x *AddressIndex) Put(walletID, address, path string) error {
	if err := x.db.Put(indexKey(walletID, address), []byte(path), nil); err != nil {
		return fmt.Errorf("failed to index %s: %w", address, err)
	}
	return nil
}

// Get returns the path of address, or ErrWalletNotFound if it is not indexed.
func (x *AddressIndex) Get(walletID, address string) (string, error) {
	v, err := x.db.Get(indexKey(walletID, address), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", fmt.Errorf("%w: address %s not indexed for %s", ErrWalletNotFound, address, walletID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read address index: %w", err)
	}
	return string(v), nil
}

// Count returns the number of addresses indexed for walletID.
func (x *AddressIndex) Count(walletID string) (int, error) {
	iter := x.db.NewIterator(lvlutil.BytesPrefix(indexPrefix(walletID)), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// DeleteWallet drops every entry of walletID.
func (x *AddressIndex) DeleteWallet(walletID string) error {
	iter := x.db.NewIterator(lvlutil.BytesPrefix(indexPrefix(walletID)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return x.db.Write(batch, nil)
}

// Close closes the database.
func (x *AddressIndex) Close() error {
	return x.db.Close()
}

// AddressEntry is an externally derived address to verify and index.
type AddressEntry struct {
	Address string
	Path    string
}

// SyncAddresses verifies each address against the leaf's public key and indexes
// the ones that match. Addresses that fail verification are returned.
func (m *Manager) SyncAddresses(walletID string, entries []AddressEntry) (int, []string, error) {
	if m.index == nil {
		return 0, nil, fmt.Errorf("address index disabled")
	}
	info, err := m.Lookup(walletID)
	if err != nil {
		return 0, nil, err
	}
	if info.IsRoot() {
		return 0, nil, fmt.Errorf("%w: addresses belong to leaves, not root %s", ErrInvalidRequest, walletID)
	}
	xpub, err := hdkeychain.NewKeyFromString(info.XPub)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt leaf key for %s: %w", walletID, err)
	}

	synced := 0
	var failed []string
	for _, e := range entries {
		addr, err := m.addressAt(xpub, e.Path)
		if err != nil || addr != e.Address {
			failed = append(failed, e.Address)
			continue
		}
		if err := m.index.Put(walletID, e.Address, e.Path); err != nil {
			return synced, failed, err
		}
		synced++
	}
	return synced, failed, nil
}

// LookupAddressPath returns the indexed path of an address under a leaf.
func (m *Manager) LookupAddressPath(walletID, address string) (string, error) {
	if m.index == nil {
		return "", fmt.Errorf("address index disabled")
	}
	return m.index.Get(walletID, address)
}
