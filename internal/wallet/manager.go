// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package wallet

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/fsutil"
	"github.com/aplane-algo/bssigner/internal/util"
)

// Options configure a Manager.
type Options struct {
	Dir       string
	BackupDir string // default <Dir>/../backup
	IndexDir  string // empty disables the address index
	NetType   string
	KDF       crypto.KDFParams // zero value means crypto.DefaultKDFParams
	Logger    *slog.Logger
	OnReload  func() // called after Watch reloads the directory
}

// Manager owns the wallet files in a directory.
// It is safe for concurrent use.
type Manager struct {
	opts   Options
	params *chaincfg.Params
	logger *slog.Logger
	index  *AddressIndex

	mu     sync.RWMutex
	roots  map[string]*walletFile
	leaves map[string]string // leaf id -> root id
}

// Open loads every wallet in opts.Dir.
func Open(opts Options) (*Manager, error) {
	params, err := NetParams(opts.NetType)
	if err != nil {
		return nil, err
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(filepath.Clean(opts.Dir)), "backup")
	}
	if opts.KDF == (crypto.KDFParams{}) {
		opts.KDF = crypto.DefaultKDFParams
	}
	if err := fsutil.MkdirAll(opts.Dir); err != nil {
		return nil, fmt.Errorf("failed to create wallets directory: %w", err)
	}

	m := &Manager{
		opts:   opts,
		params: params,
		logger: util.LoggerOr(opts.Logger),
		roots:  make(map[string]*walletFile),
		leaves: make(map[string]string),
	}
	if opts.IndexDir != "" {
		idx, err := OpenAddressIndex(opts.IndexDir)
		if err != nil {
			return nil, err
		}
		m.index = idx
	}
	if err := m.Reload(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the address index.
func (m *Manager) Close() error {
	if m.index != nil {
		return m.index.Close()
	}
	return nil
}

// Dir returns the wallets directory.
func (m *Manager) Dir() string { return m.opts.Dir }

// NetType returns the network the wallets belong to.
func (m *Manager) NetType() string { return m.opts.NetType }

// Params returns the chain parameters.
func (m *Manager) Params() *chaincfg.Params { return m.params }

// Reload rescans the wallets directory.
// Files that cannot be parsed or belong to another network are skipped.
func (m *Manager) Reload() error {
	matches, err := filepath.Glob(filepath.Join(m.opts.Dir, "*"+fileSuffix))
	if err != nil {
		return fmt.Errorf("failed to scan wallets directory: %w", err)
	}

	roots := make(map[string]*walletFile, len(matches))
	leaves := make(map[string]string)
	for _, path := range matches {
		f, err := readWalletFile(path)
		if err != nil {
			m.logger.Warn("skipping wallet file", "path", path, "error", err)
			continue
		}
		if f.NetType != m.opts.NetType {
			m.logger.Warn("skipping wallet for another network", "wallet", f.ID, "net", f.NetType)
			continue
		}
		roots[f.ID] = f
		for _, l := range f.Leaves {
			leaves[l.ID] = f.ID
		}
	}

	m.mu.Lock()
	m.roots = roots
	m.leaves = leaves
	m.mu.Unlock()

	m.logger.Debug("wallets loaded", "count", len(roots), "leaves", len(leaves))
	return nil
}

func readWalletFile(path string) (*walletFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f walletFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported wallet file version %d", f.Version)
	}
	if f.ID == "" || (f.Encrypted == nil && f.Seed == "") {
		return nil, fmt.Errorf("incomplete wallet file")
	}
	if want := f.ID + fileSuffix; filepath.Base(path) != want {
		return nil, fmt.Errorf("file name does not match wallet id %s", f.ID)
	}
	return &f, nil
}

func (m *Manager) filePath(rootID string) string {
	return filepath.Join(m.opts.Dir, rootID+fileSuffix)
}

func (m *Manager) save(f *walletFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize wallet: %w", err)
	}
	return fsutil.WriteFileAtomic(m.filePath(f.ID), data)
}

// snapshot returns a deep copy of a root wallet file.
func (m *Manager) snapshot(rootID string) (*walletFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.roots[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, rootID)
	}
	cp := *f
	cp.Leaves = append([]leafFile(nil), f.Leaves...)
	return &cp, nil
}

// Count returns the number of root wallets.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.roots)
}

// Roots returns the sorted ids of all root wallets.
func (m *Manager) Roots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.roots))
	for id := range m.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup describes a root or leaf wallet.
func (m *Manager) Lookup(walletID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f, ok := m.roots[walletID]; ok {
		return Info{ID: f.ID, RootID: f.ID, Name: f.Name, Encrypted: f.encrypted()}, nil
	}
	if rootID, ok := m.leaves[walletID]; ok {
		f := m.roots[rootID]
		l, _ := f.leaf(walletID)
		return Info{ID: l.ID, RootID: f.ID, Name: f.Name, Path: l.Path, XPub: l.XPub, Encrypted: f.encrypted()}, nil
	}
	return Info{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
}

// RootOf returns the root wallet id for a root or leaf id.
func (m *Manager) RootOf(walletID string) (string, error) {
	info, err := m.Lookup(walletID)
	if err != nil {
		return "", err
	}
	return info.RootID, nil
}

// Decrypt opens a root wallet and returns its master node after verifying its identity.
// Unencrypted wallets ignore password.
func (m *Manager) Decrypt(rootID string, password []byte) (*hdkeychain.ExtendedKey, error) {
	f, err := m.snapshot(rootID)
	if err != nil {
		return nil, err
	}
	seed, err := m.openSeed(f, password)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed)

	master, err := hdkeychain.NewMaster(seed, m.params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	if err := VerifyIdentity(master, f.ID); err != nil {
		return nil, err
	}
	return master, nil
}

func (m *Manager) openSeed(f *walletFile, password []byte) ([]byte, error) {
	if !f.encrypted() {
		return decodeSeed(f.Seed)
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingPassword, f.ID)
	}
	seed, err := crypto.Decrypt(f.Encrypted, password)
	if errors.Is(err, crypto.ErrDecrypt) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPassword, f.ID)
	}
	return seed, err
}

func (m *Manager) sealSeed(f *walletFile, seed, password []byte) error {
	if len(password) == 0 {
		f.Encrypted = nil
		f.Seed = hex.EncodeToString(seed)
		return nil
	}
	env, err := crypto.Encrypt(seed, password, m.opts.KDF)
	if err != nil {
		return fmt.Errorf("failed to encrypt wallet: %w", err)
	}
	f.Encrypted = env
	f.Seed = ""
	return nil
}

// CreateWallet creates a root wallet from mnemonic (generated when empty)
// with the given leaves. Nothing is written unless every step succeeds.
func (m *Manager) CreateWallet(name, description, mnemonic string, password []byte, leafPaths []string) (string, []Leaf, error) {
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return "", nil, fmt.Errorf("failed to generate entropy: %w", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return "", nil, fmt.Errorf("failed to generate mnemonic: %w", err)
		}
	}
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", nil, fmt.Errorf("%w: invalid mnemonic", ErrInvalidRequest)
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer crypto.ZeroBytes(seed)

	master, err := hdkeychain.NewMaster(seed, m.params)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create master key: %w", err)
	}
	rootID, err := NodeID(master)
	if err != nil {
		return "", nil, err
	}

	f := &walletFile{
		Version:     fileVersion,
		ID:          rootID,
		Name:        name,
		Description: description,
		NetType:     m.opts.NetType,
		RankM:       1,
		RankN:       1,
		CreatedAt:   time.Now().UTC(),
	}
	if f.Name == "" {
		f.Name = rootID
	}
	var created []Leaf
	for _, p := range leafPaths {
		l, err := deriveLeaf(master, p)
		if err != nil {
			return "", nil, err
		}
		f.Leaves = append(f.Leaves, l)
		created = append(created, Leaf(l))
	}
	if err := m.sealSeed(f, seed, password); err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roots[rootID]; exists {
		return "", nil, fmt.Errorf("%w: %s", ErrWalletExists, rootID)
	}
	if err := m.save(f); err != nil {
		return "", nil, fmt.Errorf("failed to persist wallet %s: %w", rootID, err)
	}
	m.roots[rootID] = f
	for _, l := range f.Leaves {
		m.leaves[l.ID] = rootID
	}
	return rootID, created, nil
}

func deriveLeaf(master *hdkeychain.ExtendedKey, path string) (leafFile, error) {
	p, err := ParseLeafPath(path)
	if err != nil {
		return leafFile{}, err
	}
	node, err := Derive(master, p)
	if err != nil {
		return leafFile{}, err
	}
	pub, err := node.Neuter()
	if err != nil {
		return leafFile{}, fmt.Errorf("failed to neuter leaf key: %w", err)
	}
	id, err := NodeID(node)
	if err != nil {
		return leafFile{}, err
	}
	return leafFile{ID: id, Path: p.String(), XPub: pub.String()}, nil
}

// CreateLeaf derives a new leaf under a root. The caller supplies the decrypted master.
func (m *Manager) CreateLeaf(rootID string, master *hdkeychain.ExtendedKey, path string) (Leaf, error) {
	if err := VerifyIdentity(master, rootID); err != nil {
		return Leaf{}, err
	}
	l, err := deriveLeaf(master, path)
	if err != nil {
		return Leaf{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.roots[rootID]
	if !ok {
		return Leaf{}, fmt.Errorf("%w: %s", ErrWalletNotFound, rootID)
	}
	if existing, ok := f.leaf(l.ID); ok {
		return Leaf(existing), nil
	}

	updated := *f
	updated.Leaves = append(append([]leafFile(nil), f.Leaves...), l)
	if err := m.save(&updated); err != nil {
		return Leaf{}, fmt.Errorf("failed to persist leaf %s: %w", l.Path, err)
	}
	m.roots[rootID] = &updated
	m.leaves[l.ID] = rootID
	return Leaf(l), nil
}

// Delete removes a root wallet (with all its leaves) or a single leaf.
// The root is backed up first; the backup path is returned.
func (m *Manager) Delete(walletID string) (string, error) {
	info, err := m.Lookup(walletID)
	if err != nil {
		return "", err
	}
	backupPath, err := m.Backup(info.RootID)
	if err != nil {
		return "", fmt.Errorf("backup before delete failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.roots[info.RootID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWalletNotFound, info.RootID)
	}

	var removed []string
	if info.IsRoot() {
		if err := os.Remove(m.filePath(f.ID)); err != nil {
			return "", fmt.Errorf("failed to remove wallet file: %w", err)
		}
		delete(m.roots, f.ID)
		for _, l := range f.Leaves {
			delete(m.leaves, l.ID)
			removed = append(removed, l.ID)
		}
	} else {
		updated := *f
		updated.Leaves = nil
		for _, l := range f.Leaves {
			if l.ID != walletID {
				updated.Leaves = append(updated.Leaves, l)
			}
		}
		if err := m.save(&updated); err != nil {
			return "", fmt.Errorf("failed to persist wallet: %w", err)
		}
		m.roots[f.ID] = &updated
		delete(m.leaves, walletID)
		removed = append(removed, walletID)
	}

	if m.index != nil {
		for _, id := range removed {
			if err := m.index.DeleteWallet(id); err != nil {
				m.logger.Warn("failed to drop address index entries", "wallet", id, "error", err)
			}
		}
	}
	return backupPath, nil
}

// ChangePassword re-encrypts a root wallet. An empty newPassword removes encryption.
func (m *Manager) ChangePassword(rootID string, oldPassword, newPassword []byte) error {
	f, err := m.snapshot(rootID)
	if err != nil {
		return err
	}
	seed, err := m.openSeed(f, oldPassword)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(seed)

	master, err := hdkeychain.NewMaster(seed, m.params)
	if err != nil {
		return fmt.Errorf("failed to create master key: %w", err)
	}
	if err := VerifyIdentity(master, rootID); err != nil {
		return err
	}
	if _, err := m.Backup(rootID); err != nil {
		return fmt.Errorf("backup before password change failed: %w", err)
	}
	if err := m.sealSeed(f, seed, newPassword); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roots[rootID]; !ok {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, rootID)
	}
	if err := m.save(f); err != nil {
		return fmt.Errorf("failed to persist wallet: %w", err)
	}
	m.roots[rootID] = f
	return nil
}

// HDInfo describes a root wallet.
func (m *Manager) HDInfo(walletID string) (HDInfo, error) {
	rootID, err := m.RootOf(walletID)
	if err != nil {
		return HDInfo{}, err
	}
	f, err := m.snapshot(rootID)
	if err != nil {
		return HDInfo{}, err
	}

	info := HDInfo{RootID: f.ID, Name: f.Name, RankM: f.RankM, RankN: f.RankN}
	if f.encrypted() {
		info.EncTypes = []string{EncTypePassword}
		info.EncKeys = []string{""}
	} else {
		info.EncTypes = []string{EncTypeUnencrypted}
	}
	for _, l := range f.Leaves {
		info.Leaves = append(info.Leaves, Leaf(l))
	}
	return info, nil
}

// RootKey returns the extended private key of a decrypted root.
func RootKey(master *hdkeychain.ExtendedKey) string {
	return master.String()
}
