// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// errNotOwned marks an input the signer holds no unlocked key for.
var errNotOwned = errors.New("input not owned")

// Input is a spent output controlled by a leaf key at Path below the leaf.
type Input struct {
	WalletID string
	Path     string
	Outpoint string // "<txid>:<vout>"
	Value    uint64
}

// Output pays Value to Address.
type Output struct {
	Address string
	Value   uint64
}

// TxSpec is an unsigned segwit v0 transaction.
type TxSpec struct {
	Inputs  []Input
	Outputs []Output
}

// PayoutSpec is a single-input settlement payout authorised by AuthAddress.
type PayoutSpec struct {
	Input       Input
	Recipient   Output
	Fee         uint64
	AuthAddress string
}

// SignedTx is a serialized transaction.
type SignedTx struct {
	Raw      []byte
	Hash     string
	Signed   int
	Complete bool
}

// Address returns the P2WPKH address at path below a leaf. No password is needed.
func (m *Manager) Address(walletID, path string) (string, error) {
	info, err := m.Lookup(walletID)
	if err != nil {
		return "", err
	}
	if info.IsRoot() {
		return "", fmt.Errorf("%w: %s is a root wallet", ErrInvalidRequest, walletID)
	}
	xpub, err := hdkeychain.NewKeyFromString(info.XPub)
	if err != nil {
		return "", fmt.Errorf("corrupt leaf key for %s: %w", walletID, err)
	}
	return m.addressAt(xpub, path)
}

func (m *Manager) addressAt(node *hdkeychain.ExtendedKey, path string) (string, error) {
	p, err := ParseDerivationPath(path)
	if err != nil {
		return "", err
	}
	child, err := Derive(node, p)
	if err != nil {
		return "", err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", err
	}
	addr, err := m.p2wpkh(pub)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (m *Manager) p2wpkh(pub *btcec.PublicKey) (*btcutil.AddressWitnessPubKeyHash, error) {
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), m.params)
}

func parseOutpoint(s string) (*wire.OutPoint, error) {
	txid, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: outpoint %q must be <txid>:<vout>", ErrInvalidRequest, s)
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: outpoint txid: %v", ErrInvalidRequest, err)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: outpoint index: %v", ErrInvalidRequest, err)
	}
	return wire.NewOutPoint(hash, uint32(vout)), nil
}

type signJob struct {
	index    int
	key      *btcec.PrivateKey
	pkScript []byte
	value    int64
}

// inputKey derives the private key and script for an input.
// It returns errNotOwned when the input's wallet is unknown or locked.
func (m *Manager) inputKey(in Input, masters map[string]*hdkeychain.ExtendedKey) (*btcec.PrivateKey, []byte, error) {
	info, err := m.Lookup(in.WalletID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errNotOwned, err)
	}
	master, ok := masters[info.RootID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is locked", errNotOwned, info.RootID)
	}

	var full DerivationPath
	if !info.IsRoot() {
		leafPath, err := ParseDerivationPath(info.Path)
		if err != nil {
			return nil, nil, err
		}
		full = append(full, leafPath...)
	}
	rel, err := ParseDerivationPath(in.Path)
	if err != nil {
		return nil, nil, err
	}
	full = append(full, rel...)

	node, err := Derive(master, full)
	if err != nil {
		return nil, nil, err
	}
	key, err := node.ECPrivKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get private key: %w", err)
	}
	addr, err := m.p2wpkh(key.PubKey())
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	return key, pkScript, nil
}

// SignTx builds and signs a transaction with the decrypted masters (keyed by root id).
// With partial set, inputs whose wallet is unknown or locked are left unsigned;
// otherwise they fail the whole request.
func (m *Manager) SignTx(spec TxSpec, masters map[string]*hdkeychain.ExtendedKey, partial bool) (*SignedTx, error) {
	if len(spec.Inputs) == 0 || len(spec.Outputs) == 0 {
		return nil, fmt.Errorf("%w: transaction needs inputs and outputs", ErrInvalidRequest)
	}

	tx := wire.NewMsgTx(2)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	var jobs []signJob

	for i, in := range spec.Inputs {
		op, err := parseOutpoint(in.Outpoint)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))

		key, pkScript, err := m.inputKey(in, masters)
		switch {
		case err == nil:
			jobs = append(jobs, signJob{index: i, key: key, pkScript: pkScript, value: int64(in.Value)})
			fetcher.AddPrevOut(*op, wire.NewTxOut(int64(in.Value), pkScript))
		case partial && errors.Is(err, errNotOwned):
			fetcher.AddPrevOut(*op, wire.NewTxOut(int64(in.Value), nil))
		case errors.Is(err, errNotOwned):
			if _, lookupErr := m.Lookup(in.WalletID); lookupErr != nil {
				return nil, fmt.Errorf("input %d: %w", i, lookupErr)
			}
			return nil, fmt.Errorf("input %d: %w: %s", i, ErrMissingPassword, in.WalletID)
		default:
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}

	for _, out := range spec.Outputs {
		addr, err := btcutil.DecodeAddress(out.Address, m.params)
		if err != nil || !addr.IsForNet(m.params) {
			return nil, fmt.Errorf("%w: address %s is not valid for %s", ErrInvalidRequest, out.Address, m.params.Name)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(out.Value), script))
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: no input can be signed", ErrInvalidRequest)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for _, j := range jobs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, j.index, j.value, j.pkScript, txscript.SigHashAll, j.key, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", j.index, err)
		}
		tx.TxIn[j.index].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return &SignedTx{
		Raw:      buf.Bytes(),
		Hash:     tx.TxHash().String(),
		Signed:   len(jobs),
		Complete: len(jobs) == len(tx.TxIn),
	}, nil
}

// SignPayout signs a settlement payout. The input must be controlled by the key
// behind AuthAddress; an empty input path is resolved through the address index.
func (m *Manager) SignPayout(spec PayoutSpec, master *hdkeychain.ExtendedKey) (*SignedTx, error) {
	in := spec.Input
	if in.Value < spec.Recipient.Value+spec.Fee {
		return nil, fmt.Errorf("%w: input %d does not cover payout %d plus fee %d", ErrInvalidRequest, in.Value, spec.Recipient.Value, spec.Fee)
	}
	if in.Path == "" {
		path, err := m.LookupAddressPath(in.WalletID, spec.AuthAddress)
		if err != nil {
			return nil, err
		}
		in.Path = path
	}
	addr, err := m.Address(in.WalletID, in.Path)
	if err != nil {
		return nil, err
	}
	if addr != spec.AuthAddress {
		return nil, fmt.Errorf("%w: auth address %s does not control the payout input", ErrInvalidRequest, spec.AuthAddress)
	}

	rootID, err := m.RootOf(in.WalletID)
	if err != nil {
		return nil, err
	}
	return m.SignTx(TxSpec{Inputs: []Input{in}, Outputs: []Output{spec.Recipient}}, map[string]*hdkeychain.ExtendedKey{rootID: master}, false)
}
