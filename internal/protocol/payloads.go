// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package protocol

import "fmt"

// AuthenticationRequest opens a session. It is the only envelope sent without a ticket.
type AuthenticationRequest struct {
	PasswordHash string `json:"password_hash,omitempty"` // hex SHA-256 of the connection password
	NetType      string `json:"net_type,omitempty"`
	ClientName   string `json:"client_name,omitempty"`
}

// AuthenticationReply carries the session ticket on success.
type AuthenticationReply struct {
	ReplyStatus
	AuthTicket []byte `json:"auth_ticket,omitempty"`
	HasUI      bool   `json:"has_ui"`
	NetType    string `json:"net_type"`
}

// TxInput is one spent output and the leaf key that controls it.
type TxInput struct {
	WalletID string `json:"wallet_id"`
	Path     string `json:"path"`     // address path below the leaf, e.g. "0/5"
	Outpoint string `json:"outpoint"` // "<txid>:<vout>"
	Value    uint64 `json:"value"`    // satoshis
}

// TxOutput is a payment to an address.
type TxOutput struct {
	Address string `json:"address"`
	Value   uint64 `json:"value"`
}

// TXSignRequest is the payload of SignTX and SignPartialTX.
type TXSignRequest struct {
	WalletID                 string     `json:"wallet_id"`
	Inputs                   []TxInput  `json:"inputs"`
	Recipients               []TxOutput `json:"recipients"`
	Change                   *TxOutput  `json:"change,omitempty"`
	Fee                      uint64     `json:"fee"`
	AutoSign                 bool       `json:"auto_sign,omitempty"`
	Password                 []byte     `json:"password,omitempty"`
	KeepDuplicatedRecipients bool       `json:"keep_duplicated_recipients,omitempty"`
}

// SpendValue is the amount leaving the wallet: recipients plus fee, change excluded.
func (r *TXSignRequest) SpendValue() uint64 {
	var total uint64
	for _, out := range r.Recipients {
		total += out.Value
	}
	return total + r.Fee
}

// Validate rejects structurally impossible requests.
func (r *TXSignRequest) Validate() error {
	if len(r.Inputs) == 0 {
		return fmt.Errorf("no inputs")
	}
	if len(r.Recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	var in, out uint64
	for _, i := range r.Inputs {
		in += i.Value
	}
	for _, o := range r.Recipients {
		if o.Value == 0 {
			return fmt.Errorf("zero-value recipient %s", o.Address)
		}
		out += o.Value
	}
	if r.Change != nil {
		out += r.Change.Value
	}
	if in < out+r.Fee {
		return fmt.Errorf("inputs %d do not cover outputs %d plus fee %d", in, out, r.Fee)
	}
	if !r.KeepDuplicatedRecipients {
		seen := make(map[string]bool, len(r.Recipients))
		for _, o := range r.Recipients {
			if seen[o.Address] {
				return fmt.Errorf("duplicated recipient %s", o.Address)
			}
			seen[o.Address] = true
		}
	}
	return nil
}

// SignPayoutTXRequest signs a settlement payout with the key behind AuthAddress.
type SignPayoutTXRequest struct {
	WalletID     string   `json:"wallet_id"`
	Input        TxInput  `json:"input"`
	Recipient    TxOutput `json:"recipient"`
	Fee          uint64   `json:"fee"`
	AuthAddress  string   `json:"auth_address"`
	SettlementID string   `json:"settlement_id"`
	Password     []byte   `json:"password,omitempty"`
}

// SignTXMultiRequest spends inputs that may belong to leaves of several roots.
type SignTXMultiRequest struct {
	Inputs     []TxInput  `json:"inputs"`
	Recipients []TxOutput `json:"recipients"`
	Change     *TxOutput  `json:"change,omitempty"`
	Fee        uint64     `json:"fee"`
}

// TXSignRequest views the multi request as a plain sign request for validation and signing.
func (r *SignTXMultiRequest) TXSignRequest() *TXSignRequest {
	return &TXSignRequest{
		Inputs:     r.Inputs,
		Recipients: r.Recipients,
		Change:     r.Change,
		Fee:        r.Fee,
	}
}

// WalletIDs returns the distinct input wallets in first-seen order.
func (r *SignTXMultiRequest) WalletIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, in := range r.Inputs {
		if !seen[in.WalletID] {
			seen[in.WalletID] = true
			ids = append(ids, in.WalletID)
		}
	}
	return ids
}

// SignTXReply answers every sign request.
type SignTXReply struct {
	ReplyStatus
	SignedTX []byte `json:"signed_tx,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
}

// PasswordRequest is pushed (ID 0) when the signer needs a wallet password and
// no interactive UI is attached to it.
type PasswordRequest struct {
	WalletID   string      `json:"wallet_id"`
	WalletName string      `json:"wallet_name,omitempty"`
	Request    RequestType `json:"request"`
	Prompt     string      `json:"prompt"`
}

// PasswordReply answers a PasswordRequest. It has no reply of its own.
type PasswordReply struct {
	WalletID  string `json:"wallet_id"`
	Password  []byte `json:"password,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// SetUserIDRequest sets the trading user bound to the session.
type SetUserIDRequest struct {
	UserID string `json:"user_id"`
}

// SetUserIDReply acknowledges SetUserIDRequest.
type SetUserIDReply struct {
	ReplyStatus
}

// AddressEntry is an externally derived address to index.
type AddressEntry struct {
	Address string `json:"address"`
	Path    string `json:"path"`
}

// SyncAddressRequest adds addresses to the signer's index for a leaf.
type SyncAddressRequest struct {
	WalletID  string         `json:"wallet_id"`
	Addresses []AddressEntry `json:"addresses"`
}

// SyncAddressReply reports which addresses were indexed.
type SyncAddressReply struct {
	ReplyStatus
	WalletID string   `json:"wallet_id"`
	Synced   int      `json:"synced"`
	Failed   []string `json:"failed,omitempty"`
}

// LeafInfo describes one leaf wallet.
type LeafInfo struct {
	WalletID string `json:"wallet_id"`
	Path     string `json:"path"`
	XPub     string `json:"xpub"`
}

// CreateHDWalletRequest creates a root wallet, optionally restoring from a mnemonic.
type CreateHDWalletRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Mnemonic    string   `json:"mnemonic,omitempty"`
	Password    []byte   `json:"password,omitempty"`
	Leaves      []string `json:"leaves,omitempty"` // leaf paths to create immediately
}

// CreateHDWalletReply returns the new root id and any leaves created.
type CreateHDWalletReply struct {
	ReplyStatus
	WalletID string     `json:"wallet_id"`
	Leaves   []LeafInfo `json:"leaves,omitempty"`
}

// CreateHDLeafRequest derives a new leaf under an existing root.
type CreateHDLeafRequest struct {
	RootWalletID string `json:"root_wallet_id"`
	Path         string `json:"path"`
	Password     []byte `json:"password,omitempty"`
}

// CreateHDLeafReply returns the created leaf.
type CreateHDLeafReply struct {
	ReplyStatus
	Leaf LeafInfo `json:"leaf"`
}

// DeleteHDWalletRequest deletes a root wallet or a single leaf.
type DeleteHDWalletRequest struct {
	WalletID string `json:"wallet_id"`
	Password []byte `json:"password,omitempty"` // root password, prompted when empty
}

// DeleteHDWalletReply reports the backup taken before deletion.
type DeleteHDWalletReply struct {
	ReplyStatus
	WalletID   string `json:"wallet_id"`
	BackupPath string `json:"backup_path,omitempty"`
}

// GetRootKeyRequest asks for the decrypted root key.
type GetRootKeyRequest struct {
	RootWalletID string `json:"root_wallet_id"`
	Password     []byte `json:"password,omitempty"`
}

// GetRootKeyReply carries the extended private root key.
type GetRootKeyReply struct {
	ReplyStatus
	RootWalletID string `json:"root_wallet_id"`
	XPriv        string `json:"xpriv,omitempty"`
}

// GetHDWalletInfoRequest queries wallet encryption metadata.
type GetHDWalletInfoRequest struct {
	RootWalletID string `json:"root_wallet_id"`
}

// GetHDWalletInfoReply describes a root wallet.
type GetHDWalletInfoReply struct {
	ReplyStatus
	RootWalletID string     `json:"root_wallet_id"`
	Name         string     `json:"name,omitempty"`
	EncTypes     []string   `json:"enc_types,omitempty"`
	EncKeys      []string   `json:"enc_keys,omitempty"`
	RankM        int        `json:"rank_m"`
	RankN        int        `json:"rank_n"`
	Leaves       []LeafInfo `json:"leaves,omitempty"`
}

// ChangePasswordRequest re-encrypts a root wallet.
// An empty NewPassword removes encryption.
type ChangePasswordRequest struct {
	RootWalletID string `json:"root_wallet_id"`
	OldPassword  []byte `json:"old_password,omitempty"`
	NewPassword  []byte `json:"new_password,omitempty"`
}

// ChangePasswordReply acknowledges a password change.
type ChangePasswordReply struct {
	ReplyStatus
	RootWalletID string `json:"root_wallet_id"`
}

// SetLimitsRequest activates or deactivates auto-sign for a root wallet.
type SetLimitsRequest struct {
	RootWalletID     string `json:"root_wallet_id"`
	ActivateAutoSign bool   `json:"activate_auto_sign"`
	Password         []byte `json:"password,omitempty"`
}

// SetLimitsReply reports the resulting auto-sign state and remaining limits.
type SetLimitsReply struct {
	ReplyStatus
	RootWalletID      string `json:"root_wallet_id"`
	AutoSignActive    bool   `json:"auto_sign_active"`
	State             string `json:"state"`
	ManualRemaining   uint64 `json:"manual_remaining"`
	AutoSignRemaining uint64 `json:"auto_sign_remaining"`
}

// AutoSignEvent is pushed (ID 0) on every auto-sign transition.
type AutoSignEvent struct {
	RootWalletID string `json:"root_wallet_id"`
	Active       bool   `json:"active"`
	Reason       string `json:"reason,omitempty"`
}
