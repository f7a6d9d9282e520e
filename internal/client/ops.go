// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package client

import (
	"github.com/aplane-algo/bssigner/internal/protocol"
)

// Heartbeat checks that the signer answers.
func (c *Client) Heartbeat() *Pending[struct{}] {
	return call[struct{}](c, protocol.HeartbeatType, nil)
}

// SignTX signs a transaction whose inputs all belong to req.WalletID's root.
func (c *Client) SignTX(req protocol.TXSignRequest) *Pending[protocol.SignTXReply] {
	return call[protocol.SignTXReply](c, protocol.SignTXType, req)
}

// SignPartialTX signs the inputs the signer owns and leaves the rest.
func (c *Client) SignPartialTX(req protocol.TXSignRequest) *Pending[protocol.SignTXReply] {
	return call[protocol.SignTXReply](c, protocol.SignPartialTXType, req)
}

// SignPayoutTX signs a settlement payout.
func (c *Client) SignPayoutTX(req protocol.SignPayoutTXRequest) *Pending[protocol.SignTXReply] {
	return call[protocol.SignTXReply](c, protocol.SignPayoutTXType, req)
}

// SignTXMulti signs inputs spread over several root wallets.
func (c *Client) SignTXMulti(req protocol.SignTXMultiRequest) *Pending[protocol.SignTXReply] {
	return call[protocol.SignTXReply](c, protocol.SignTXMultiType, req)
}

// SetUserID binds a trading user id to the session.
func (c *Client) SetUserID(userID string) *Pending[protocol.SetUserIDReply] {
	return call[protocol.SetUserIDReply](c, protocol.SetUserIDType, protocol.SetUserIDRequest{UserID: userID})
}

// SyncAddresses indexes externally derived addresses of a leaf.
func (c *Client) SyncAddresses(walletID string, addrs []protocol.AddressEntry) *Pending[protocol.SyncAddressReply] {
	return call[protocol.SyncAddressReply](c, protocol.SyncAddressType, protocol.SyncAddressRequest{
		WalletID:  walletID,
		Addresses: addrs,
	})
}

// CreateHDWallet creates or restores a root wallet.
func (c *Client) CreateHDWallet(req protocol.CreateHDWalletRequest) *Pending[protocol.CreateHDWalletReply] {
	return call[protocol.CreateHDWalletReply](c, protocol.CreateHDWalletType, req)
}

// CreateHDLeaf derives a leaf at path under rootID. A nil password makes the
// signer prompt for it.
func (c *Client) CreateHDLeaf(rootID, path string, password []byte) *Pending[protocol.CreateHDLeafReply] {
	return call[protocol.CreateHDLeafReply](c, protocol.CreateHDLeafType, protocol.CreateHDLeafRequest{
		RootWalletID: rootID,
		Path:         path,
		Password:     password,
	})
}

// DeleteHDWallet deletes a root wallet with its leaves, or a single leaf.
// An encrypted root needs its password; nil means the signer prompts.
func (c *Client) DeleteHDWallet(walletID string, password []byte) *Pending[protocol.DeleteHDWalletReply] {
	return call[protocol.DeleteHDWalletReply](c, protocol.DeleteHDWalletType, protocol.DeleteHDWalletRequest{WalletID: walletID, Password: password})
}

// GetRootKey exports the extended private key of rootID.
func (c *Client) GetRootKey(rootID string, password []byte) *Pending[protocol.GetRootKeyReply] {
	return call[protocol.GetRootKeyReply](c, protocol.GetRootKeyType, protocol.GetRootKeyRequest{
		RootWalletID: rootID,
		Password:     password,
	})
}

// GetHDWalletInfo describes rootID and its leaves.
func (c *Client) GetHDWalletInfo(rootID string) *Pending[protocol.GetHDWalletInfoReply] {
	return call[protocol.GetHDWalletInfoReply](c, protocol.GetHDWalletInfoType, protocol.GetHDWalletInfoRequest{RootWalletID: rootID})
}

// ChangePassword re-encrypts rootID. An empty newPassword removes encryption.
func (c *Client) ChangePassword(rootID string, oldPassword, newPassword []byte) *Pending[protocol.ChangePasswordReply] {
	return call[protocol.ChangePasswordReply](c, protocol.ChangePasswordType, protocol.ChangePasswordRequest{
		RootWalletID: rootID,
		OldPassword:  oldPassword,
		NewPassword:  newPassword,
	})
}

// SetLimits activates or deactivates auto-sign for rootID.
func (c *Client) SetLimits(rootID string, activate bool, password []byte) *Pending[protocol.SetLimitsReply] {
	return call[protocol.SetLimitsReply](c, protocol.SetLimitsType, protocol.SetLimitsRequest{
		RootWalletID:     rootID,
		ActivateAutoSign: activate,
		Password:         password,
	})
}

// SendPassword answers an EventPasswordRequest for walletID.
func (c *Client) SendPassword(walletID string, password []byte) error {
	_, err := c.send(protocol.PasswordType, protocol.PasswordReply{WalletID: walletID, Password: password}, nil)
	return err
}

// CancelPassword declines an EventPasswordRequest; the waiting requests fail
// with MissingPassword.
func (c *Client) CancelPassword(walletID string) error {
	_, err := c.send(protocol.PasswordType, protocol.PasswordReply{WalletID: walletID, Cancelled: true}, nil)
	return err
}
