// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package protocol

// Approver IPC message types. The approver is the interactive UI attached to
// bssignerd over a unix socket; it answers password prompts locally.
const (
	// Authentication message types (sent before any other messages)
	MsgTypeAuthRequired = "auth_required"
	MsgTypeAuth         = "auth"
	MsgTypeAuthResult   = "auth_result"

	// Password negotiation
	MsgTypePasswordPrompt   = "password_prompt"
	MsgTypePasswordResponse = "password_response"
	MsgTypePromptCancelled  = "prompt_cancelled" // Server → approver: waiters went away

	// Server-initiated notifications
	MsgTypeStatus   = "status"
	MsgTypeAutoSign = "auto_sign"
	MsgTypeError    = "error"

	// Single-approver enforcement
	MsgTypeClientExists    = "client_exists"    // Server → new approver: another approver is connected
	MsgTypeDisplaceConfirm = "displace_confirm" // New approver → server: proceed with displacement
	MsgTypeDisplaced       = "displaced"        // Server → old approver: you've been displaced
)

// BaseMessage is the base structure for all approver messages
type BaseMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"` // Unique request ID for correlation
}

// AuthRequiredMessage is sent by the signer when an approver connects
type AuthRequiredMessage struct {
	BaseMessage
}

// AuthMessage is sent by the approver to authenticate the IPC session
type AuthMessage struct {
	BaseMessage
	Token string `json:"token"`
}

// AuthResultMessage is sent back after an authentication attempt
type AuthResultMessage struct {
	BaseMessage
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PasswordPromptMessage asks the operator for a wallet password.
// ID is the wallet id the password unlocks.
type PasswordPromptMessage struct {
	BaseMessage
	WalletName string `json:"wallet_name,omitempty"`
	Request    string `json:"request"` // Operation that needs the password
	Prompt     string `json:"prompt"`
	ClientID   string `json:"client_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// PasswordResponseMessage answers a prompt. Cancelled resolves waiters with no password.
type PasswordResponseMessage struct {
	BaseMessage
	Password  []byte `json:"password,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// PromptCancelledMessage tells the approver a prompt no longer has waiters
type PromptCancelledMessage struct {
	BaseMessage
	Reason string `json:"reason"`
}

// StatusMessage is sent to communicate signer status
type StatusMessage struct {
	BaseMessage
	NetType        string   `json:"net_type"`
	WalletCount    int      `json:"wallet_count"`
	Sessions       int      `json:"sessions"`
	AutoSignActive []string `json:"auto_sign_active,omitempty"`
}

// AutoSignMessage mirrors AutoSignEvent to the approver
type AutoSignMessage struct {
	BaseMessage
	RootWalletID string `json:"root_wallet_id"`
	Active       bool   `json:"active"`
	Reason       string `json:"reason,omitempty"`
}

// ErrorMessage is sent for error conditions
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}

// ClientExistsMessage is sent to a new approver when another one is connected.
type ClientExistsMessage struct {
	BaseMessage
}

// DisplaceConfirmMessage confirms displacement of the existing approver.
type DisplaceConfirmMessage struct {
	BaseMessage
}

// DisplacedMessage is sent to the old approver when it is displaced.
type DisplacedMessage struct {
	BaseMessage
	Reason string `json:"reason"`
}
