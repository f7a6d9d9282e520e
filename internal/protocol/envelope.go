// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package protocol defines the headless signer wire protocol shared between
// bssignerd (server) and its clients, plus the approver IPC messages.
// This is the single source of truth for the wire protocol.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RequestType identifies the operation carried by an envelope.
// Values are part of the wire contract and must never be renumbered.
type RequestType uint32

const (
	HeartbeatType       RequestType = 1
	AuthenticationType  RequestType = 2
	SignTXType          RequestType = 3
	SignPartialTXType   RequestType = 4
	SignPayoutTXType    RequestType = 5
	SignTXMultiType     RequestType = 6
	PasswordType        RequestType = 7
	SetUserIDType       RequestType = 8
	SyncAddressType     RequestType = 9
	CreateHDWalletType  RequestType = 10
	DeleteHDWalletType  RequestType = 11
	GetRootKeyType      RequestType = 12
	SetLimitsType       RequestType = 13
	GetHDWalletInfoType RequestType = 14
	ChangePasswordType  RequestType = 15
	DisconnectionType   RequestType = 16
	CreateHDLeafType    RequestType = 17
	AutoSignActType     RequestType = 18 // server push
)

var requestTypeNames = map[RequestType]string{
	HeartbeatType:       "Heartbeat",
	AuthenticationType:  "Authentication",
	SignTXType:          "SignTX",
	SignPartialTXType:   "SignPartialTX",
	SignPayoutTXType:    "SignPayoutTX",
	SignTXMultiType:     "SignTXMulti",
	PasswordType:        "Password",
	SetUserIDType:       "SetUserId",
	SyncAddressType:     "SyncAddress",
	CreateHDWalletType:  "CreateHDWallet",
	DeleteHDWalletType:  "DeleteHDWallet",
	GetRootKeyType:      "GetRootKey",
	SetLimitsType:       "SetLimits",
	GetHDWalletInfoType: "GetHDWalletInfo",
	ChangePasswordType:  "ChangePassword",
	DisconnectionType:   "Disconnection",
	CreateHDLeafType:    "CreateHDLeaf",
	AutoSignActType:     "AutoSignAct",
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RequestType(%d)", uint32(t))
}

// Known reports whether t is part of the protocol.
func (t RequestType) Known() bool {
	_, ok := requestTypeNames[t]
	return ok
}

// ErrParse wraps every envelope or payload decoding failure.
var ErrParse = errors.New("failed to parse")

// Envelope is the unit exchanged on the wire.
// ID 0 marks an unsolicited server push; replies echo the request ID.
// Data holds the operation-specific payload and is opaque at this level.
type Envelope struct {
	ID         uint32      `json:"id"`
	Type       RequestType `json:"type"`
	AuthTicket []byte      `json:"auth_ticket,omitempty"`
	Data       []byte      `json:"data,omitempty"`
}

// NewEnvelope serializes payload into a new envelope. A nil payload leaves Data empty.
func NewEnvelope(id uint32, typ RequestType, ticket []byte, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ, AuthTicket: ticket}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to serialize %s payload: %w", typ, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode parses the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w %s payload: empty", ErrParse, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w %s payload: %v", ErrParse, e.Type, err)
	}
	return nil
}

// Marshal serializes the envelope for the transport.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes an envelope received from the transport.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w envelope: %v", ErrParse, err)
	}
	return env, nil
}
