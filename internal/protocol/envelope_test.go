// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package protocol

import (
	"errors"
	"testing"
)

// Numeric values are part of the wire contract.
func TestRequestTypeValuesAreStable(t *testing.T) {
	tests := []struct {
		typ  RequestType
		want uint32
	}{
		{HeartbeatType, 1},
		{AuthenticationType, 2},
		{SignTXType, 3},
		{SignPartialTXType, 4},
		{SignPayoutTXType, 5},
		{SignTXMultiType, 6},
		{PasswordType, 7},
		{SetUserIDType, 8},
		{SyncAddressType, 9},
		{CreateHDWalletType, 10},
		{DeleteHDWalletType, 11},
		{GetRootKeyType, 12},
		{SetLimitsType, 13},
		{GetHDWalletInfoType, 14},
		{ChangePasswordType, 15},
		{DisconnectionType, 16},
		{CreateHDLeafType, 17},
		{AutoSignActType, 18},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if uint32(tt.typ) != tt.want {
				t.Errorf("%s = %d, want %d", tt.typ, uint32(tt.typ), tt.want)
			}
			if !tt.typ.Known() {
				t.Errorf("%s not Known()", tt.typ)
			}
		})
	}

	if RequestType(999).Known() {
		t.Error("RequestType(999) should not be known")
	}
	if got := RequestType(999).String(); got != "RequestType(999)" {
		t.Errorf("String() = %q", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := TXSignRequest{
		WalletID:   "leaf1",
		Inputs:     []TxInput{{WalletID: "leaf1", Path: "0/0", Outpoint: "aa:0", Value: 1000}},
		Recipients: []TxOutput{{Address: "tb1qxyz", Value: 900}},
		Fee:        100,
	}
	env, err := NewEnvelope(42, SignTXType, []byte("ticket"), req)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed.ID != 42 || parsed.Type != SignTXType || string(parsed.AuthTicket) != "ticket" {
		t.Errorf("parsed header = %d %s %q", parsed.ID, parsed.Type, parsed.AuthTicket)
	}

	var got TXSignRequest
	if err := parsed.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SpendValue() != 1000 {
		t.Errorf("SpendValue = %d, want 1000", got.SpendValue())
	}
}

func TestDecodeFailuresWrapErrParse(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"empty payload", Envelope{Type: SignTXType}},
		{"garbage payload", Envelope{Type: SignTXType, Data: []byte("{not json")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req TXSignRequest
			if err := tt.env.Decode(&req); !errors.Is(err, ErrParse) {
				t.Errorf("Decode error = %v, want ErrParse", err)
			}
		})
	}

	if _, err := ParseEnvelope([]byte("nope")); !errors.Is(err, ErrParse) {
		t.Errorf("ParseEnvelope error = %v, want ErrParse", err)
	}
}

func TestTXSignRequestValidate(t *testing.T) {
	base := func() TXSignRequest {
		return TXSignRequest{
			Inputs:     []TxInput{{WalletID: "w", Outpoint: "aa:0", Value: 1000}},
			Recipients: []TxOutput{{Address: "a", Value: 500}},
			Change:     &TxOutput{Address: "c", Value: 400},
			Fee:        100,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*TXSignRequest)
		wantErr bool
	}{
		{"valid", func(*TXSignRequest) {}, false},
		{"no inputs", func(r *TXSignRequest) { r.Inputs = nil }, true},
		{"no recipients", func(r *TXSignRequest) { r.Recipients = nil }, true},
		{"zero recipient", func(r *TXSignRequest) { r.Recipients[0].Value = 0 }, true},
		{"overspend", func(r *TXSignRequest) { r.Fee = 200 }, true},
		{"duplicate recipient", func(r *TXSignRequest) {
			r.Recipients = []TxOutput{{Address: "a", Value: 250}, {Address: "a", Value: 250}}
		}, true},
		{"duplicate allowed", func(r *TXSignRequest) {
			r.Recipients = []TxOutput{{Address: "a", Value: 250}, {Address: "a", Value: 250}}
			r.KeepDuplicatedRecipients = true
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			if err := r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReplyStatusErr(t *testing.T) {
	if err := (ReplyStatus{}).Err(); err != nil {
		t.Errorf("empty status Err() = %v", err)
	}

	err := ReplyStatus{ErrorCode: SpendLimitExceeded, Error: "over"}.Err()
	if !errors.Is(err, &Error{Code: SpendLimitExceeded}) {
		t.Errorf("Err() = %v, want SpendLimitExceeded", err)
	}

	// message without code is still a failure
	err = ReplyStatus{Error: "boom"}.Err()
	if !errors.Is(err, &Error{Code: InternalError}) {
		t.Errorf("Err() = %v, want InternalError", err)
	}
}

func TestMultiRequestWalletIDs(t *testing.T) {
	req := SignTXMultiRequest{Inputs: []TxInput{
		{WalletID: "L1"}, {WalletID: "L2"}, {WalletID: "L1"}, {WalletID: "L3"},
	}}
	got := req.WalletIDs()
	want := []string{"L1", "L2", "L3"}
	if len(got) != len(want) {
		t.Fatalf("WalletIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WalletIDs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
