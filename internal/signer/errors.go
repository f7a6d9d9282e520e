// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"errors"

	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/wallet"
)

var (
	ErrSpendLimitExceeded = errors.New("spend limit exceeded")
	ErrPasswordCancelled  = errors.New("password prompt cancelled")
	ErrAutoSignInactive   = errors.New("auto-sign is not active")
	ErrMixedRoots         = errors.New("inputs belong to several root wallets")
)

// errorCode maps an internal error to the code sent on the wire.
func errorCode(err error) protocol.ErrorCode {
	var perr *protocol.Error
	switch {
	case err == nil:
		return protocol.NoError
	case errors.As(err, &perr):
		return perr.Code
	case errors.Is(err, ErrSpendLimitExceeded):
		return protocol.SpendLimitExceeded
	case errors.Is(err, protocol.ErrParse):
		return protocol.ParseFailure
	case errors.Is(err, wallet.ErrWalletNotFound):
		return protocol.WalletNotFound
	case errors.Is(err, wallet.ErrMissingPassword), errors.Is(err, ErrPasswordCancelled):
		return protocol.MissingPassword
	case errors.Is(err, wallet.ErrInvalidPassword), errors.Is(err, wallet.ErrIdentityMismatch):
		return protocol.InvalidPassword
	case errors.Is(err, wallet.ErrInvalidRequest),
		errors.Is(err, wallet.ErrInvalidPath),
		errors.Is(err, wallet.ErrWalletExists),
		errors.Is(err, ErrAutoSignInactive),
		errors.Is(err, ErrMixedRoots),
		errors.Is(err, auth.ErrForbidden):
		return protocol.InvalidRequest
	default:
		return protocol.InternalError
	}
}

// statusOf builds the reply status for err.
func statusOf(err error) protocol.ReplyStatus {
	if err == nil {
		return protocol.ReplyStatus{}
	}
	return protocol.ReplyStatus{ErrorCode: errorCode(err), Error: err.Error()}
}
