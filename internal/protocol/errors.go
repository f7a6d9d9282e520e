// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package protocol

import "fmt"

// ErrorCode is the typed failure carried in reply payloads.
type ErrorCode int

const (
	NoError ErrorCode = iota
	AuthFailure
	ParseFailure
	InvalidRequest
	WalletNotFound
	MissingPassword
	InvalidPassword
	SpendLimitExceeded
	InternalError

	// Client-observed conditions; never sent by the server.
	ConnectionError
	Timeout
	InvalidProtocol
	NetworkTypeMismatch
)

var errorCodeNames = map[ErrorCode]string{
	NoError:             "NoError",
	AuthFailure:         "AuthFailure",
	ParseFailure:        "ParseFailure",
	InvalidRequest:      "InvalidRequest",
	WalletNotFound:      "WalletNotFound",
	MissingPassword:     "MissingPassword",
	InvalidPassword:     "InvalidPassword",
	SpendLimitExceeded:  "SpendLimitExceeded",
	InternalError:       "InternalError",
	ConnectionError:     "ConnectionError",
	Timeout:             "Timeout",
	InvalidProtocol:     "InvalidProtocol",
	NetworkTypeMismatch: "NetworkTypeMismatch",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a typed protocol failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds a typed protocol error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ReplyStatus is embedded in every reply payload.
type ReplyStatus struct {
	ErrorCode ErrorCode `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Err returns nil for a successful reply or the typed error.
func (s ReplyStatus) Err() error {
	if s.ErrorCode == NoError && s.Error == "" {
		return nil
	}
	code := s.ErrorCode
	if code == NoError {
		code = InternalError
	}
	return &Error{Code: code, Message: s.Error}
}

// StatusFor builds a ReplyStatus from a typed error.
func StatusFor(err *Error) ReplyStatus {
	if err == nil {
		return ReplyStatus{}
	}
	return ReplyStatus{ErrorCode: err.Code, Error: err.Message}
}
