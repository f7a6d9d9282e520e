// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package audit writes the signer's append-only JSON-lines audit trail.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aplane-algo/bssigner/internal/fsutil"
)

// EventType represents the type of audit event
type EventType string

// DefaultMaxSize is the size at which the log is rotated to <path>.1.
const DefaultMaxSize = 10 * 1024 * 1024 // 10 MB

const auditFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

const (
	ServerStart         EventType = "SERVER_START"
	ServerStop          EventType = "SERVER_STOP"
	WalletsReloaded     EventType = "WALLETS_RELOADED"
	SessionConnected    EventType = "SESSION_CONNECTED"
	SessionDisconnected EventType = "SESSION_DISCONNECTED"
	AuthFailed          EventType = "AUTH_FAILED"
	TicketMismatch      EventType = "TICKET_MISMATCH"
	SignCompleted       EventType = "SIGN_COMPLETED"
	SignFailed          EventType = "SIGN_FAILED"
	SpendLimitExceeded  EventType = "SPEND_LIMIT_EXCEEDED"
	AutoSignActivated   EventType = "AUTOSIGN_ACTIVATED"
	AutoSignDeactivated EventType = "AUTOSIGN_DEACTIVATED"
	WalletCreated       EventType = "WALLET_CREATED"
	LeafCreated         EventType = "LEAF_CREATED"
	WalletDeleted       EventType = "WALLET_DELETED"
	PasswordChanged     EventType = "PASSWORD_CHANGED"
	RootKeyExported     EventType = "ROOT_KEY_EXPORTED"
	ApproverConnected   EventType = "APPROVER_CONNECTED"
)

// Entry represents a single audit log entry. Secrets never go here.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     EventType `json:"event"`
	ClientID  string    `json:"client_id,omitempty"`
	Request   string    `json:"request,omitempty"` // request type name
	WalletID  string    `json:"wallet_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Value     uint64    `json:"value,omitempty"`  // satoshis
	Reason    string    `json:"reason,omitempty"` // failure or transition reason
	Count     int       `json:"count,omitempty"`  // wallet count for reloads
	Path      string    `json:"path,omitempty"`   // backup or leaf path
}

// Logger handles append-only audit logging.
// A nil *Logger discards every entry.
type Logger struct {
	file    *os.File
	mu      sync.Mutex
	path    string
	maxSize uint64
	written uint64
}

// Open opens (or creates) the audit log in append-only mode with signer file permissions.
func Open(path string) (*Logger, error) {
	file, err := fsutil.CreateFile(path, auditFlags)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	var written uint64
	if info, err := file.Stat(); err == nil {
		written = uint64(info.Size())
	}
	return &Logger{file: file, path: path, maxSize: DefaultMaxSize, written: written}, nil
}

// SetMaxSize changes the rotation threshold.
func (a *Logger) SetMaxSize(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxSize = n
}

// Log writes an audit entry and syncs it to disk.
func (a *Logger) Log(entry Entry) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to marshal audit entry: %v\n", err)
		return
	}

	line := append(data, '\n')
	if a.written+uint64(len(line)) > a.maxSize {
		if err := a.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to rotate audit log: %v\n", err)
		}
	}

	if _, err := a.file.Write(line); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write audit entry: %v\n", err)
		return
	}
	a.written += uint64(len(line))
	_ = a.file.Sync()
}

// rotate archives the current log file and opens a fresh one.
// Must be called with a.mu held.
func (a *Logger) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	if err := os.Rename(a.path, a.path+".1"); err != nil {
		a.file, _ = fsutil.CreateFile(a.path, auditFlags)
		a.written = 0
		return fmt.Errorf("rename log: %w", err)
	}
	file, err := fsutil.CreateFile(a.path, auditFlags)
	if err != nil {
		return fmt.Errorf("open new log: %w", err)
	}
	a.file = file
	a.written = 0
	return nil
}

// Close closes the audit log file
func (a *Logger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// LogAuthFailed logs a rejected Authentication request.
func (a *Logger) LogAuthFailed(clientID, reason string) {
	a.Log(Entry{Event: AuthFailed, ClientID: clientID, Reason: reason})
}

// LogSign logs the outcome of a sign request.
func (a *Logger) LogSign(clientID, request, walletID, txHash string, value uint64, err error) {
	e := Entry{ClientID: clientID, Request: request, WalletID: walletID, TxHash: txHash, Value: value, Event: SignCompleted}
	if err != nil {
		e.Event = SignFailed
		e.Reason = err.Error()
	}
	a.Log(e)
}

// LogAutoSign logs an auto-sign transition.
func (a *Logger) LogAutoSign(walletID string, active bool, reason string) {
	e := Entry{Event: AutoSignDeactivated, WalletID: walletID, Reason: reason}
	if active {
		e.Event = AutoSignActivated
	}
	a.Log(e)
}

// LogMutation logs a wallet mutation (create, leaf, delete, password change).
func (a *Logger) LogMutation(event EventType, clientID, walletID, path string) {
	a.Log(Entry{Event: event, ClientID: clientID, WalletID: walletID, Path: path})
}

// LogSession logs a session connect or disconnect.
func (a *Logger) LogSession(event EventType, clientID, reason string) {
	a.Log(Entry{Event: event, ClientID: clientID, Reason: reason})
}

// LogServerStart logs the startup of the signer.
func (a *Logger) LogServerStart(walletCount int) {
	a.Log(Entry{Event: ServerStart, Count: walletCount})
}

// LogServerStop logs the shutdown of the signer.
func (a *Logger) LogServerStop() {
	a.Log(Entry{Event: ServerStop})
}
