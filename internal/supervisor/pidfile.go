// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/fslock"

	"github.com/aplane-algo/bssigner/internal/fsutil"
)

// ErrPIDFileLocked means another supervisor owns the marker.
var ErrPIDFileLocked = errors.New("PID marker is held by another supervisor")

// PIDFile records the pid of the supervised signer. A sibling ".lock" file
// held for the supervisor's lifetime keeps two supervisors from sharing it.
type PIDFile struct {
	path string
	lock *fslock.Lock
	held bool
}

// NewPIDFile returns a marker at path; nothing is touched yet.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, lock: fslock.New(path + ".lock")}
}

// Path returns the marker path.
func (p *PIDFile) Path() string { return p.path }

// Acquire takes the marker lock without blocking.
func (p *PIDFile) Acquire() error {
	if p.held {
		return nil
	}
	if err := p.lock.TryLock(); err != nil {
		if errors.Is(err, fslock.ErrLocked) {
			return fmt.Errorf("%w: %s", ErrPIDFileLocked, p.path)
		}
		return fmt.Errorf("failed to lock PID marker: %w", err)
	}
	p.held = true
	return nil
}

// Release removes the marker and drops the lock.
func (p *PIDFile) Release() error {
	if !p.held {
		return nil
	}
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		_ = p.lock.Unlock()
		p.held = false
		return fmt.Errorf("failed to remove PID marker: %w", err)
	}
	p.held = false
	return p.lock.Unlock()
}

// Write records pid.
func (p *PIDFile) Write(pid int) error {
	return fsutil.WriteFileAtomic(p.path, []byte(strconv.Itoa(pid)+"\n"))
}

// Read returns the recorded pid, or 0 when there is no marker.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read PID marker: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt PID marker %s", p.path)
	}
	return pid, nil
}

// KillStale terminates the process recorded in the marker if it is still alive
// and looks like binary. It returns the pid it killed, or 0.
func (p *PIDFile) KillStale(binary string, timeout time.Duration) (int, error) {
	pid, err := p.Read()
	if err != nil {
		_ = os.Remove(p.path)
		return 0, err
	}
	if pid == 0 || pid == os.Getpid() {
		return 0, nil
	}
	defer func() { _ = os.Remove(p.path) }()

	if !processAlive(pid) {
		return 0, nil
	}
	if !processMatches(pid, binary) {
		return 0, nil
	}
	if err := terminatePID(pid); err != nil {
		return 0, fmt.Errorf("failed to stop stale process %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return pid, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := killPID(pid); err != nil {
		return 0, fmt.Errorf("failed to kill stale process %d: %w", pid, err)
	}
	return pid, nil
}
