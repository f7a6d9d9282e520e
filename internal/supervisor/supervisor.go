// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package supervisor owns a locally spawned signer process: it kills stale
// instances recorded in a PID marker, starts the binary, and stops it again.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aplane-algo/bssigner/internal/util"
)

var (
	ErrBinaryNotFound = errors.New("signer binary not found")
	ErrAlreadyRunning = errors.New("signer process already running")
	ErrExitedEarly    = errors.New("signer process exited during start-up")
)

// DefaultStopTimeout is how long Stop waits for a graceful exit before killing.
const DefaultStopTimeout = 5 * time.Second

// ProcessSupervisor is the capability a client composes in to own its signer.
type ProcessSupervisor interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	PID() int
}

// SignerArgs are the arguments a supervised bssignerd is started with.
type SignerArgs struct {
	DataDir            string
	Listen             string
	Port               int
	WalletsDir         string
	NetType            string
	AutoSignSpendLimit uint64
}

// Args renders the command line.
func (a SignerArgs) Args() []string {
	listen := a.Listen
	if listen == "" {
		listen = "127.0.0.1"
	}
	args := []string{"-listen", listen, "-port", strconv.Itoa(a.Port)}
	if a.DataDir != "" {
		args = append(args, "-d", a.DataDir)
	}
	if a.WalletsDir != "" {
		args = append(args, "-dirwallets", a.WalletsDir)
	}
	switch a.NetType {
	case util.NetTestnet:
		args = append(args, "-testnet")
	case util.NetMainnet:
		args = append(args, "-mainnet")
	}
	if a.AutoSignSpendLimit > 0 {
		args = append(args, "-auto_sign_spend_limit", strconv.FormatUint(a.AutoSignSpendLimit, 10))
	}
	return args
}

// ExecConfig configures an ExecSupervisor.
type ExecConfig struct {
	Binary      string
	Args        []string
	PIDFile     string // empty disables stale-process tracking
	StartDelay  time.Duration
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// ExecSupervisor runs the signer as a child process.
type ExecSupervisor struct {
	cfg    ExecConfig
	logger *slog.Logger
	pid    *PIDFile

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

var _ ProcessSupervisor = (*ExecSupervisor)(nil)

// NewExecSupervisor creates a supervisor; nothing is started yet.
func NewExecSupervisor(cfg ExecConfig) *ExecSupervisor {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	s := &ExecSupervisor{cfg: cfg, logger: util.LoggerOr(cfg.Logger)}
	if cfg.PIDFile != "" {
		s.pid = NewPIDFile(cfg.PIDFile)
	}
	return s
}

// Start kills any stale instance, spawns the binary and waits StartDelay.
// A process that exits before the delay elapses is reported as ErrExitedEarly.
func (s *ExecSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	path, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, s.cfg.Binary)
	}

	if s.pid != nil {
		if err := s.pid.Acquire(); err != nil {
			s.mu.Unlock()
			return err
		}
		killed, err := s.pid.KillStale(filepath.Base(path), s.cfg.StopTimeout)
		if err != nil {
			s.logger.Warn("failed to kill stale signer", "error", err)
		} else if killed != 0 {
			s.logger.Info("killed stale signer process", "pid", killed)
		}
	}

	cmd := exec.Command(path, s.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.releasePID()
		s.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.releasePID()
		s.mu.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.releasePID()
		s.mu.Unlock()
		return fmt.Errorf("failed to start signer: %w", err)
	}

	if s.pid != nil {
		if err := s.pid.Write(cmd.Process.Pid); err != nil {
			s.logger.Warn("failed to write PID marker", "error", err)
		}
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.err = nil
	s.mu.Unlock()

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.forward(&pipes, "stdout", stdout)
	go s.forward(&pipes, "stderr", stderr)
	go func() {
		// Pipes must be drained before Wait closes them.
		pipes.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("signer started", "pid", cmd.Process.Pid, "binary", path)

	if s.cfg.StartDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.cfg.StartDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-done:
		s.mu.Lock()
		exitErr := s.err
		s.cmd = nil
		s.mu.Unlock()
		s.releasePID()
		return fmt.Errorf("%w: %v", ErrExitedEarly, exitErr)
	case <-ctx.Done():
		_ = s.Stop()
		return ctx.Err()
	}
}

func (s *ExecSupervisor) forward(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("signer output", "stream", stream, "line", scanner.Text())
	}
}

func (s *ExecSupervisor) releasePID() {
	if s.pid == nil {
		return
	}
	if err := s.pid.Release(); err != nil {
		s.logger.Warn("failed to release PID marker", "error", err)
	}
}

// Stop asks the process to exit, kills it after StopTimeout, and removes the PID marker.
func (s *ExecSupervisor) Stop() error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	defer s.releasePID()

	if err := terminate(cmd.Process); err != nil {
		s.logger.Debug("graceful stop failed", "error", err)
	}
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
	s.logger.Info("signer stopped", "pid", cmd.Process.Pid)
	return nil
}

// Running reports whether the child is alive.
func (s *ExecSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// PID returns the child's pid, or 0 when not running.
func (s *ExecSupervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed when the child exits.
func (s *ExecSupervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}
