// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aplane-algo/bssigner/internal/util"
)

var (
	// ErrKeyRejected is returned when the signer identity key is not approved.
	ErrKeyRejected = errors.New("signer identity key rejected")

	// ErrUnknownHost is returned for an unpinned signer when no approval handler is set.
	ErrUnknownHost = errors.New("unknown signer identity")
)

// KeyChange describes a signer identity that does not match the pinned one.
// OldKey is empty when the signer was never seen before.
type KeyChange struct {
	Address string
	OldKey  string // SHA256 fingerprint
	NewKey  string // SHA256 fingerprint
}

// KeyChangeApprovalHandler decides whether a new signer identity may be trusted.
// It must be an explicit decision; returning false aborts the connection.
type KeyChangeApprovalHandler func(change KeyChange) (bool, error)

// ClientOptions configure an SSH signer connection.
type ClientOptions struct {
	Host           string
	Port           int
	IdentityFile   string // empty uses ssh-agent
	KnownHostsPath string
	ApproveKey     KeyChangeApprovalHandler
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Client dials a signer over SSH. It implements transport.RemoteTransport;
// every Dial opens a new SSH connection carrying one signer channel.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger
	mu     sync.Mutex
}

// NewClient creates an SSH signer client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{opts: opts, logger: util.LoggerOr(opts.Logger)}
}

// SetKeyApprovalHandler replaces the identity approval callback.
func (c *Client) SetKeyApprovalHandler(h KeyChangeApprovalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.ApproveKey = h
}

func (c *Client) String() string {
	return fmt.Sprintf("ssh://%s", c.address())
}

func (c *Client) address() string {
	return net.JoinHostPort(c.opts.Host, fmt.Sprint(c.opts.Port))
}

// Dial connects, verifies the signer identity and opens the signer channel.
func (c *Client) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	authMethod, agentConn, err := c.authMethod()
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		closeAgent()
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            "bssigner",
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.opts.Timeout,
	}

	addr := c.address()
	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	stop()
	if err != nil {
		_ = netConn.Close()
		closeAgent()
		return nil, fmt.Errorf("SSH connection failed: %w", err)
	}
	sshClient := ssh.NewClient(sc, chans, reqs)

	channel, requests, err := sshClient.OpenChannel(ChannelType, nil)
	if err != nil {
		_ = sshClient.Close()
		closeAgent()
		return nil, fmt.Errorf("failed to open signer channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	conn := &channelConn{Channel: channel, client: sshClient, agentConn: agentConn, done: make(chan struct{})}
	go c.keepalive(conn)
	return conn, nil
}

func (c *Client) authMethod() (ssh.AuthMethod, net.Conn, error) {
	if c.opts.IdentityFile != "" {
		signer, err := LoadOrGenerateIdentity(c.opts.IdentityFile)
		if err != nil {
			return nil, nil, err
		}
		return ssh.PublicKeys(signer), nil, nil
	}

	agentSock := os.Getenv("SSH_AUTH_SOCK")
	if agentSock == "" {
		return nil, nil, fmt.Errorf("no SSH identity file configured and SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", agentSock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

func (c *Client) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.opts.KnownHostsPath == "" {
		return nil, fmt.Errorf("known_hosts path is empty")
	}
	path := util.ExpandUserPath(c.opts.KnownHostsPath)

	var pinned ssh.HostKeyCallback
	if _, err := os.Stat(path); err == nil {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", path, err)
		}
		pinned = cb
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		change := KeyChange{Address: hostname, NewKey: ssh.FingerprintSHA256(key)}

		if pinned != nil {
			err := pinned(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) {
				return err
			}
			if len(keyErr.Want) > 0 {
				change.OldKey = ssh.FingerprintSHA256(keyErr.Want[0].Key)
			}
		}

		c.mu.Lock()
		approve := c.opts.ApproveKey
		c.mu.Unlock()

		if approve == nil {
			if change.OldKey != "" {
				return fmt.Errorf("%w: %s changed from %s to %s", ErrKeyRejected, hostname, change.OldKey, change.NewKey)
			}
			return fmt.Errorf("%w: %s (key %s); add it to %s", ErrUnknownHost, hostname, change.NewKey, path)
		}

		ok, err := approve(change)
		if err != nil {
			return fmt.Errorf("identity key approval failed: %w", err)
		}
		if !ok {
			return ErrKeyRejected
		}

		if change.OldKey != "" {
			err = replaceKnownHost(path, hostname, key)
		} else {
			err = appendLine(path, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
		}
		if err != nil {
			return fmt.Errorf("failed to save signer key: %w", err)
		}
		c.logger.Info("pinned signer identity", "address", hostname, "key", change.NewKey)
		return nil
	}, nil
}

func (c *Client) keepalive(conn *channelConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if _, _, err := conn.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("ssh keepalive failed", "address", c.address(), "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// channelConn closes the whole SSH connection with its channel.
type channelConn struct {
	ssh.Channel
	client    *ssh.Client
	agentConn net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *channelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Channel.Close()
		err = c.client.Close()
		if c.agentConn != nil {
			_ = c.agentConn.Close()
		}
	})
	return err
}
