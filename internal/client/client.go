// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package client is the Signer Client: it connects to bssignerd over any
// transport, authenticates, and exposes every signer operation as one typed
// call whose reply is collected through a Pending value.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aplane-algo/bssigner/internal/crypto"
	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/supervisor"
	"github.com/aplane-algo/bssigner/internal/transport"
	"github.com/aplane-algo/bssigner/internal/util"
)

// DefaultHandshakeTimeout bounds dialing plus authentication.
const DefaultHandshakeTimeout = 15 * time.Second

// handshakeID is the request id of the Authentication envelope on every connection.
const handshakeID = 1

type options struct {
	passwordHash     string
	clientName       string
	netType          string
	handshakeTimeout time.Duration
	supervisor       supervisor.ProcessSupervisor
	logger           *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithPassword authenticates with the hash of the connection password.
func WithPassword(password string) Option {
	return func(o *options) { o.passwordHash = util.HashPassword(password) }
}

// WithPasswordHash authenticates with an already hashed connection password.
func WithPasswordHash(hash string) Option {
	return func(o *options) { o.passwordHash = hash }
}

// WithClientName is reported to the signer for its logs.
func WithClientName(name string) Option {
	return func(o *options) { o.clientName = name }
}

// WithNetType makes the handshake fail unless the signer serves netType.
func WithNetType(netType string) Option {
	return func(o *options) { o.netType = netType }
}

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithSupervisor makes the client own a local signer process: it is started
// before dialing (unless already running) and stopped by Close.
func WithSupervisor(s supervisor.ProcessSupervisor) Option {
	return func(o *options) { o.supervisor = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type resolver func(env protocol.Envelope, err error)

type pendingReply struct {
	typ protocol.RequestType
	fn  resolver
}

// Client is safe for concurrent use.
type Client struct {
	transport transport.RemoteTransport
	opts      options
	logger    *slog.Logger
	events    *eventQueue

	mu       sync.Mutex
	conn     *transport.FrameConn
	ticket   []byte
	lastID   uint32
	pending  map[uint32]pendingReply
	ready    bool
	readyCh  chan struct{}
	readyErr error
	netType  string
	hasUI    bool
	starting bool
	closed   bool
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// New creates a client for rt. Nothing is dialed until Start.
func New(rt transport.RemoteTransport, opts ...Option) *Client {
	o := options{handshakeTimeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		transport: rt,
		opts:      o,
		logger:    util.LoggerOr(o.logger),
		events:    newEventQueue(),
		pending:   make(map[uint32]pendingReply),
	}
}

// Start connects and authenticates on a background goroutine and returns at
// once. ctx bounds only the connection attempt. The outcome is reported by
// WaitReady and as an EventReady or EventConnectFailed event. Start may be
// called again after a disconnect; request ids then start over.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.starting || c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.handshakeTimeout)
	c.starting = true
	c.cancel = cancel
	c.readyCh = make(chan struct{})
	c.readyErr = nil
	readyCh := c.readyCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.connect(cctx, readyCh)
	}()
	return nil
}

func (c *Client) connect(ctx context.Context, readyCh chan struct{}) {
	conn, rep, err := c.handshake(ctx)

	c.mu.Lock()
	c.starting = false
	if err == nil && c.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	if err != nil {
		c.readyErr = err
		close(readyCh)
		c.mu.Unlock()
		c.logger.Warn("signer connection failed", "transport", c.transport.String(), "error", err)
		c.events.push(Event{Kind: EventConnectFailed, Err: err})
		return
	}
	c.conn = conn
	c.ticket = rep.AuthTicket
	c.lastID = handshakeID
	c.ready = true
	c.netType = rep.NetType
	c.hasUI = rep.HasUI
	close(readyCh)
	c.mu.Unlock()

	c.logger.Info("connected to signer", "transport", c.transport.String(), "net", rep.NetType, "has_ui", rep.HasUI)
	c.events.push(Event{Kind: EventReady, NetType: rep.NetType, HasUI: rep.HasUI})
	c.readLoop(conn)
}

// handshake starts the supervised signer if needed, dials and authenticates.
func (c *Client) handshake(ctx context.Context) (*transport.FrameConn, protocol.AuthenticationReply, error) {
	var rep protocol.AuthenticationReply
	if sup := c.opts.supervisor; sup != nil && !sup.Running() {
		if err := sup.Start(ctx); err != nil {
			return nil, rep, fmt.Errorf("%w: local signer: %v", ErrConnect, err)
		}
	}

	rwc, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, rep, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	conn := transport.NewFrameConn(rwc)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	fail := func(err error) (*transport.FrameConn, protocol.AuthenticationReply, error) {
		stop()
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, rep, fmt.Errorf("%w: handshake: %w", ErrConnect, ctxErr)
		}
		return nil, rep, err
	}

	env, err := protocol.NewEnvelope(handshakeID, protocol.AuthenticationType, nil, protocol.AuthenticationRequest{
		PasswordHash: c.opts.passwordHash,
		NetType:      c.opts.netType,
		ClientName:   c.opts.clientName,
	})
	if err != nil {
		return fail(err)
	}
	data, err := env.Marshal()
	if err != nil {
		return fail(err)
	}
	if err := conn.WriteFrame(data); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrConnect, err))
	}

	raw, err := conn.ReadFrame()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrConnect, err))
	}
	reply, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidProtocol, err))
	}
	if reply.ID != handshakeID || reply.Type != protocol.AuthenticationType {
		return fail(fmt.Errorf("%w: expected authentication reply, got %s id %d", ErrInvalidProtocol, reply.Type, reply.ID))
	}
	rep, err = decodeReply[protocol.AuthenticationReply](reply)
	if err != nil {
		return fail(err)
	}
	if c.opts.netType != "" && rep.NetType != c.opts.netType {
		return fail(fmt.Errorf("%w: signer serves %s, client expects %s", ErrNetworkMismatch, rep.NetType, c.opts.netType))
	}
	if len(rep.AuthTicket) == 0 {
		return fail(fmt.Errorf("%w: authentication reply without ticket", ErrInvalidProtocol))
	}
	if !stop() {
		_ = conn.Close()
		return nil, rep, fmt.Errorf("%w: handshake: %w", ErrConnect, ctx.Err())
	}
	return conn, rep, nil
}

func (c *Client) readLoop(conn *transport.FrameConn) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			c.disconnect(conn, err)
			return
		}
		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		if env.ID == 0 {
			c.handlePush(env)
			continue
		}

		c.mu.Lock()
		last := c.lastID
		pr, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()

		if env.ID > last {
			c.disconnect(conn, fmt.Errorf("%w: reply id %d above last request id %d", ErrInvalidProtocol, env.ID, last))
			return
		}
		if !ok {
			c.logger.Warn("reply to unknown request", "id", env.ID, "type", env.Type)
			continue
		}
		if pr.typ != env.Type {
			pr.fn(env, fmt.Errorf("%w: %s reply to %s request %d", ErrInvalidProtocol, env.Type, pr.typ, env.ID))
			continue
		}
		pr.fn(env, nil)
	}
}

func (c *Client) handlePush(env protocol.Envelope) {
	switch env.Type {
	case protocol.PasswordType:
		var req protocol.PasswordRequest
		if err := env.Decode(&req); err != nil {
			c.logger.Warn("malformed password request", "error", err)
			return
		}
		c.events.push(Event{Kind: EventPasswordRequest, Password: &req})
	case protocol.AutoSignActType:
		var ev protocol.AutoSignEvent
		if err := env.Decode(&ev); err != nil {
			c.logger.Warn("malformed auto-sign event", "error", err)
			return
		}
		c.events.push(Event{Kind: EventAutoSign, AutoSign: &ev})
	case protocol.DisconnectionType:
		c.logger.Info("signer is shutting down")
		c.events.push(Event{Kind: EventServerDisconnect})
	default:
		c.logger.Warn("ignoring unexpected push", "type", env.Type)
	}
}

// disconnect tears conn down and fails every request waiting on it.
func (c *Client) disconnect(conn *transport.FrameConn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = false
	crypto.ZeroBytes(c.ticket)
	c.ticket = nil
	pending := c.pending
	c.pending = make(map[uint32]pendingReply)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	err := ErrDisconnected
	if cause != nil && !transport.IsClosedConnError(cause) {
		err = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
	for _, pr := range pending {
		pr.fn(protocol.Envelope{}, err)
	}
	if closed {
		return
	}
	if errors.Is(cause, ErrInvalidProtocol) {
		c.logger.Error("signer protocol violation, disconnected", "error", cause)
	} else {
		c.logger.Warn("signer connection lost", "error", cause)
	}
	c.events.push(Event{Kind: EventDisconnected, Err: err})
}

// send stamps the next id and the ticket on payload and writes it. fn, when
// not nil, receives the reply.
func (c *Client) send(typ protocol.RequestType, payload any, fn resolver) (uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if !c.ready {
		c.mu.Unlock()
		return 0, ErrNotReady
	}
	id := c.lastID + 1
	env, err := protocol.NewEnvelope(id, typ, c.ticket, payload)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	data, err := env.Marshal()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.lastID = id
	if fn != nil {
		c.pending[id] = pendingReply{typ: typ, fn: fn}
	}
	conn := c.conn
	c.mu.Unlock()

	err = conn.WriteFrame(data)
	crypto.ZeroBytes(data)
	crypto.ZeroBytes(env.Data)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return id, nil
}

// Ready reports whether requests can be sent.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// WaitReady blocks until the current connection attempt finishes and
// returns its outcome.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ch := c.readyCh
	c.mu.Unlock()
	if ch == nil {
		return ErrNotReady
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyErr != nil {
		return c.readyErr
	}
	if !c.ready {
		return ErrDisconnected
	}
	return nil
}

// NetType returns the network reported by the signer.
func (c *Client) NetType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netType
}

// HasUI reports whether the signer had an approver attached at login. Password
// prompts then go to the approver instead of arriving as events.
func (c *Client) HasUI() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasUI
}

// Events delivers notifications in the order they happened. The channel is
// closed by Close.
func (c *Client) Events() <-chan Event {
	return c.events.out
}

// Close says goodbye to the signer, drops the connection, fails pending
// requests and stops a supervised signer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var bye []byte
	if c.ready {
		c.lastID++
		if env, err := protocol.NewEnvelope(c.lastID, protocol.DisconnectionType, c.ticket, nil); err == nil {
			bye, _ = env.Marshal()
		}
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if bye != nil {
			_ = conn.WriteFrame(bye)
		}
		_ = conn.Close()
	}
	c.wg.Wait()

	var err error
	if sup := c.opts.supervisor; sup != nil && sup.Running() {
		err = sup.Stop()
	}
	c.events.close()
	return err
}
