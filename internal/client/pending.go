// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aplane-algo/bssigner/internal/protocol"
)

// Pending is a request waiting for its reply.
type Pending[T any] struct {
	ID   uint32 // zero when the request was never sent
	Type protocol.RequestType

	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newPending[T any](typ protocol.RequestType) *Pending[T] {
	return &Pending[T]{Type: typ, done: make(chan struct{})}
}

func (p *Pending[T]) resolve(v T, err error) {
	p.once.Do(func() {
		p.value, p.err = v, err
		close(p.done)
	})
}

// Done is closed once the reply (or a failure) is available.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the reply arrives or ctx is done. A reply carrying an
// error code is returned as *ReplyError.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("waiting for %s reply: %w", p.Type, ctx.Err())
	}
}

// decodeReply turns a reply envelope into T. Replies without data (Heartbeat)
// leave T zero.
func decodeReply[T any](env protocol.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	var st protocol.ReplyStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return v, fmt.Errorf("%w: undecodable %s reply: %v", ErrInvalidProtocol, env.Type, err)
	}
	if err := replyError(st); err != nil {
		return v, err
	}
	if err := env.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}
	return v, nil
}

// call sends a request whose reply decodes into T.
func call[T any](c *Client, typ protocol.RequestType, payload any) *Pending[T] {
	p := newPending[T](typ)
	id, err := c.send(typ, payload, func(env protocol.Envelope, err error) {
		if err != nil {
			var zero T
			p.resolve(zero, err)
			return
		}
		p.resolve(decodeReply[T](env))
	})
	if err != nil {
		var zero T
		p.resolve(zero, err)
		return p
	}
	p.ID = id
	return p
}
