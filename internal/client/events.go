// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package client

import (
	"sync"

	"github.com/aplane-algo/bssigner/internal/protocol"
)

// EventKind tells what an Event carries.
type EventKind int

const (
	// EventReady follows a successful handshake.
	EventReady EventKind = iota
	// EventConnectFailed reports a failed start, dial or handshake.
	EventConnectFailed
	// EventPasswordRequest asks the caller for a wallet password (see SendPassword).
	EventPasswordRequest
	// EventAutoSign reports an auto-sign transition of a root wallet.
	EventAutoSign
	// EventServerDisconnect announces that the signer is shutting down.
	EventServerDisconnect
	// EventDisconnected reports the loss of the connection.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "Ready"
	case EventConnectFailed:
		return "ConnectFailed"
	case EventPasswordRequest:
		return "PasswordRequest"
	case EventAutoSign:
		return "AutoSign"
	case EventServerDisconnect:
		return "ServerDisconnect"
	case EventDisconnected:
		return "Disconnected"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from the client.
type Event struct {
	Kind     EventKind
	NetType  string // EventReady
	HasUI    bool   // EventReady: prompts go to the signer's approver
	Password *protocol.PasswordRequest
	AutoSign *protocol.AutoSignEvent
	Err      error // EventConnectFailed, EventDisconnected
}

// eventQueue delivers events in order without ever blocking the producer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	out    chan Event
	stop   chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan Event), stop: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stop:
			return
		}
	}
}

// close stops delivery and closes the channel; undelivered events are dropped.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	close(q.stop)
}
