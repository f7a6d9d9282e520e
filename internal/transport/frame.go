// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package transport moves opaque messages between the signer and its clients.
// Every message is a single line terminated by newline; payloads are JSON so
// they never contain a raw newline.
package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds a single message.
const MaxFrameSize = 4 << 20

// FrameConn is a line-delimited message connection.
// Writes are serialized; reads must come from a single goroutine.
type FrameConn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	wmu    sync.Mutex
}

// NewFrameConn wraps rwc.
func NewFrameConn(rwc io.ReadWriteCloser) *FrameConn {
	return &FrameConn{rwc: rwc, reader: bufio.NewReaderSize(rwc, 64*1024)}
}

// WriteFrame sends one message.
func (c *FrameConn) WriteFrame(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return ErrInvalidFrame
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rwc.Write(buf)
	return err
}

// Send implements Sender.
func (c *FrameConn) Send(data []byte) error {
	return c.WriteFrame(data)
}

// WriteJSON marshals v and sends it as one message.
func (c *FrameConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

// ReadFrame reads the next message without its trailing newline.
func (c *FrameConn) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameSize+1 {
			return nil, ErrFrameTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	return line[:len(line)-1], nil
}

// SetReadDeadline sets a relative read deadline if the underlying conn supports it.
func (c *FrameConn) SetReadDeadline(d time.Duration) {
	if dc, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dc.SetReadDeadline(time.Now().Add(d))
	}
}

// ClearReadDeadline removes any read deadline.
func (c *FrameConn) ClearReadDeadline() {
	if dc, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dc.SetReadDeadline(time.Time{})
	}
}

// Close closes the underlying connection.
func (c *FrameConn) Close() error {
	return c.rwc.Close()
}

// Compile-time interface check
var _ Sender = (*FrameConn)(nil)

// ReadJSON reads one message into v.
func (c *FrameConn) ReadJSON(v any) error {
	data, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}
	return nil
}
