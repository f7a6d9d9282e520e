// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu           sync.Mutex
	connected    []string
	data         [][]byte
	disconnected []string
	senders      map[string]Sender
	gotData      chan struct{}
	gone         chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		senders: make(map[string]Sender),
		gotData: make(chan struct{}, 16),
		gone:    make(chan struct{}, 16),
	}
}

func (h *recordingHandler) OnClientConnected(clientID string, conn Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, clientID)
	h.senders[clientID] = conn
}

func (h *recordingHandler) OnDataFromClient(clientID string, data []byte) {
	h.mu.Lock()
	h.data = append(h.data, append([]byte(nil), data...))
	sender := h.senders[clientID]
	h.mu.Unlock()
	_ = sender.Send(append([]byte("echo:"), data...))
	h.gotData <- struct{}{}
}

func (h *recordingHandler) OnClientDisconnected(clientID string) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, clientID)
	h.mu.Unlock()
	h.gone <- struct{}{}
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestServeConnDeliversFramesInOrder(t *testing.T) {
	server, client := net.Pipe()
	h := newRecordingHandler()

	done := make(chan struct{})
	go func() {
		ServeConn(context.Background(), server, "c1", h, nil)
		close(done)
	}()

	fc := NewFrameConn(client)
	for _, msg := range []string{`{"id":1}`, `{"id":2}`} {
		if err := fc.WriteFrame([]byte(msg)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		reply, err := fc.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(reply) != "echo:"+msg {
			t.Errorf("reply = %q", reply)
		}
		wait(t, h.gotData)
	}

	_ = fc.Close()
	wait(t, h.gone)
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.connected) != 1 || h.connected[0] != "c1" {
		t.Errorf("connected = %v", h.connected)
	}
	if len(h.data) != 2 || string(h.data[0]) != `{"id":1}` || string(h.data[1]) != `{"id":2}` {
		t.Errorf("data = %q", h.data)
	}
	if len(h.disconnected) != 1 {
		t.Errorf("disconnected = %v", h.disconnected)
	}
}

func TestServeConnStopsOnContextCancel(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ServeConn(ctx, server, "c1", h, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after cancel")
	}
	wait(t, h.gone)
}

func TestWriteFrameRejectsDelimiter(t *testing.T) {
	_, client := net.Pipe()
	fc := NewFrameConn(client)
	defer fc.Close()

	if err := fc.WriteFrame([]byte("a\nb")); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("WriteFrame = %v, want ErrInvalidFrame", err)
	}
}

func TestReadFrameLargerThanBuffer(t *testing.T) {
	server, client := net.Pipe()
	reader := NewFrameConn(server)
	writer := NewFrameConn(client)

	payload := strings.Repeat("x", 200*1024)
	go func() { _ = writer.WriteFrame([]byte(payload)) }()

	got, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != len(payload) {
		t.Errorf("len = %d, want %d", len(got), len(payload))
	}
}

func TestServerServeUnix(t *testing.T) {
	dir, err := os.MkdirTemp("", "bst")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "s.sock")

	ln, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %o, want 600", info.Mode().Perm())
	}

	h := newRecordingHandler()
	srv := NewServer(ln, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	rwc, err := (&UnixTransport{Path: path}).Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fc := NewFrameConn(rwc)
	if err := fc.WriteJSON(map[string]int{"id": 7}); err != nil {
		t.Fatal(err)
	}
	reply, err := fc.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != `echo:{"id":7}` {
		t.Errorf("reply = %q", reply)
	}
	_ = fc.Close()
	wait(t, h.gone)

	cancel()
	if err := <-served; err != nil {
		t.Errorf("Serve = %v", err)
	}
}

func TestListenUnixRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ListenUnix(path); err == nil {
		t.Error("expected error for regular file")
	}
}

func TestIsClosedConnError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{net.ErrClosed, true},
		{errors.New("write: broken pipe"), true},
		{errors.New("something else"), false},
	}
	for _, tt := range tests {
		if got := IsClosedConnError(tt.err); got != tt.want {
			t.Errorf("IsClosedConnError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
