// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	a.LogServerStart(3)
	a.LogSign("c1", "SignTX", "w1", "abcd", 5000, nil)
	a.LogSign("c1", "SignTX", "w1", "", 5000, errors.New("spend limit exceeded"))
	a.LogAutoSign("root1", false, "spend limit reached")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, path)
	want := []EventType{ServerStart, SignCompleted, SignFailed, AutoSignDeactivated}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Event != want[i] {
			t.Errorf("entry %d event = %s, want %s", i, e.Event, want[i])
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}
	if entries[0].Count != 3 {
		t.Errorf("server start count = %d, want 3", entries[0].Count)
	}
	if entries[2].Reason != "spend limit exceeded" {
		t.Errorf("failure reason = %q", entries[2].Reason)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit log mode = %04o, want 0600", perm)
	}
}

func TestLoggerRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.SetMaxSize(200)

	for i := 0; i < 5; i++ {
		a.LogSession(SessionConnected, "client-with-a-long-identifier", "")
	}
	_ = a.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	if n := len(readEntries(t, path)); n == 0 || n >= 5 {
		t.Errorf("current log holds %d entries after rotation", n)
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var a *Logger
	a.LogServerStop()
	a.LogMutation(WalletCreated, "c1", "w1", "")
	if err := a.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}
