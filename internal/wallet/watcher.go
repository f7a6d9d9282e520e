// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package wallet

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce delays a reload until filesystem activity settles.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads the wallets when wallet files are created, modified or removed.
// It returns once the watcher is running; watching stops when ctx is done.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.opts.Dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch wallets directory: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(event.Name)
				if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if err := m.Reload(); err != nil {
						m.logger.Warn("failed to reload wallets", "error", err)
						return
					}
					if m.opts.OnReload != nil {
						m.opts.OnReload()
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("wallet watcher error", "error", err)
			}
		}
	}()
	return nil
}
