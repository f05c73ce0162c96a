// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow batches bursts of filesystem events (editors often produce
// several writes per save) into a single change notification.
const debounceWindow = 200 * time.Millisecond

// Watcher watches the settings file for external changes and invokes a
// callback with the freshly loaded record. It lets the health monitor
// re-probe immediately after a provider switch made by another process.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onChange func(*Settings)
	logger   *zap.Logger

	mu      sync.Mutex
	pending *time.Timer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the store's settings file. The callback
// runs with the watcher's internal lock held so it can never fire after
// Stop returns: keep it short, hand off to a channel if it isn't, and never
// call Stop from inside it.
func NewWatcher(store *Store, onChange func(*Settings), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		store:    store,
		watcher:  fw,
		onChange: onChange,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// Watch the parent directory, not the file: atomic saves replace the
	// file by rename, which drops a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		cancel()
		return nil, err
	}

	go w.processEvents()
	return w, nil
}

// Stop terminates the watcher and waits for its goroutine to exit. Once it
// returns, the callback will not be invoked again: taking the lock below
// waits out any notification already in flight and silences the rest.
func (w *Watcher) Stop() {
	w.cancel()
	w.watcher.Close()
	<-w.done

	w.mu.Lock()
	w.stopped = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) processEvents() {
	defer close(w.done)

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleNotify()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// scheduleNotify resets the debounce timer; the callback fires once the
// event burst settles.
func (w *Watcher) scheduleNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(debounceWindow, func() {
		// The stopped check and the callback share the lock, so a timer
		// that lost the race against Stop goes quiet instead of firing
		// after Stop has returned.
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.stopped {
			return
		}
		s := w.store.Load()
		w.logger.Debug("settings file changed",
			zap.String("provider", string(s.Provider)))
		w.onChange(s)
	})
}
