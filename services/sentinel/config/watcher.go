// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
)

// ReloadHandler receives each successfully validated configuration.
type ReloadHandler func(cfg *Config)

// Watcher reloads the configuration file when it changes on disk.
//
// # Description
//
// The containing directory is watched rather than the file itself so that
// editors which replace the file via rename are still observed. Bursts of
// events are debounced into one reload.
//
// # Thread Safety
//
// Start and Stop may be called from different goroutines.
type Watcher struct {
	path     string
	debounce time.Duration
	handler  ReloadHandler
	logger   *logging.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	current *Config
	done    chan struct{}
}

// NewWatcher creates a watcher for path. current is the configuration in force.
func NewWatcher(path string, current *Config, handler ReloadHandler, logger *logging.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("reload handler must not be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(logging.ExpandPath(path))
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: 250 * time.Millisecond,
		handler:  handler,
		logger:   logger.Component("config-watcher"),
		watcher:  fw,
		current:  current,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.loop(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.watcher.Close()
	<-w.done
}

// Current returns the configuration most recently applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping running configuration", "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.logger.Info("config reloaded", "path", w.path)
	w.handler(cfg)
}
