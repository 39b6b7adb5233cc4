// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-runs a callback when a dataset file changes.
//
// # Description
//
// The parent directory is watched rather than the file itself, since most
// editors save by writing a temporary file and renaming it over the
// original, which drops a watch placed on the file. Events for other files
// in the directory are ignored.
//
// # Debouncing
//
// Events are collected until the debounce window passes with no new event,
// then the handler runs once. A handler that is still running when the next
// batch is ready is cancelled through its context first, so only the most
// recent contents are analysed.
//
// # Thread Safety
//
// The handler is called from a single goroutine.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNotRegular indicates the watched path is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// Handler is called with the watched path after each debounced change.
type Handler func(ctx context.Context, path string)

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period before the handler runs.
	// Default: 250ms
	Debounce time.Duration

	// Logger receives watch errors. Default: discard.
	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{Debounce: 250 * time.Millisecond}
}

// Watcher watches one file.
type Watcher struct {
	path     string
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	events  chan struct{}

	wg sync.WaitGroup
}

// New creates a Watcher for path.
//
// Outputs:
//   - *Watcher: Not yet running; call Run.
//   - error: ErrNotRegular, or an fsnotify setup error.
func New(path string, handler Handler, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		watcher:  fw,
		events:   make(chan struct{}, 1),
	}, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Run calls the handler once immediately, then after every debounced
// change, until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.wg.Add(1)
	go w.processEvents(ctx)
	defer w.wg.Wait()

	return w.debounceLoop(ctx)
}

// processEvents forwards relevant fsnotify events as wake-ups.
func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// debounceLoop runs the handler after each quiet period.
func (w *Watcher) debounceLoop(ctx context.Context) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		cancel  context.CancelFunc = func() {}
		running sync.WaitGroup
	)
	defer func() {
		cancel()
		running.Wait()
		if timer != nil {
			timer.Stop()
		}
	}()

	trigger := func() {
		cancel()
		running.Wait()
		var runCtx context.Context
		runCtx, cancel = context.WithCancel(ctx)
		running.Add(1)
		go func() {
			defer running.Done()
			w.handler(runCtx, w.path)
		}()
	}

	trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.events:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			if _, err := os.Stat(w.path); err != nil {
				// Mid-rename; the Create for the new file follows.
				w.logger.Debug("watched file missing", "path", w.path, "error", err)
				continue
			}
			trigger()
		}
	}
}
