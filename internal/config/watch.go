// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config from disk whenever its backing file changes,
// debouncing bursts of writes (editors often emit several events per save)
// before re-parsing. The whole file is re-parsed and handed to OnReload;
// the daemon re-applies only resource limits from it, and queue and
// workflow state are not touched.
type Watcher struct {
	path   string
	logger *slog.Logger

	fsWatcher *fsnotify.Watcher
	debounce  time.Duration

	mu      sync.RWMutex
	current *Config

	onReload func(*Config)

	wg sync.WaitGroup
}

// WatchConfig configures a Watcher.
type WatchConfig struct {
	Path     string
	Debounce time.Duration // defaults to 200ms
	OnReload func(*Config) // called after each successful reload
	Logger   *slog.Logger
}

// NewWatcher starts watching path for changes, having already loaded the
// initial configuration into Current().
func NewWatcher(ctx context.Context, cfg WatchConfig) (*Watcher, error) {
	initial, err := Load(cfg.Path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.Path); err != nil {
		fsw.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	w := &Watcher{
		path:      cfg.Path,
		logger:    logger,
		fsWatcher: fsw,
		debounce:  debounce,
		current:   initial,
		onReload:  cfg.OnReload,
	}

	w.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
