package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes and hands each valid result
// to subscribers. Invalid edits are logged and the last good config is kept.
type Watcher struct {
	path        string
	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
	logger      *slog.Logger
}

// NewWatcher loads path and starts watching its directory. Editors that replace
// the file rather than writing in place are handled as well.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    absPath,
		current: cfg,
		watcher: fsw,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives every reloaded config. Slow
// consumers only see the newest one.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	for _, ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = nil
	w.mu.Unlock()
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			w.reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed; keeping previous configuration", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subscribers := make([]chan *Config, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		// Drop a stale pending value so the newest config always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
	w.logger.Info("configuration reloaded", "path", w.path)
}
