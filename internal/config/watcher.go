package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called after a successful reload with the previous and
// the new configuration.
type ChangeHandler func(prev, next *Config)

// Watcher reloads the configuration file when it changes on disk and
// notifies registered handlers. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *zap.Logger

	mu             sync.RWMutex
	current        *Config
	handlers       []ChangeHandler
	policyDir      string
	policyHandlers []func() error

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher creates a watcher for path seeded with the already loaded cfg.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		watcher:  fw,
		logger:   logger,
		current:  cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a handler for configuration reloads.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// WatchPolicies reloads policies when a .rego file under dir changes.
func (w *Watcher) WatchPolicies(dir string, reload func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policyDir = filepath.Clean(dir)
	w.policyHandlers = append(w.policyHandlers, reload)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. The file's directory is watched rather than the
// file itself so editors that replace the file are still observed.
func (w *Watcher) Start() error {
	var err error
	w.startOnce.Do(func() {
		if err = w.watcher.Add(filepath.Dir(w.path)); err != nil {
			err = fmt.Errorf("failed to watch config directory: %w", err)
			return
		}
		w.mu.RLock()
		policyDir := w.policyDir
		w.mu.RUnlock()
		if policyDir != "" && policyDir != filepath.Dir(w.path) {
			if perr := w.watcher.Add(policyDir); perr != nil {
				w.logger.Warn("Failed to watch policy directory", zap.String("dir", policyDir), zap.Error(perr))
			}
		}
		go w.watchLoop()
		w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	})
	return err
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		select {
		case <-w.doneCh:
		case <-time.After(time.Second):
		}
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	var (
		configTimer *time.Timer
		policyTimer *time.Timer
		configC     <-chan time.Time
		policyC     <-chan time.Time
	)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			switch {
			case filepath.Clean(event.Name) == w.path:
				configTimer, configC = resetTimer(configTimer, w.debounce)
			case strings.HasSuffix(event.Name, ".rego"):
				policyTimer, policyC = resetTimer(policyTimer, w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		case <-configC:
			configC = nil
			w.reload()
		case <-policyC:
			policyC = nil
			w.reloadPolicies()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) (*time.Timer, <-chan time.Time) {
	if t == nil {
		t = time.NewTimer(d)
		return t, t.C
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
	return t, t.C
}

// reload re-reads the file and notifies handlers on success.
func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("Configuration reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.Float64("min_score", next.Routing.MinScore),
		zap.Float64("ambiguity_margin", next.Routing.AmbiguityMargin),
	)
	for _, h := range handlers {
		h(prev, next)
	}
}

func (w *Watcher) reloadPolicies() {
	w.mu.RLock()
	handlers := make([]func() error, len(w.policyHandlers))
	copy(handlers, w.policyHandlers)
	w.mu.RUnlock()

	for _, h := range handlers {
		if err := h(); err != nil {
			w.logger.Error("Policy reload failed", zap.Error(err))
			continue
		}
		w.logger.Info("Policies reloaded")
	}
}

// RoutingChanged reports whether the hot-reloadable routing section differs.
func RoutingChanged(prev, next *Config) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return prev.Routing != next.Routing
}
