package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// ReloadFunc receives a newly loaded config together with what changed
// relative to the previous one.
type ReloadFunc func(cfg *Config, d ConfigDiff)

// stamp identifies one version of the file on disk.
type stamp struct {
	mod  time.Time
	size int64
}

// Watcher keeps the conversation config in sync with its file. It polls the
// file's modification time and size; a changed file is parsed, validated and
// compared with the current config, and onReload only fires when the
// effective settings differ. Edits that only touch comments or formatting
// are absorbed silently.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	// check serialises polls from Run and Poll.
	check sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    stamp
	lastErr error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := statFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.current = cfg
	w.seen = st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns the error of the last failed reload, or nil once the file
// loads cleanly again.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Run polls the file until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.poll(false)
		}
	}
}

// Poll rereads the file now, even when its stamp is unchanged. It reports
// whether a reload was delivered.
func (w *Watcher) Poll() bool {
	return w.poll(true)
}

func (w *Watcher) poll(force bool) bool {
	w.check.Lock()
	defer w.check.Unlock()

	st, err := statFile(w.path)
	if err != nil {
		w.fail(err)
		return false
	}
	w.mu.Lock()
	unchanged := st.same(w.seen)
	w.mu.Unlock()
	if unchanged && !force {
		return false
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.fail(err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.seen = st
	w.lastErr = nil
	d := Diff(old, cfg)
	if !d.Empty() {
		w.current = cfg
	}
	w.mu.Unlock()

	if d.Empty() {
		w.log.Debug("config file rewritten without effective changes", "path", w.path)
		return false
	}
	w.log.Info("config reloaded", "path", w.path,
		"rebuild", d.NeedsRebuild(), "restart_required", d.ServerChanged)

	// Outside the lock so the callback may call Current.
	if w.onReload != nil {
		w.onReload(cfg, d)
	}
	return true
}

// fail records err and keeps the current config. A failure is logged once
// per distinct message so a broken file does not flood the log every poll.
func (w *Watcher) fail(err error) {
	w.mu.Lock()
	repeat := w.lastErr != nil && w.lastErr.Error() == err.Error()
	w.lastErr = err
	w.mu.Unlock()
	if !repeat {
		w.log.Warn("config reload rejected; keeping previous config", "path", w.path, "err", err)
	}
}

func (s stamp) same(o stamp) bool {
	return s.size == o.size && s.mod.Equal(o.mod)
}

func statFile(path string) (stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}, err
	}
	return stamp{mod: info.ModTime(), size: info.Size()}, nil
}
