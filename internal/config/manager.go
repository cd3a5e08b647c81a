package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "crosspost/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the config file. Load commits the first version; Reload and
// Watch commit later versions only when they differ and pass validation,
// then hand them to every subscriber.
type Manager struct {
	path     string
	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
	debounce time.Duration

	mu      sync.RWMutex
	cfg     *Config
	encoded []byte

	// Held across sends so Unsubscribe cannot close a channel mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		log:      logx.Nop(),
		validate: Validate,
		debounce: 250 * time.Millisecond,
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator replaces Validate as the commit check.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.validate = fn }

// Parse reads the file and applies environment overrides. Nothing is committed.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(ctx, cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, encode(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload reports whether a new config was committed and published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	enc := encode(cfg)
	m.mu.RLock()
	same := enc != nil && bytes.Equal(enc, m.encoded)
	m.mu.RUnlock()
	if same {
		return false, nil
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.check(vctx, cfg); err != nil {
		return false, fmt.Errorf("config rejected: %w", err)
	}
	m.commit(cfg, enc)
	m.publish(cfg)
	return true, nil
}

func (m *Manager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	return m.validate(ctx, cfg)
}

func (m *Manager) commit(cfg *Config, enc []byte) {
	m.mu.Lock()
	m.cfg, m.encoded = cfg, enc
	m.mu.Unlock()
}

func encode(cfg *Config) []byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return b
}

// Subscribe returns a channel that receives every committed reload. A slow
// subscriber loses older versions, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for delivered := false; !delivered; {
			select {
			case ch <- cfg:
				delivered = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// Watch reloads on file changes until ctx ends. Bursts of events collapse
// into one reload after the debounce. The watcher is on the directory so
// editors that replace the file by rename are still seen.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	retry := 250 * time.Millisecond
	for ctx.Err() == nil {
		w, err := watchDir(dir)
		if err != nil {
			m.log.Warn("config watch unavailable", logx.String("dir", dir), logx.Duration("retry_in", retry), logx.Err(err))
			if !sleepCtx(ctx, retry) {
				break
			}
			retry = min(2*retry, 5*time.Second)
			continue
		}
		retry = 250 * time.Millisecond
		m.log.Debug("watching config", logx.String("path", m.path))
		m.watch(ctx, w, name)
		_ = w.Close()
	}
	return nil
}

func watchDir(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watch returns when ctx ends or the watcher fails.
func (m *Manager) watch(ctx context.Context, w *fsnotify.Watcher, name string) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				debounce.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == fsnotify.ErrEventOverflow {
				m.log.Warn("config watch overflowed, reloading")
				debounce.Reset(m.debounce)
				continue
			}
			m.log.Warn("config watch failed, restarting", logx.Err(err))
			return
		case <-debounce.C:
			switch changed, err := m.Reload(ctx); {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case changed:
				m.log.Info("config reloaded", logx.String("path", m.path))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
