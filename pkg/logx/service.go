package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards records at MinLevel (default error) and above to the
// AlertSender, at most RatePerSec per second (default 1).
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender receives rendered alerts. It must not log at alert level
// through the same Service.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const defaultLogFile = "./crosspost.log"

// Service owns the live outputs. Apply swaps them without invalidating
// Loggers already handed out.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	file  *os.File
	alert *alertSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg immediately and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{alert: newAlertSink()}
	boot := newRoot(consoleWriter(os.Stdout), cfg.Level)
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertSender installs the alert destination. Alerts are dropped until set.
func (s *Service) SetAlertSender(a AlertSender) { s.alert.setSender(a) }

// Apply rebuilds the outputs. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	s.alert.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		outs = append(outs, s.alert)
	}
	if len(outs) == 0 || (len(outs) == 1 && cfg.Alert.Enabled) {
		// Never run silent: the alert sink alone would hide info records.
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := newRoot(zerolog.MultiLevelWriter(outs...), cfg.Level)
	s.root.Store(&zl)
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.alert.stop()
	if f != nil {
		return f.Close()
	}
	return nil
}
