package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/locales"
	"crosspost/internal/metrics"
	rtsup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	// ErrNoRoute means a channel has no address for the recipient. It is not retried.
	ErrNoRoute = errors.New("no route to recipient")
)

const historySize = 300

type delivery struct {
	channel   Channel
	recipient string
	kind      Kind
	text      string
	key       string
}

// Service is the Sink used by the pipeline. Safe for concurrent use.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	catalog  *locales.Catalog
	channels []Channel
	dedup    *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan delivery
	sup     *rtsup.Supervisor
	// Notify calls between the accepting check and their last enqueue.
	inflight sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

var _ Sink = (*Service)(nil)

// New builds the service. store may be nil when dedup is not persisted.
func New(cfg Config, catalog *locales.Catalog, log logx.Logger, bus eventbus.Bus, store storage.DedupStore, channels ...Channel) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, catalog: catalog}
	for _, ch := range channels {
		if ch != nil {
			s.channels = append(s.channels, ch)
		}
	}
	cfg = withDefaults(cfg)
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.dedup = newSuppressor(store, log)
	return s
}

func withDefaults(cfg Config) Config {
	pos := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	pos(&cfg.Workers, 2)
	pos(&cfg.QueueSize, 512)
	pos(&cfg.RatePerSec, 3)
	pos(&cfg.DedupMaxEntries, 2000)
	cfg.RetryMax = max(0, cfg.RetryMax)
	cfg.DedupWindow = max(0, cfg.DedupWindow)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.Language = strings.TrimSpace(cfg.Language)
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Workers and QueueSize take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
	s.cfg = cfg
}

// Start launches the workers under a supervisor that never cancels the
// parent: a broken channel must not take the pipeline down.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	q := make(chan delivery, s.cfg.QueueSize)
	s.queue = q
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.drain(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			// Closed queue: Stop is draining.
			return context.Canceled
		})
	}
	names := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		names = append(names, ch.Name())
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Strings("channels", names))
}

// Stop closes intake and lets the workers drain the queue until ctx ends,
// then abandons what is left.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}

	s.inflight.Wait()
	close(q)
	_ = sup.Wait(ctx)
	if ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("notifier stopped with undelivered messages", logx.Int("pending", len(q)))
		return
	}
	s.log.Info("notifier stopped")
}

// Notify renders the text once and queues a delivery per recipient and
// channel. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, recipients []string, kind Kind, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, q := s.cfg, s.queue
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case q == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	lang := p.Language
	if lang == "" {
		lang = cfg.Language
	}
	text := Render(s.catalog, lang, kind, p)
	if text == "" {
		return fmt.Errorf("notifier: unknown kind %q", kind)
	}

	var err error
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r == "" {
			continue
		}
		for _, ch := range s.channels {
			d := delivery{channel: ch, recipient: r, kind: kind, text: text, key: dedupKey(ch.Name(), r, kind, text)}
			if cfg.DedupWindow > 0 && !s.dedup.allow(ctx, d.key, cfg.DedupWindow, cfg.PersistDedup, cfg.DedupMaxEntries) {
				s.record(d, "deduped", nil)
				continue
			}
			select {
			case q <- d:
				s.record(d, "queued", nil)
			default:
				s.record(d, "dropped", ErrQueueFull)
				err = ErrQueueFull
			}
		}
	}
	return err
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(d delivery) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if len(s.history) == historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:historySize-1]
	}
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: d.channel.Name(), Recipient: d.recipient, Kind: d.kind, Text: d.text})
}

// record counts the outcome and mirrors it on the event bus as
// "notifier.<outcome>".
func (s *Service) record(d delivery, outcome string, err error) {
	if outcome != "queued" {
		metrics.Notification(string(d.kind), outcome)
	}
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Channel: d.channel.Name(), Recipient: d.recipient, Kind: d.kind, Key: d.key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: "notifier." + outcome, Time: ev.At, Data: ev})
}
