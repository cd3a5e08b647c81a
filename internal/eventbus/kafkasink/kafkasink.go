// Package kafkasink exports publication status events from the event bus to
// a Kafka topic, keyed by publication id so one publication stays ordered
// within a partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/metrics"
	logx "crosspost/pkg/logx"

	kgo "github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
	Buffer  int
}

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type Sink struct {
	w       MessageWriter
	timeout time.Duration
	buffer  int
	log     logx.Logger
}

// New builds a sink backed by a kafka-go Writer.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		for _, p := range strings.Split(b, ",") {
			if p = strings.TrimSpace(p); p != "" {
				brokers = append(brokers, p)
			}
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewWithWriter(w, cfg, log), nil
}

func NewWithWriter(w MessageWriter, cfg Config, log logx.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{w: w, timeout: cfg.Timeout, buffer: cfg.Buffer, log: log}
}

// Run forwards status events until ctx is done. A failed write is logged and
// counted; export is best effort and never blocks publishers.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(s.buffer)
	defer unsub()
	s.log.Info("kafka export started")
	return s.consume(ctx, ch)
}

func (s *Sink) consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeStatusChanged {
				continue
			}
			if err := s.export(ctx, ev); err != nil {
				metrics.EventExport("error")
				s.log.Warn("kafka export failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			metrics.EventExport("ok")
		}
	}
}

func (s *Sink) export(ctx context.Context, ev eventbus.Event) error {
	sc, ok := ev.Data.(eventbus.StatusChanged)
	if !ok {
		return errors.New("unexpected payload for " + ev.Type)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.w.WriteMessages(cctx, kgo.Message{
		Key:   []byte(sc.PublicationID),
		Value: body,
		Time:  ev.Time,
		Headers: []kgo.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

func (s *Sink) Close() error { return s.w.Close() }
