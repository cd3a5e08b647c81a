package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"crosspost/internal/domain"
	"crosspost/internal/eventbus"
	logx "crosspost/pkg/logx"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kgo.Message
	fail bool
	got  chan struct{}
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.got <- struct{}{} }()
	if f.fail {
		f.fail = false
		return errors.New("broker not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestRunExportsStatusEventsKeyedByPublication(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	w := &fakeWriter{fail: true, got: make(chan struct{}, 4)}
	sink := NewWithWriter(w, Config{}, logx.Nop())

	ch, unsub := bus.Subscribe(8)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.consume(ctx, ch) }()

	bus.Publish(eventbus.Event{Type: "job.queued"})
	sinkEv := eventbus.BusSink{Bus: bus}
	sinkEv.PublicationStatusChanged(ctx, "u-1", "pub-1", domain.StatusPublishing) // first write fails
	<-w.got
	sinkEv.PublicationStatusChanged(ctx, "u-1", "pub-1", domain.StatusPublished)
	<-w.got

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "pub-1", string(w.msgs[0].Key))
	var ev struct {
		Type string                 `json:"type"`
		Data eventbus.StatusChanged `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, eventbus.TypeStatusChanged, ev.Type)
	assert.Equal(t, domain.StatusPublished, ev.Data.Status)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Topic: "t"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}}, logx.Nop())
	assert.Error(t, err)
	s, err := New(Config{Brokers: []string{"a:9092, b:9092"}, Topic: "publication-status"}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
