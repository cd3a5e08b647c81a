// Package mongolog mirrors the activity log into a MongoDB collection for
// operators who query it outside the service.
package mongolog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"crosspost/internal/activity"
	"crosspost/internal/domain"
	logx "crosspost/pkg/logx"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Config struct {
	URI        string
	Database   string
	Collection string
	// Buffer bounds the entries waiting for insertion; overflow is dropped.
	Buffer  int
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "crosspost"
	}
	if c.Collection == "" {
		c.Collection = "activity"
	}
	if c.Buffer <= 0 {
		c.Buffer = 512
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Inserter is the part of *mongo.Collection the recorder uses.
type Inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Recorder queues entries and inserts them from Run. Record never blocks.
type Recorder struct {
	coll    Inserter
	client  *mongo.Client
	queue   chan domain.ActivityEntry
	timeout time.Duration
	log     logx.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ activity.Recorder = (*Recorder)(nil)

// Open connects to MongoDB and pings it once.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongodb uri is empty")
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	r := New(client.Database(cfg.Database).Collection(cfg.Collection), cfg, log)
	r.client = client
	return r, nil
}

func New(coll Inserter, cfg Config, log logx.Logger) *Recorder {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		coll:    coll,
		queue:   make(chan domain.ActivityEntry, cfg.Buffer),
		timeout: cfg.Timeout,
		log:     log,
	}
}

func (r *Recorder) Record(_ context.Context, e domain.ActivityEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.log.Warn("activity mirror queue full; dropping", logx.Uint64("dropped", r.dropped.Load()))
		}
	}
}

// Run inserts queued entries until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case e := <-r.queue:
			r.insert(context.WithoutCancel(ctx), e)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.insert(context.Background(), e)
		default:
			return
		}
	}
}

func (r *Recorder) insert(ctx context.Context, e domain.ActivityEntry) {
	ictx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ictx, e); err != nil {
		r.failed.Add(1)
		r.log.Warn("activity mirror insert failed", logx.String("tag", e.Tag), logx.String("publication", e.PublicationID), logx.Err(err))
	}
}

// Stats reports dropped and failed entries.
func (r *Recorder) Stats() (dropped, failed uint64) {
	return r.dropped.Load(), r.failed.Load()
}

// Close disconnects the client opened by Open.
func (r *Recorder) Close(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}
