package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	logx "crosspost/pkg/logx"
)

const sendTimeout = 10 * time.Second

// drain delivers until q is closed and empty or ctx ends.
func (s *Service) drain(ctx context.Context, q <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, d)
		}
	}
}

func (s *Service) deliver(ctx context.Context, d delivery) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	log := s.log.With(logx.String("channel", d.channel.Name()), logx.String("kind", string(d.kind)))

	var err error
	for attempt := 1; ; attempt++ {
		if lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = d.channel.Send(sctx, d.recipient, d.text)
		cancel()

		switch {
		case err == nil:
			s.remember(d)
			s.record(d, "sent", nil)
			if cfg.PersistDedup && cfg.DedupWindow > 0 {
				s.dedup.persist(ctx, d.key, time.Now().Add(cfg.DedupWindow))
			}
			return
		case errors.Is(err, ErrNoRoute):
			log.Debug("no route for recipient", logx.String("recipient", d.recipient))
			s.record(d, "no_route", err)
			return
		case attempt > cfg.RetryMax:
			log.Warn("notification undeliverable", logx.String("recipient", d.recipient), logx.Int("attempts", attempt), logx.Err(err))
			s.record(d, "failed", err)
			return
		}

		log.Debug("send failed, retrying", logx.Int("attempt", attempt), logx.Err(err))
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// retryDelay doubles from RetryBase per attempt up to RetryMaxDelay and keeps
// a random upper half of that value.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	half := d / 2
	return half + rand.N(d-half+1)
}
