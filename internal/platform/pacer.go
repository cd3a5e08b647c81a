package platform

import (
	"strings"
	"sync"

	"go.uber.org/ratelimit"
)

// Pacer spaces outgoing calls per platform (leaky bucket). It smooths bursts
// inside one attempt; admission budgets belong to the dispatch gate.
type Pacer struct {
	mu       sync.Mutex
	rates    map[string]int
	limiters map[string]ratelimit.Limiter
	fallback int
}

// NewPacer builds a pacer with per-platform calls per second. fallback
// applies to unlisted platforms; <= 0 leaves them unpaced.
func NewPacer(rates map[string]int, fallback int) *Pacer {
	p := &Pacer{limiters: map[string]ratelimit.Limiter{}}
	p.Apply(rates, fallback)
	return p
}

// Apply replaces the rates. Limiters of unchanged platforms are kept.
func (p *Pacer) Apply(rates map[string]int, fallback int) {
	norm := make(map[string]int, len(rates))
	for k, v := range rates {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.limiters {
		if p.rateLocked(k) != rateFrom(norm, fallback, k) {
			delete(p.limiters, k)
		}
	}
	p.rates = norm
	p.fallback = fallback
}

// Take blocks until the next call to platform may go out.
func (p *Pacer) Take(platform string) {
	if p == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(platform))
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		if r := p.rateLocked(key); r > 0 {
			l = ratelimit.New(r, ratelimit.WithoutSlack)
		} else {
			l = ratelimit.NewUnlimited()
		}
		p.limiters[key] = l
	}
	p.mu.Unlock()
	l.Take()
}

func (p *Pacer) rateLocked(key string) int { return rateFrom(p.rates, p.fallback, key) }

func rateFrom(rates map[string]int, fallback int, key string) int {
	if r, ok := rates[key]; ok {
		return r
	}
	return fallback
}
