package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"crosspost/internal/domain"
)

// StaticTokens serves credentials from configuration, keyed by account id.
// A missing or empty token means the user must reconnect.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	s := &StaticTokens{}
	s.Apply(tokens)
	return s
}

func (s *StaticTokens) Apply(tokens map[string]string) {
	m := make(map[string]string, len(tokens))
	for k, v := range tokens {
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	s.mu.Lock()
	s.tokens = m
	s.mu.Unlock()
}

func (s *StaticTokens) Token(_ context.Context, account domain.TargetAccount) (Token, error) {
	s.mu.RLock()
	v := s.tokens[account.ID]
	s.mu.RUnlock()
	if v == "" {
		return Token{}, fmt.Errorf("%w: no credential for %s", ErrReconnectRequired, account.DisplayName())
	}
	return Token{Value: v}, nil
}
