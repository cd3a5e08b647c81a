// Package telegram is a send-only Telegram channel for owner notifications
// and operator alerts.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"crosspost/internal/notifier"
	logx "crosspost/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token string
	// Chats maps owner ids to chat ids. Numeric owner ids without an entry
	// are used as chat ids directly.
	Chats         map[string]int64
	AlertChatID   int64
	AlertThreadID int
}

// Sender is the part of *tele.Bot the channel uses.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Channel struct {
	log    logx.Logger
	sender Sender

	mu  sync.RWMutex
	cfg Config
}

var _ notifier.Channel = (*Channel)(nil)

// New creates an offline bot: no getMe call and no poller, sends only.
func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewWithSender(b, cfg, log), nil
}

func NewWithSender(s Sender, cfg Config, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{log: log, sender: s, cfg: cfg}
}

// Apply replaces the chat routing. The token is fixed for the channel's lifetime.
func (c *Channel) Apply(cfg Config) {
	c.mu.Lock()
	cfg.Token = c.cfg.Token
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) Send(ctx context.Context, recipient, text string) error {
	c.mu.RLock()
	id, ok := c.cfg.Chats[recipient]
	c.mu.RUnlock()
	if !ok {
		n, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
		if err != nil {
			return fmt.Errorf("telegram %q: %w", recipient, notifier.ErrNoRoute)
		}
		id = n
	}
	return c.send(ctx, &tele.Chat{ID: id}, 0, text)
}

// SendAlert posts an operator alert to the configured alert chat.
func (c *Channel) SendAlert(ctx context.Context, text string) error {
	c.mu.RLock()
	chat, thread := c.cfg.AlertChatID, c.cfg.AlertThreadID
	c.mu.RUnlock()
	if chat == 0 {
		return errors.New("telegram alert chat is not configured")
	}
	return c.send(ctx, &tele.Chat{ID: chat}, thread, text)
}

func (c *Channel) send(ctx context.Context, chat *tele.Chat, thread int, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: thread}
		if _, err := c.sender.Send(chat, chunk, opts); err != nil {
			c.log.Debug("telegram send failed", logx.Int64("chat", chat.ID), logx.Err(err))
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that don't leave tiny chunks.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
