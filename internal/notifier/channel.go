package notifier

import (
	"context"

	logx "crosspost/pkg/logx"
)

// LogChannel writes notifications to the log. It is always available and
// keeps notifications visible when no messaging channel is configured.
type LogChannel struct {
	Log logx.Logger
}

func (LogChannel) Name() string { return "log" }

func (c LogChannel) Send(_ context.Context, recipient, text string) error {
	c.Log.Info("notification", logx.String("recipient", recipient), logx.String("text", text))
	return nil
}
