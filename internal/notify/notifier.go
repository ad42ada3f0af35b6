// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by event name and throttled so a flapping condition does not
// flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Alert event names raised by the bot.
const (
	EventFeedDegraded         = "feed_degraded"
	EventFeedRecovered        = "feed_recovered"
	EventAuthorizationExpired = "authorization_expired"
	EventRetryBudgetExhausted = "retry_budget_exhausted"
	EventRescueExecuted       = "rescue_executed"
	EventExecutionReverted    = "execution_reverted"
	EventConfirmationTimeout  = "confirmation_timeout"
	EventTransitionFailed     = "transition_failed"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every Sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	throttle *Throttle
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events are
// delivered; an empty list allows all. Identical alerts repeat at most once
// per quiet period; zero disables throttling.
func NewNotifier(senders []Sender, events []string, quiet time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
	if quiet > 0 {
		n.throttle = NewThrottle(quiet)
	}
	return n
}

// Notify delivers an alert for event if it passes the filter and throttle.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.throttle != nil && n.throttle.Suppress(event+"\x00"+message) {
		n.logger.DebugContext(ctx, "alert throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failing does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// LogSender writes alerts to the log. It is the fallback when no chat
// channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, title, message string) error {
	l.Logger.WarnContext(ctx, "operator alert", slog.String("title", title), slog.String("message", message))
	return nil
}

func (LogSender) Name() string { return "log" }
