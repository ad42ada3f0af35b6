package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return "capture" }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, []string{EventRescueExecuted, " "}, 0, discard())

	require.NoError(t, n.Notify(context.Background(), EventFeedDegraded, "feed", "down"))
	require.NoError(t, n.Notify(context.Background(), EventRescueExecuted, "rescued", "tx"))
	require.Equal(t, []string{"rescued"}, s.titles)
}

func TestNotifierThrottlesRepeats(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, nil, time.Minute, discard())
	now := time.Unix(1_700_000_000, 0)
	n.throttle.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, EventFeedDegraded, "a", "ETH/USD down"))
	require.NoError(t, n.Notify(ctx, EventFeedDegraded, "b", "ETH/USD down"))
	require.NoError(t, n.Notify(ctx, EventFeedDegraded, "c", "DAI/USD down"))
	now = now.Add(time.Minute)
	require.NoError(t, n.Notify(ctx, EventFeedDegraded, "d", "ETH/USD down"))
	require.Equal(t, []string{"a", "c", "d"}, s.titles)
}

func TestNotifierKeepsDeliveringAfterFailure(t *testing.T) {
	bad := &captureSender{err: errors.New("boom")}
	good := &captureSender{}
	n := NewNotifier([]Sender{bad, good}, nil, 0, discard())

	err := n.Notify(context.Background(), EventRescueExecuted, "t", "m")
	require.Error(t, err)
	require.Contains(t, err.Error(), "capture: boom")
	require.Equal(t, []string{"t"}, good.titles)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Position rescued", "tx 0xabc"))
	require.Equal(t, "/bottok/sendMessage", path)
	require.Equal(t, "42", got["chat_id"])
	require.Equal(t, "*Position rescued*\ntx 0xabc", got["text"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
	require.Contains(t, err.Error(), "slow down")
}
