package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

const ethUSD domain.AssetPair = "ETH/USD"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func obs(round uint64, price int64) domain.PriceObservation {
	return domain.PriceObservation{
		Pair:       ethUSD,
		Price:      big.NewInt(price),
		Round:      round,
		ObservedAt: time.Unix(int64(round), 0),
	}
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errc }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() {}) }

// fakeSource replays one scripted batch per subscription, then fails the
// subscription so the listener reconnects.
type fakeSource struct {
	mu       sync.Mutex
	sessions [][]domain.PriceObservation
	calls    int
	history  map[uint64]domain.PriceObservation
}

func (f *fakeSource) Subscribe(ctx context.Context, pair domain.AssetPair, sink chan<- domain.PriceObservation) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{errc: make(chan error, 1)}
	if f.calls >= len(f.sessions) {
		f.calls++
		return sub, nil
	}
	batch := f.sessions[f.calls]
	f.calls++
	go func() {
		for _, o := range batch {
			select {
			case sink <- o:
			case <-ctx.Done():
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
		sub.errc <- errors.New("connection reset")
	}()
	return sub, nil
}

func (f *fakeSource) Rounds(_ context.Context, _ domain.AssetPair, from, to uint64) ([]domain.PriceObservation, error) {
	var out []domain.PriceObservation
	// Deliberately unordered.
	for r := to; r >= from && r > 0; r-- {
		if o, ok := f.history[r]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeSource) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func collect(t *testing.T, ch <-chan domain.PriceObservation, n int) []uint64 {
	t.Helper()
	var rounds []uint64
	for len(rounds) < n {
		select {
		case o := <-ch:
			rounds = append(rounds, o.Round)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d observations", len(rounds), n)
		}
	}
	return rounds
}

func TestRoundGateDiscardsStaleRounds(t *testing.T) {
	g := NewRoundGate()
	var accepted []uint64
	for _, r := range []uint64{5, 3, 7, 7} {
		if g.Accept(obs(r, 100)) {
			accepted = append(accepted, r)
		}
	}
	require.Equal(t, []uint64{5, 7}, accepted)

	require.False(t, g.Accept(domain.PriceObservation{Pair: ethUSD, Round: 9, Price: big.NewInt(-1)}))

	g.Restore(ethUSD, 6)
	last, ok := g.Last(ethUSD)
	require.True(t, ok)
	require.Equal(t, uint64(7), last)
}

func TestListenerForwardsMonotonicRounds(t *testing.T) {
	src := &fakeSource{sessions: [][]domain.PriceObservation{{obs(5, 100), obs(3, 90), obs(7, 110)}}}
	out := make(chan domain.PriceObservation, 8)
	l := NewListener(ethUSD, src, NewRoundGate(), out, nil, Config{ReconnectMin: time.Millisecond, ReconnectMax: time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Equal(t, []uint64{5, 7}, collect(t, out, 2))
	latest, ok := l.Latest()
	require.True(t, ok)
	require.Equal(t, uint64(7), latest.Round)
}

func TestListenerReconnectsAndReportsDegraded(t *testing.T) {
	src := &fakeSource{sessions: [][]domain.PriceObservation{
		{obs(1, 100)},
		{obs(1, 100), obs(2, 101)},
	}}
	out := make(chan domain.PriceObservation, 8)
	status := make(chan domain.FeedStatus, 8)
	l := NewListener(ethUSD, src, NewRoundGate(), out, status, Config{ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Equal(t, []uint64{1, 2}, collect(t, out, 2))

	first := <-status
	require.True(t, first.Degraded)
	require.Equal(t, "connection reset", first.Reason)
	second := <-status
	require.False(t, second.Degraded)
	require.GreaterOrEqual(t, src.subscribeCalls(), 2)
}

func TestBackfillIsIdempotent(t *testing.T) {
	src := &fakeSource{history: map[uint64]domain.PriceObservation{
		4: obs(4, 100), 5: obs(5, 101), 6: obs(6, 102),
	}}
	out := make(chan domain.PriceObservation, 8)
	l := NewListener(ethUSD, src, NewRoundGate(), out, nil, Config{MaxBackfillRounds: 10}, discardLogger())

	n, err := l.Backfill(context.Background(), 4, 6)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []uint64{4, 5, 6}, collect(t, out, 3))

	n, err = l.Backfill(context.Background(), 4, 6)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, out, 0)

	_, err = l.Backfill(context.Background(), 6, 4)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = l.Backfill(context.Background(), 1, 100)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBackfillLimitHoldsAtRangeEdges(t *testing.T) {
	src := &fakeSource{history: map[uint64]domain.PriceObservation{10: obs(10, 100)}}
	out := make(chan domain.PriceObservation, 8)
	l := NewListener(ethUSD, src, NewRoundGate(), out, nil, Config{MaxBackfillRounds: 10}, discardLogger())
	ctx := context.Background()

	_, err := l.Backfill(ctx, 0, math.MaxUint64)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = l.Backfill(ctx, 1, 11)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	n, err := l.Backfill(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
