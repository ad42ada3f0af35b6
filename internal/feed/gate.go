package feed

import (
	"sync"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// RoundGate enforces strictly increasing rounds per pair. It is the only
// admission rule for observations, whether they arrive live or via backfill,
// so replaying the same range twice is harmless.
type RoundGate struct {
	mu   sync.Mutex
	last map[domain.AssetPair]uint64
	seen map[domain.AssetPair]bool
}

// NewRoundGate returns an empty gate.
func NewRoundGate() *RoundGate {
	return &RoundGate{
		last: make(map[domain.AssetPair]uint64),
		seen: make(map[domain.AssetPair]bool),
	}
}

// Accept records obs and returns true if its round is newer than every round
// previously accepted for the same pair.
func (g *RoundGate) Accept(obs domain.PriceObservation) bool {
	if !obs.Valid() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[obs.Pair] && obs.Round <= g.last[obs.Pair] {
		return false
	}
	g.last[obs.Pair] = obs.Round
	g.seen[obs.Pair] = true
	return true
}

// Restore seeds the gate with a round accepted by a previous process.
func (g *RoundGate) Restore(pair domain.AssetPair, round uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[pair] && round <= g.last[pair] {
		return
	}
	g.last[pair] = round
	g.seen[pair] = true
}

// Last returns the last accepted round for pair.
func (g *RoundGate) Last(pair domain.AssetPair) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[pair], g.seen[pair]
}
