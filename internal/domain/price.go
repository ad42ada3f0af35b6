package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceDecimals is the fixed-point scale every observed price is normalised to.
const PriceDecimals = 8

// AssetPair identifies a price feed, e.g. "ETH/USD".
type AssetPair string

// PriceObservation is a single accepted oracle round.
type PriceObservation struct {
	Pair       AssetPair
	Price      *big.Int // PriceDecimals fixed point, always > 0
	Round      uint64
	ObservedAt time.Time
}

// Valid reports whether the observation carries a usable price.
func (o PriceObservation) Valid() bool {
	return o.Pair != "" && o.Price != nil && o.Price.Sign() > 0
}

// FeedStatus is emitted by a listener whenever its connectivity changes.
type FeedStatus struct {
	Pair     AssetPair
	Degraded bool
	Since    time.Time
	Reason   string
}

// Asset describes a token the bot can price and rescue.
type Asset struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	Pair     AssetPair
	// Aggregator is the oracle contract backing Pair. Zero for pegged assets.
	Aggregator common.Address
	// PeggedPrice, when set, replaces oracle observations for this asset.
	PeggedPrice *big.Int
}

// Assets indexes the configured assets by token address.
type Assets map[common.Address]Asset

// Lookup returns the asset registered for addr.
func (a Assets) Lookup(addr common.Address) (Asset, bool) {
	asset, ok := a[addr]
	return asset, ok
}

// Pairs returns the distinct oracle-backed pairs.
func (a Assets) Pairs() map[AssetPair]common.Address {
	out := make(map[AssetPair]common.Address)
	for _, asset := range a {
		if asset.PeggedPrice != nil || asset.Pair == "" {
			continue
		}
		out[asset.Pair] = asset.Aggregator
	}
	return out
}
