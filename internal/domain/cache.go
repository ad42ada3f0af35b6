package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest accepted observation per pair.
type PriceCache interface {
	SetObservation(ctx context.Context, obs PriceObservation) error
	GetObservation(ctx context.Context, pair AssetPair) (PriceObservation, error)
	GetObservations(ctx context.Context, pairs []AssetPair) (map[AssetPair]PriceObservation, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels and streams.
const (
	ChannelObservation   = "ch:observation"
	ChannelFeedStatus    = "ch:feed"
	ChannelAuthorization = "ch:authorization"
	ChannelRescue        = "ch:rescue"
	StreamRescue         = "stream:rescue"
)
