package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuthorizationStore persists delegations and enforces their lifecycle.
type AuthorizationStore interface {
	// Supersede atomically revokes every Pending or Active authorization for
	// auth's (owner, collateral, debt) triple and inserts auth as Pending.
	// The revoked rows are returned with their new status.
	Supersede(ctx context.Context, auth Authorization) ([]Authorization, error)
	Get(ctx context.Context, id string) (Authorization, error)
	// LatestByStatus returns the owner's most recently created authorization
	// in the given status.
	LatestByStatus(ctx context.Context, owner common.Address, status AuthorizationStatus) (Authorization, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]Authorization, error)
	ListByStatus(ctx context.Context, status AuthorizationStatus) ([]Authorization, error)
	// Transition moves id to status `to`, failing with ErrInvalidTransition
	// when the current status does not allow it.
	Transition(ctx context.Context, id string, to AuthorizationStatus, at time.Time) (Authorization, error)
}

// ChallengeStore holds at most one outstanding delegation nonce per owner.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge) error
	Get(ctx context.Context, owner common.Address) (Challenge, error)
	// Consume deletes the owner's challenge if it carries nonce.
	Consume(ctx context.Context, owner common.Address, nonce [32]byte) error
}

// AttemptStore persists execution attempts.
type AttemptStore interface {
	// Begin allocates the next attempt number for a.AuthorizationID and
	// stores a in the preparing state.
	Begin(ctx context.Context, a Attempt) (Attempt, error)
	Update(ctx context.Context, a Attempt) error
	Latest(ctx context.Context, authorizationID string) (Attempt, error)
	ListUnresolved(ctx context.Context) ([]Attempt, error)
	ListResolvedBefore(ctx context.Context, before time.Time) ([]Attempt, error)
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObservationStore keeps the accepted oracle history.
type ObservationStore interface {
	// Append is idempotent on (pair, round).
	Append(ctx context.Context, obs PriceObservation) error
	Latest(ctx context.Context, pair AssetPair) (PriceObservation, error)
	List(ctx context.Context, pair AssetPair, opts ListOpts) ([]PriceObservation, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
