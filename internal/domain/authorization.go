package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AuthorizationStatus is the lifecycle state of a delegation.
type AuthorizationStatus string

const (
	AuthorizationPending  AuthorizationStatus = "pending"
	AuthorizationActive   AuthorizationStatus = "active"
	AuthorizationExecuted AuthorizationStatus = "executed"
	AuthorizationRevoked  AuthorizationStatus = "revoked"
	AuthorizationExpired  AuthorizationStatus = "expired"
)

// BasisPoints is the denominator for all bps-valued quantities.
const BasisPoints = 10_000

// transitions lists the statuses reachable from each status. Executed and
// Expired are terminal. Revoked may still become Executed when a rescue that
// was broadcast before revocation confirms on chain.
var transitions = map[AuthorizationStatus][]AuthorizationStatus{
	AuthorizationPending: {AuthorizationActive, AuthorizationRevoked, AuthorizationExpired},
	AuthorizationActive:  {AuthorizationExecuted, AuthorizationRevoked, AuthorizationExpired},
	AuthorizationRevoked: {AuthorizationExecuted},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to AuthorizationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further owner-driven change is possible.
func (s AuthorizationStatus) Terminal() bool {
	return s == AuthorizationExecuted || s == AuthorizationExpired
}

// Authorization is a user's signed delegation permitting one rescue of the
// (Owner, Collateral, Debt) position once its ratio crosses the threshold.
type Authorization struct {
	ID           string
	Owner        common.Address
	Collateral   common.Address
	Debt         common.Address
	ThresholdBps int64 // loan-to-value trigger, 0 < ThresholdBps < BasisPoints
	Signature    []byte
	Nonce        [32]byte
	Status       AuthorizationStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExecutedAt   *time.Time
}

// SameTriple reports whether a and b protect the same position.
func (a Authorization) SameTriple(b Authorization) bool {
	return a.Owner == b.Owner && a.Collateral == b.Collateral && a.Debt == b.Debt
}

// Challenge is an outstanding delegation nonce issued to an owner.
type Challenge struct {
	Owner     common.Address
	Nonce     [32]byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge can no longer be redeemed.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
