package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Quote is an aggregator's offer to convert InputAmount of From into To.
type Quote struct {
	From           common.Address
	To             common.Address
	InputAmount    *big.Int
	ExpectedOutput *big.Int
	Router         common.Address
	Payload        []byte // swap calldata executed by the rescue contract
	FetchedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the quote's validity window has closed.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// RescuePlan is a fully sized, quote-backed rescue for one authorization.
type RescuePlan struct {
	ID              string
	AuthorizationID string
	Owner           common.Address
	Collateral      common.Address
	Debt            common.Address
	Signature       []byte
	CollateralInput *big.Int
	DebtAmount      *big.Int
	MinOutput       *big.Int
	Quote           Quote
	// Round is the oracle round that triggered the plan; plans for the same
	// authorization are strictly ordered by it.
	Round      uint64
	Ratio      string // health ratio at planning time, 18-decimal fixed point
	ComputedAt time.Time
}

// ExpiresAt is the moment the plan's quote stops being usable.
func (p RescuePlan) ExpiresAt() time.Time {
	return p.Quote.ExpiresAt
}

// AttemptStatus tracks one submission of a plan.
type AttemptStatus string

const (
	AttemptPreparing AttemptStatus = "preparing"
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptReverted  AttemptStatus = "reverted"
	AttemptFailed    AttemptStatus = "failed"
	AttemptDropped   AttemptStatus = "dropped"
)

// Resolved reports whether the attempt's on-chain effect is known.
func (s AttemptStatus) Resolved() bool {
	return s != AttemptPreparing && s != AttemptSubmitted
}

// Attempt is the persisted record of a single execution try. The pair
// (AuthorizationID, Number) is unique and Number grows monotonically.
type Attempt struct {
	AuthorizationID string
	Number          int
	PlanID          string
	Round           uint64
	TxHash          common.Hash
	Status          AttemptStatus
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TxStatus is the ledger's view of a broadcast transaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxSucceeded
	TxReverted
	TxDropped
)

func (s TxStatus) String() string {
	switch s {
	case TxSucceeded:
		return "succeeded"
	case TxReverted:
		return "reverted"
	case TxDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// Outcome is the terminal result of Engine.Execute.
type Outcome struct {
	AuthorizationID string
	Attempt         int
	TxHash          common.Hash
	Status          AttemptStatus
	ConfirmedAt     time.Time
}
