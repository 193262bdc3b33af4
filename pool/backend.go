package pool

import (
	"context"

	"github.com/pkg/errors"
)

// ErrRootMismatch marks the transient condition where the off-chain map root
// has advanced past the on-chain commitment. Readers swallow it and retry on
// a later cycle.
var ErrRootMismatch = errors.New("offchain root mismatch")

// Op is an operator-only pool mutation. The concrete backend turns it into a
// proof-carrying transaction.
type Op interface {
	opName() string
}

// LockTrade marks the L1 side of a trade as in transit and records the
// claimant authorized to take it.
type LockTrade struct {
	Key      TradeKey
	Claimant string
}

// EmergencyUnlock clears an operator lock, returning the trade to its
// unlocked state.
type EmergencyUnlock struct {
	Key TradeKey
}

// Settle commits a settlement proof collapsing pending off-chain actions
// into a new committed root.
type Settle struct {
	Proof []byte
}

func (LockTrade) opName() string       { return "lockTrade" }
func (EmergencyUnlock) opName() string { return "emergencyUnlock" }
func (Settle) opName() string          { return "settle" }

// Backend abstracts the pool ledger SDK: off-chain map slot reads and
// proof-carrying operation submission.
//
// FetchRecord returns (nil, nil) when the slot's present bit is false, and
// ErrRootMismatch when the off-chain root is ahead of the on-chain
// commitment. Completed records are returned as-is; hiding them is the
// Client's job.
type Backend interface {
	Connect(ctx context.Context) error
	FetchRecord(ctx context.Context, key TradeKey) (*TradeRecord, error)
	SubmitOperation(ctx context.Context, op Op) (string, error)
	PoolBalance(ctx context.Context) (uint64, error)
	ActionState(ctx context.Context) (string, error)
	ActionsSince(ctx context.Context, actionState string) ([][][]string, error)
	CreateSettlementProof(ctx context.Context) ([]byte, error)
}
