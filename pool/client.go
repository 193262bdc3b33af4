package pool

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
)

// Client wraps a Backend with the operator's data-access policy: iterating
// tracked keys, dropping completed records, classifying transient reads, and
// guaranteeing that lock submissions never succeed without a transaction id.
type Client struct {
	backend Backend
	tracked *TrackedKeys
	log     *logging.ComponentLogger
}

// NewClient creates a pool client over the given backend and tracked-key
// store.
func NewClient(backend Backend, tracked *TrackedKeys, logger *logging.ComponentLogger) *Client {
	return &Client{
		backend: backend,
		tracked: tracked,
		log:     logger,
	}
}

// Initialize connects the backend to the configured pool instance.
func (c *Client) Initialize(ctx context.Context) error {
	return c.backend.Connect(ctx)
}

// GetActiveTrades fetches the off-chain map slot for every tracked key and
// returns the live records. Absent slots are skipped; completed slots are
// skipped and unregistered; a root-mismatch read is transient and swallowed
// for that key. No per-key error is ever fatal.
func (c *Client) GetActiveTrades(ctx context.Context) []TradeRecord {
	var out []TradeRecord
	for _, key := range c.tracked.List() {
		rec, err := c.backend.FetchRecord(ctx, key)
		if err != nil {
			if errors.Is(err, ErrRootMismatch) {
				c.log.Debug().Str("key", string(key)).Msg("Offchain root mismatch, retrying next cycle")
				continue
			}
			c.log.Warn().Err(err).Str("key", string(key)).Msg("Failed to fetch trade record")
			continue
		}
		if rec == nil {
			continue
		}
		if rec.Completed {
			if err := c.tracked.Unregister(key); err != nil {
				c.log.Warn().Err(err).Str("key", string(key)).Msg("Failed to unregister completed trade")
			}
			continue
		}
		if !rec.Active() {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// GetTrade fetches a single record. Returns (nil, nil) for absent or
// completed slots.
func (c *Client) GetTrade(ctx context.Context, key TradeKey) (*TradeRecord, error) {
	rec, err := c.backend.FetchRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Completed {
		return nil, nil
	}
	return rec, nil
}

// LockTrade submits the operator lock for key, naming claimant as the party
// authorized to claim the L1 side. Never succeeds without a non-empty
// transaction id.
func (c *Client) LockTrade(ctx context.Context, key TradeKey, claimant string) (string, error) {
	txID, err := c.backend.SubmitOperation(ctx, LockTrade{Key: key, Claimant: claimant})
	if err != nil {
		return "", errors.Wrapf(err, "lockTrade %s", key)
	}
	if txID == "" {
		return "", errors.Errorf("lockTrade %s accepted without a transaction id", key)
	}
	c.log.Info().Str("key", string(key)).Str("claimant", claimant).Str("tx", txID).Msg("Submitted lockTrade")
	return txID, nil
}

// EmergencyUnlock clears the operator lock for key.
func (c *Client) EmergencyUnlock(ctx context.Context, key TradeKey) (string, error) {
	txID, err := c.backend.SubmitOperation(ctx, EmergencyUnlock{Key: key})
	if err != nil {
		return "", errors.Wrapf(err, "emergencyUnlock %s", key)
	}
	if txID == "" {
		return "", errors.Errorf("emergencyUnlock %s accepted without a transaction id", key)
	}
	c.log.Info().Str("key", string(key)).Str("tx", txID).Msg("Submitted emergencyUnlock")
	return txID, nil
}

// GetPoolBalance returns the pool account balance in smallest units.
func (c *Client) GetPoolBalance(ctx context.Context) (uint64, error) {
	return c.backend.PoolBalance(ctx)
}

// RegisterTrade starts tracking key.
func (c *Client) RegisterTrade(key TradeKey) error {
	return c.tracked.Register(key)
}

// UnregisterTrade stops tracking key.
func (c *Client) UnregisterTrade(key TradeKey) error {
	return c.tracked.Unregister(key)
}

// TrackedKeys returns the currently tracked keys.
func (c *Client) TrackedKeys() []TradeKey {
	return c.tracked.List()
}
