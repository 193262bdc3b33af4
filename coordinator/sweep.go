package coordinator

import (
	"context"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/metrics"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
)

// handlePostClaim runs when a trade we locked disappears from the active
// set, meaning the claimant collected the L1 side. The escrowed L2 funds
// are then swept to the depositor's L2 address.
func (c *Coordinator) handlePostClaim(ctx context.Context, k pool.TradeKey, cached pool.TradeRecord) {
	status, err := c.l2.GetStatus(ctx, string(k))
	if err != nil {
		c.log.Warn().Err(err).Str("key", string(k)).
			Msg("Escrow daemon unreachable after claim, dropping cached lock state")
		c.dropLockState(k)
		return
	}
	if status == nil || !status.InTransit {
		c.log.Info().Str("key", string(k)).
			Msg("L2 side already settled after claim, dropping cached lock state")
		c.dropLockState(k)
		return
	}

	kp := c.book.LookupByMina(ctx, cached.Depositor)
	if kp == nil {
		c.log.Warn().Str("key", string(k)).Str("depositor", cached.Depositor).
			Msg("No L2 address for depositor, sweep deferred")
		return
	}

	if !c.l2.SendToTarget(ctx, string(k), kp.ZecAddress) {
		c.log.Warn().Str("key", string(k)).Msg("Post-claim sweep rejected, will retry")
		return
	}
	metrics.SweepsTotal.Inc()
	c.log.Info().Str("key", string(k)).Str("target", kp.ZecAddress).
		Msg("Swept escrowed funds to depositor")

	c.mu.Lock()
	delete(c.lockedTrades, k)
	c.mu.Unlock()
}

// dropLockState forgets everything cached for a trade. Ledger state is
// left untouched.
func (c *Coordinator) dropLockState(k pool.TradeKey) {
	c.mu.Lock()
	delete(c.lockedTrades, k)
	delete(c.l1LockTxIDs, k)
	delete(c.lockRetry, k)
	c.mu.Unlock()
}
