package coordinator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/escrowd"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/metrics"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
)

// processTrade evaluates one active trade and advances its state machine if
// possible. Keys whose L1 lock already succeeded are skipped unless an L2
// retry is pending.
func (c *Coordinator) processTrade(ctx context.Context, rec pool.TradeRecord) {
	k := rec.Key

	c.mu.Lock()
	_, locked := c.lockedTrades[k]
	_, hasRetry := c.lockRetry[k]
	_, inProgress := c.lockingInProgress[k]
	c.mu.Unlock()

	if inProgress {
		return
	}
	if locked && !hasRetry {
		// Both sides locked; nothing to do until the claim lands.
		return
	}

	if !locked {
		switch c.l2.ProbePort(ctx, string(k)) {
		case escrowd.PortForeign:
			c.log.Error().Str("key", string(k)).
				Msg("Daemon port occupied by a foreign process, skipping trade")
			metrics.PortCollisionsTotal.Inc()
			return
		case escrowd.PortFree:
			c.log.Debug().Str("key", string(k)).Msg("No escrow daemon for trade yet")
			return
		}
	}

	l1rec, err := c.l1.GetTrade(ctx, k)
	if err != nil {
		c.log.Warn().Err(err).Str("key", string(k)).Msg("Failed to read trade record")
		metrics.CycleErrorsTotal.Inc()
		return
	}
	status, err := c.l2.GetStatus(ctx, string(k))
	if err != nil {
		c.log.Warn().Err(err).Str("key", string(k)).Msg("Escrow daemon unreachable")
		metrics.CycleErrorsTotal.Inc()
		return
	}
	if l1rec == nil || status == nil {
		return
	}

	combined := CombinedState{Key: k, Record: l1rec, L2: status}

	// A pending retry re-enters the lock sequence directly: phase one is a
	// no-op because the L1 transaction id is cached.
	if !hasRetry && !combined.ReadyToLock() {
		return
	}

	if err := c.lockBothSides(ctx, combined); err != nil {
		c.log.Warn().Err(err).Str("key", string(k)).Msg("Lock sequence did not complete")
		metrics.CycleErrorsTotal.Inc()
	}
}

// lockBothSides runs the two-phase lock for one trade. Phase one submits
// lockTrade on L1 at most once per trade; phase two marks the escrow daemon
// in transit, with backoff-limited retries and an emergency unlock once the
// attempt budget is exhausted.
func (c *Coordinator) lockBothSides(ctx context.Context, st CombinedState) error {
	k := st.Key

	c.mu.Lock()
	if _, busy := c.lockingInProgress[k]; busy {
		c.mu.Unlock()
		return nil
	}
	c.lockingInProgress[k] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.lockingInProgress, k)
		c.mu.Unlock()
	}()

	snap, err := c.prices.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "no usable price snapshot")
	}

	// Sanity check the conversion before touching either ledger: a dust
	// amount or an inverted rate must never produce a lock.
	zecAmount, err := snap.ZecEquivalent(st.Record.Amount, c.cfg.SlippageBps)
	if err != nil {
		return errors.Wrapf(err, "refusing to lock %s", k)
	}

	claimant := st.Record.Depositor
	if st.L2.OriginAddress == "" {
		c.log.Warn().Str("key", string(k)).
			Msg("Daemon reported no origin address, claimant defaults to depositor")
	} else if kp := c.book.LookupByZec(ctx, st.L2.OriginAddress); kp != nil {
		claimant = kp.MinaAddress
	} else {
		c.log.Warn().Str("key", string(k)).Str("origin", st.L2.OriginAddress).
			Msg("Origin address not in resolver, claimant defaults to depositor")
	}

	c.mu.Lock()
	txID, haveTx := c.l1LockTxIDs[k]
	c.mu.Unlock()

	if !haveTx {
		txID, err = c.l1.LockTrade(ctx, k, claimant)
		if err != nil {
			return errors.Wrap(err, "lockTrade submission failed")
		}
		c.mu.Lock()
		c.l1LockTxIDs[k] = txID
		c.lockedTrades[k] = *st.Record
		c.mu.Unlock()
		metrics.L1LocksTotal.Inc()
		c.log.Info().Str("key", string(k)).Str("tx", txID).Str("claimant", claimant).
			Msg("Locked trade on L1")
	}

	now := c.now()
	c.mu.Lock()
	retry := c.lockRetry[k]
	c.mu.Unlock()
	if retry != nil && now.Before(retry.nextAttempt) {
		return nil
	}

	metrics.L2LockAttemptsTotal.Inc()
	if c.l2.SetInTransit(ctx, string(k), txID, st.Record.Amount, snap) {
		c.mu.Lock()
		delete(c.lockRetry, k)
		c.mu.Unlock()
		c.log.Info().Str("key", string(k)).Str("zec_equivalent", zecAmount.String()).
			Msg("Locked trade on both sides")
		return nil
	}
	metrics.L2LockFailuresTotal.Inc()

	c.mu.Lock()
	if retry == nil {
		retry = &retryState{}
		c.lockRetry[k] = retry
	}
	retry.attempts++
	retry.nextAttempt = now.Add(l2LockRetryBackoff)
	attempts := retry.attempts
	c.mu.Unlock()

	if attempts < maxL2LockAttempts {
		c.log.Warn().Str("key", string(k)).Int("attempt", attempts).
			Msg("Escrow daemon rejected in-transit, will retry")
		return nil
	}

	c.log.Error().Str("key", string(k)).Int("attempts", attempts).
		Msg("Escrow daemon kept rejecting in-transit, emergency unlocking L1")
	if _, uerr := c.l1.EmergencyUnlock(ctx, k); uerr != nil {
		return errors.Wrap(uerr, "emergency unlock failed")
	}
	metrics.EmergencyUnlocksTotal.Inc()

	c.mu.Lock()
	delete(c.lockedTrades, k)
	delete(c.l1LockTxIDs, k)
	delete(c.lockRetry, k)
	c.mu.Unlock()
	return nil
}
