// Package settlement runs the periodic process that folds pending off-chain
// actions into a committed root. It shares no mutable state with the
// coordinator.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/metrics"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
)

// Worker counts pending actions on a timer and settles once the threshold
// is reached. The loop body runs synchronously in a single goroutine, so a
// still-running proof generation suppresses the next tick by construction.
type Worker struct {
	backend    pool.Backend
	interval   time.Duration
	minActions int
	log        *logging.ComponentLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker creates a settlement worker over the given backend.
func NewWorker(backend pool.Backend, interval time.Duration, minActions int, logger *logging.ComponentLogger) *Worker {
	return &Worker{
		backend:    backend,
		interval:   interval,
		minActions: minActions,
		log:        logger,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs one check immediately, then checks at the configured interval
// until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		w.checkOnce(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.checkOnce(ctx)
			}
		}
	}()
}

// Stop ceases scheduling. An in-flight check is allowed to complete; Stop
// returns once the loop has exited.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// checkOnce is one settlement pass. Every error is logged and swallowed:
// the worker must survive to the next tick.
func (w *Worker) checkOnce(ctx context.Context) {
	metrics.SettlementChecksTotal.Inc()

	balance, err := w.backend.PoolBalance(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to refresh pool account")
		return
	}
	metrics.PoolBalance.Set(float64(balance))

	actionState, err := w.backend.ActionState(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to read committed action state")
		return
	}

	blocks, err := w.backend.ActionsSince(ctx, actionState)
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to fetch pending actions")
		return
	}

	pending := countActions(blocks)
	metrics.PendingActions.Set(float64(pending))
	if pending < w.minActions {
		w.log.Debug().Int("pending", pending).Int("threshold", w.minActions).
			Msg("Not enough pending actions to settle")
		return
	}

	w.log.Info().Int("pending", pending).Msg("Generating settlement proof")
	started := time.Now()
	proof, err := w.backend.CreateSettlementProof(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Settlement proof generation failed")
		return
	}

	txID, err := w.backend.SubmitOperation(ctx, pool.Settle{Proof: proof})
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to submit settlement")
		return
	}
	metrics.SettlementProofsTotal.Inc()
	w.log.Info().Str("tx", txID).Dur("proof_time", time.Since(started)).
		Int("actions", pending).Msg("Settled pending actions")
}

// countActions sums the actions across the nested block -> account update
// -> action grouping the node returns.
func countActions(blocks [][][]string) int {
	total := 0
	for _, block := range blocks {
		for _, update := range block {
			total += len(update)
		}
	}
	return total
}
