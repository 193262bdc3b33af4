// Package coordinator drives atomic cross-chain swaps: it polls both
// ledgers, enforces the two-phase lock, recovers from partial failures and
// sweeps proceeds to the counterparties once the L1 side is claimed.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/escrowd"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/metrics"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/oracle"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/resolver"
)

const (
	maxL2LockAttempts  = 5
	l2LockRetryBackoff = 60 * time.Second
)

// L1Client is the escrow-pool surface the coordinator consumes.
type L1Client interface {
	Initialize(ctx context.Context) error
	GetActiveTrades(ctx context.Context) []pool.TradeRecord
	GetTrade(ctx context.Context, key pool.TradeKey) (*pool.TradeRecord, error)
	LockTrade(ctx context.Context, key pool.TradeKey, claimant string) (string, error)
	EmergencyUnlock(ctx context.Context, key pool.TradeKey) (string, error)
	RegisterTrade(key pool.TradeKey) error
}

// L2Client is the escrow-daemon surface the coordinator consumes.
type L2Client interface {
	GetStatus(ctx context.Context, key string) (*escrowd.Status, error)
	SetInTransit(ctx context.Context, key, l1TxID string, expectedAmount uint64, snap *oracle.Snapshot) bool
	SendToTarget(ctx context.Context, key, target string) bool
	ProbePort(ctx context.Context, key string) escrowd.ProbeResult
}

// PriceSource provides oracle snapshots.
type PriceSource interface {
	Snapshot(ctx context.Context) (*oracle.Snapshot, error)
}

// AddressBook resolves counterparty addresses between the two ledgers.
type AddressBook interface {
	LookupByMina(ctx context.Context, addr string) *resolver.Keypair
	LookupByZec(ctx context.Context, addr string) *resolver.Keypair
}

// Config holds the coordinator's tunables.
type Config struct {
	PollInterval time.Duration
	SlippageBps  int
}

// retryState is the backoff ledger for one trade's L2 lock step.
type retryState struct {
	attempts    int
	nextAttempt time.Time
}

// CombinedState joins both sides' view of one trade.
type CombinedState struct {
	Key    pool.TradeKey
	Record *pool.TradeRecord
	L2     *escrowd.Status
}

// ReadyToLock reports whether the two-phase lock may begin: both sides
// funded, neither side locked.
func (s CombinedState) ReadyToLock() bool {
	return s.Record != nil && s.L2 != nil &&
		!s.Record.InTransit && s.L2.Verified && !s.L2.InTransit
}

// Stats is a point-in-time view for the health endpoint.
type Stats struct {
	Cycles       uint64    `json:"cycles"`
	ActiveTrades int       `json:"active_trades"`
	LockedTrades int       `json:"locked_trades"`
	LastCycle    time.Time `json:"last_cycle"`
}

// Coordinator owns the polling loop and the per-trade state machine. All
// business state is memory-resident; a restart recovers through the
// clean-slate pass in Initialize.
type Coordinator struct {
	cfg    Config
	l1     L1Client
	l2     L2Client
	prices PriceSource
	book   AddressBook
	log    *logging.ComponentLogger
	now    func() time.Time

	mu                sync.Mutex
	lockedTrades      map[pool.TradeKey]pool.TradeRecord
	lockRetry         map[pool.TradeKey]*retryState
	l1LockTxIDs       map[pool.TradeKey]string
	lockingInProgress map[pool.TradeKey]struct{}
	cycles            uint64
	activeCount       int
	lastCycle         time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a coordinator over the given collaborators.
func New(cfg Config, l1 L1Client, l2 L2Client, prices PriceSource, book AddressBook, logger *logging.ComponentLogger) *Coordinator {
	return &Coordinator{
		cfg:               cfg,
		l1:                l1,
		l2:                l2,
		prices:            prices,
		book:              book,
		log:               logger,
		now:               time.Now,
		lockedTrades:      make(map[pool.TradeKey]pool.TradeRecord),
		lockRetry:         make(map[pool.TradeKey]*retryState),
		l1LockTxIDs:       make(map[pool.TradeKey]string),
		lockingInProgress: make(map[pool.TradeKey]struct{}),
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Initialize connects the L1 client and runs clean-slate recovery before
// returning: any on-chain lock without a matching L2 lock is emergency
// unlocked, so the poll loop starts from a consistent world.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if err := c.l1.Initialize(ctx); err != nil {
		return err
	}
	c.recoverCleanSlate(ctx)
	return nil
}

// recoverCleanSlate emergency-unlocks every on-chain record that is in
// transit while its L2 daemon is unreachable or reports no lock.
func (c *Coordinator) recoverCleanSlate(ctx context.Context) {
	trades := c.l1.GetActiveTrades(ctx)
	for _, t := range trades {
		if !t.InTransit {
			continue
		}
		status, err := c.l2.GetStatus(ctx, string(t.Key))
		if err == nil && status != nil && status.InTransit {
			c.log.Info().Str("key", string(t.Key)).Msg("Recovery: both sides locked, leaving as-is")
			continue
		}

		c.log.Warn().Str("key", string(t.Key)).
			Msg("Recovery: L1 locked without matching L2 lock, emergency unlocking")
		if _, uerr := c.l1.EmergencyUnlock(ctx, t.Key); uerr != nil {
			c.log.Error().Err(uerr).Str("key", string(t.Key)).Msg("Recovery unlock failed")
		} else {
			metrics.EmergencyUnlocksTotal.Inc()
		}
	}
}

// Start begins the poll loop. Stop (or ctx cancellation) is a soft cancel:
// the in-flight cycle completes, the next one is never scheduled.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		c.runCycle(ctx)
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the loop and clears all in-memory trade state.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedTrades = make(map[pool.TradeKey]pool.TradeRecord)
	c.lockRetry = make(map[pool.TradeKey]*retryState)
	c.l1LockTxIDs = make(map[pool.TradeKey]string)
	c.lockingInProgress = make(map[pool.TradeKey]struct{})
}

// RegisterTrade starts tracking a trade key and persists it.
func (c *Coordinator) RegisterTrade(key pool.TradeKey) error {
	return c.l1.RegisterTrade(key)
}

// GetStats returns a snapshot for the health endpoint.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Cycles:       c.cycles,
		ActiveTrades: c.activeCount,
		LockedTrades: len(c.lockedTrades),
		LastCycle:    c.lastCycle,
	}
}

// runCycle is one logical tick: evaluate every active trade, then sweep
// every locked trade that vanished from the active set. Per-key failures
// are logged and never abort the cycle.
func (c *Coordinator) runCycle(ctx context.Context) {
	metrics.PollCyclesTotal.Inc()

	trades := c.l1.GetActiveTrades(ctx)
	activeKeys := make(map[pool.TradeKey]struct{}, len(trades))
	for _, t := range trades {
		activeKeys[t.Key] = struct{}{}
	}
	metrics.ActiveTrades.Set(float64(len(trades)))

	for _, t := range trades {
		c.processTrade(ctx, t)
	}

	c.mu.Lock()
	vanished := make(map[pool.TradeKey]pool.TradeRecord)
	for k, cached := range c.lockedTrades {
		if _, active := activeKeys[k]; !active {
			vanished[k] = cached
		}
	}
	c.mu.Unlock()

	for k, cached := range vanished {
		c.handlePostClaim(ctx, k, cached)
	}

	c.mu.Lock()
	c.cycles++
	c.activeCount = len(trades)
	c.lastCycle = c.now()
	lockedCount := len(c.lockedTrades)
	c.mu.Unlock()
	metrics.LockedTrades.Set(float64(lockedCount))
}
