package coordinator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/escrowd"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/oracle"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/resolver"
)

type lockCall struct {
	key      pool.TradeKey
	claimant string
}

type fakeL1 struct {
	records map[pool.TradeKey]*pool.TradeRecord
	active  []pool.TradeKey

	lockCalls []lockCall
	unlocks   []pool.TradeKey
	lockErr   error
}

func (f *fakeL1) Initialize(ctx context.Context) error { return nil }

func (f *fakeL1) GetActiveTrades(ctx context.Context) []pool.TradeRecord {
	out := make([]pool.TradeRecord, 0, len(f.active))
	for _, k := range f.active {
		if rec, ok := f.records[k]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (f *fakeL1) GetTrade(ctx context.Context, key pool.TradeKey) (*pool.TradeRecord, error) {
	rec, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeL1) LockTrade(ctx context.Context, key pool.TradeKey, claimant string) (string, error) {
	if f.lockErr != nil {
		return "", f.lockErr
	}
	f.lockCalls = append(f.lockCalls, lockCall{key: key, claimant: claimant})
	f.records[key].InTransit = true
	return "l1-lock-tx", nil
}

func (f *fakeL1) EmergencyUnlock(ctx context.Context, key pool.TradeKey) (string, error) {
	f.unlocks = append(f.unlocks, key)
	if rec, ok := f.records[key]; ok {
		rec.InTransit = false
	}
	return "l1-unlock-tx", nil
}

func (f *fakeL1) RegisterTrade(key pool.TradeKey) error { return nil }

type inTransitCall struct {
	key    string
	l1TxID string
	amount uint64
}

type sendCall struct {
	key    string
	target string
}

type fakeL2 struct {
	statuses  map[string]*escrowd.Status
	statusErr map[string]error
	probes    map[string]escrowd.ProbeResult

	rejectInTransit int
	inTransitCalls  []inTransitCall
	sendCalls       []sendCall
	sendRejected    bool
}

func (f *fakeL2) GetStatus(ctx context.Context, key string) (*escrowd.Status, error) {
	if err := f.statusErr[key]; err != nil {
		return nil, err
	}
	return f.statuses[key], nil
}

func (f *fakeL2) SetInTransit(ctx context.Context, key, l1TxID string, amount uint64, snap *oracle.Snapshot) bool {
	f.inTransitCalls = append(f.inTransitCalls, inTransitCall{key: key, l1TxID: l1TxID, amount: amount})
	if f.rejectInTransit > 0 {
		f.rejectInTransit--
		return false
	}
	if st := f.statuses[key]; st != nil {
		st.InTransit = true
	}
	return true
}

func (f *fakeL2) SendToTarget(ctx context.Context, key, target string) bool {
	f.sendCalls = append(f.sendCalls, sendCall{key: key, target: target})
	return !f.sendRejected
}

func (f *fakeL2) ProbePort(ctx context.Context, key string) escrowd.ProbeResult {
	if r, ok := f.probes[key]; ok {
		return r
	}
	return escrowd.PortOwned
}

type fakeOracle struct {
	snap *oracle.Snapshot
	err  error
}

func (f *fakeOracle) Snapshot(ctx context.Context) (*oracle.Snapshot, error) {
	return f.snap, f.err
}

type fakeBook struct {
	byMina map[string]*resolver.Keypair
	byZec  map[string]*resolver.Keypair
}

func (f *fakeBook) LookupByMina(ctx context.Context, addr string) *resolver.Keypair {
	return f.byMina[addr]
}

func (f *fakeBook) LookupByZec(ctx context.Context, addr string) *resolver.Keypair {
	return f.byZec[addr]
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func testSnapshot() *oracle.Snapshot {
	return &oracle.Snapshot{
		MinaUSD:              big.NewInt(500_000_000),
		ZecUSD:               big.NewInt(50_000_000_000),
		Decimals:             big.NewInt(1_000_000_000),
		AggregationTimestamp: 1700000000000,
	}
}

const testKey = pool.TradeKey("3fa85f64-5717-4562-b3fc-2c963f66afa6")

func fundedWorld() (*fakeL1, *fakeL2, *fakeBook) {
	l1 := &fakeL1{
		records: map[pool.TradeKey]*pool.TradeRecord{
			testKey: {
				Key:       testKey,
				Depositor: "B62-alice",
				Amount:    10_000_000_000,
			},
		},
		active: []pool.TradeKey{testKey},
	}
	l2 := &fakeL2{
		statuses: map[string]*escrowd.Status{
			string(testKey): {Verified: true, OriginAddress: "zs-bob"},
		},
	}
	book := &fakeBook{
		byMina: map[string]*resolver.Keypair{
			"B62-alice": {MinaAddress: "B62-alice", ZecAddress: "t-alice"},
		},
		byZec: map[string]*resolver.Keypair{
			"zs-bob": {MinaAddress: "B62-bob", ZecAddress: "zs-bob"},
		},
	}
	return l1, l2, book
}

func newTestCoordinator(l1 *fakeL1, l2 *fakeL2, prices PriceSource, book *fakeBook) (*Coordinator, *fakeClock) {
	c := New(Config{PollInterval: time.Minute, SlippageBps: 0},
		l1, l2, prices, book, logging.NewComponentLogger("coordinator", "test"))
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	return c, clock
}

func TestHappyPathLocksBothSidesOnce(t *testing.T) {
	l1, l2, book := fundedWorld()
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())

	if len(l1.lockCalls) != 1 {
		t.Fatalf("lockTrade called %d times, want 1", len(l1.lockCalls))
	}
	if l1.lockCalls[0].claimant != "B62-bob" {
		t.Errorf("claimant = %q, want resolved origin owner B62-bob", l1.lockCalls[0].claimant)
	}
	if len(l2.inTransitCalls) != 1 {
		t.Fatalf("setInTransit called %d times, want 1", len(l2.inTransitCalls))
	}
	call := l2.inTransitCalls[0]
	if call.l1TxID != "l1-lock-tx" || call.amount != 10_000_000_000 {
		t.Errorf("setInTransit call = %+v, want l1-lock-tx / 10000000000", call)
	}

	// Re-running must not lock either side again.
	c.runCycle(context.Background())
	c.runCycle(context.Background())
	if len(l1.lockCalls) != 1 || len(l2.inTransitCalls) != 1 {
		t.Errorf("repeat cycles re-locked: l1=%d l2=%d", len(l1.lockCalls), len(l2.inTransitCalls))
	}
}

func TestL2RejectionRetriesThenEmergencyUnlocks(t *testing.T) {
	l1, l2, book := fundedWorld()
	l2.rejectInTransit = 1 << 30
	c, clock := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	for i := 1; i <= maxL2LockAttempts; i++ {
		c.runCycle(context.Background())
		clock.Advance(61 * time.Second)

		if len(l2.inTransitCalls) != i {
			t.Fatalf("after cycle %d: %d setInTransit attempts, want %d", i, len(l2.inTransitCalls), i)
		}
		if i < maxL2LockAttempts && len(l1.unlocks) != 0 {
			t.Fatalf("emergency unlock after only %d attempts", i)
		}
	}

	if len(l1.lockCalls) != 1 {
		t.Errorf("lockTrade called %d times across retries, want 1", len(l1.lockCalls))
	}
	if len(l1.unlocks) != 1 || l1.unlocks[0] != testKey {
		t.Fatalf("unlocks = %v, want exactly [%s]", l1.unlocks, testKey)
	}

	c.mu.Lock()
	_, stillLocked := c.lockedTrades[testKey]
	_, stillTx := c.l1LockTxIDs[testKey]
	_, stillRetry := c.lockRetry[testKey]
	c.mu.Unlock()
	if stillLocked || stillTx || stillRetry {
		t.Errorf("cached state survived emergency unlock: locked=%v tx=%v retry=%v",
			stillLocked, stillTx, stillRetry)
	}
}

func TestL2RetryWaitsForBackoff(t *testing.T) {
	l1, l2, book := fundedWorld()
	l2.rejectInTransit = 1
	c, clock := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())
	if len(l2.inTransitCalls) != 1 {
		t.Fatalf("first cycle made %d attempts, want 1", len(l2.inTransitCalls))
	}

	// Within the backoff window nothing happens.
	clock.Advance(10 * time.Second)
	c.runCycle(context.Background())
	if len(l2.inTransitCalls) != 1 {
		t.Fatalf("retry fired inside the backoff window")
	}

	// Past the window the retry fires and succeeds, without a second L1 lock.
	clock.Advance(55 * time.Second)
	c.runCycle(context.Background())
	if len(l2.inTransitCalls) != 2 {
		t.Fatalf("retry did not fire after backoff: %d attempts", len(l2.inTransitCalls))
	}
	if len(l1.lockCalls) != 1 {
		t.Errorf("retry re-submitted lockTrade")
	}
	if len(l1.unlocks) != 0 {
		t.Errorf("retry success still emergency unlocked")
	}
}

func TestPostClaimSweepsToDepositor(t *testing.T) {
	l1, l2, book := fundedWorld()
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())
	if len(l2.inTransitCalls) != 1 {
		t.Fatalf("precondition: trade not locked")
	}

	// The claimant collects the L1 side: the record leaves the active set
	// while the daemon still holds the escrowed funds in transit.
	l1.active = nil
	c.runCycle(context.Background())

	if len(l2.sendCalls) != 1 {
		t.Fatalf("sendToTarget called %d times, want 1", len(l2.sendCalls))
	}
	if got := l2.sendCalls[0]; got.key != string(testKey) || got.target != "t-alice" {
		t.Errorf("sweep = %+v, want depositor L2 address t-alice", got)
	}

	c.mu.Lock()
	_, stillLocked := c.lockedTrades[testKey]
	c.mu.Unlock()
	if stillLocked {
		t.Errorf("trade still cached as locked after sweep")
	}
	if len(l1.unlocks) != 0 {
		t.Errorf("sweep emergency unlocked")
	}
}

func TestPostClaimAlreadySettledDropsState(t *testing.T) {
	l1, l2, book := fundedWorld()
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())
	l1.active = nil
	l2.statuses[string(testKey)].InTransit = false

	c.runCycle(context.Background())

	if len(l2.sendCalls) != 0 {
		t.Errorf("swept a trade the daemon already settled")
	}
	c.mu.Lock()
	_, stillLocked := c.lockedTrades[testKey]
	_, stillTx := c.l1LockTxIDs[testKey]
	c.mu.Unlock()
	if stillLocked || stillTx {
		t.Errorf("cached state survived settled post-claim")
	}
}

func TestCleanSlateRecovery(t *testing.T) {
	halfLocked := pool.TradeKey("11111111-0000-0000-0000-000000000001")
	daemonDown := pool.TradeKey("11111111-0000-0000-0000-000000000002")
	consistent := pool.TradeKey("11111111-0000-0000-0000-000000000003")
	unlocked := pool.TradeKey("11111111-0000-0000-0000-000000000004")

	l1 := &fakeL1{
		records: map[pool.TradeKey]*pool.TradeRecord{
			halfLocked: {Key: halfLocked, Depositor: "B62-a", Amount: 1, InTransit: true},
			daemonDown: {Key: daemonDown, Depositor: "B62-b", Amount: 1, InTransit: true},
			consistent: {Key: consistent, Depositor: "B62-c", Amount: 1, InTransit: true},
			unlocked:   {Key: unlocked, Depositor: "B62-d", Amount: 1},
		},
		active: []pool.TradeKey{halfLocked, daemonDown, consistent, unlocked},
	}
	l2 := &fakeL2{
		statuses: map[string]*escrowd.Status{
			string(halfLocked): {Verified: true, InTransit: false},
			string(consistent): {Verified: true, InTransit: true},
		},
		statusErr: map[string]error{
			string(daemonDown): errors.New("connection refused"),
		},
	}
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, &fakeBook{})

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	got := make(map[pool.TradeKey]bool, len(l1.unlocks))
	for _, k := range l1.unlocks {
		got[k] = true
	}
	if len(got) != 2 || !got[halfLocked] || !got[daemonDown] {
		t.Errorf("recovery unlocked %v, want exactly {%s, %s}", l1.unlocks, halfLocked, daemonDown)
	}
}

func TestForeignPortSkipsTrade(t *testing.T) {
	l1, l2, book := fundedWorld()
	l2.probes = map[string]escrowd.ProbeResult{string(testKey): escrowd.PortForeign}
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())

	if len(l1.lockCalls) != 0 || len(l2.inTransitCalls) != 0 {
		t.Errorf("locked a trade whose daemon port belongs to a foreign process")
	}
}

func TestFreePortWaitsForDaemon(t *testing.T) {
	l1, l2, book := fundedWorld()
	l2.probes = map[string]escrowd.ProbeResult{string(testKey): escrowd.PortFree}
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())

	if len(l1.lockCalls) != 0 {
		t.Errorf("locked a trade with no escrow daemon running")
	}
}

func TestUnverifiedDepositNotLocked(t *testing.T) {
	l1, l2, book := fundedWorld()
	l2.statuses[string(testKey)].Verified = false
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())

	if len(l1.lockCalls) != 0 {
		t.Errorf("locked a trade before the L2 deposit was verified")
	}
}

func TestOracleOutagePreventsAnyLock(t *testing.T) {
	l1, l2, book := fundedWorld()
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{err: errors.New("oracle down")}, book)

	c.runCycle(context.Background())

	if len(l1.lockCalls) != 0 || len(l2.inTransitCalls) != 0 {
		t.Errorf("locked without a price snapshot: l1=%d l2=%d",
			len(l1.lockCalls), len(l2.inTransitCalls))
	}
}

func TestUnresolvedOriginDefaultsClaimantToDepositor(t *testing.T) {
	l1, l2, book := fundedWorld()
	book.byZec = nil
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())

	if len(l1.lockCalls) != 1 {
		t.Fatalf("lockTrade called %d times, want 1", len(l1.lockCalls))
	}
	if l1.lockCalls[0].claimant != "B62-alice" {
		t.Errorf("claimant = %q, want depositor fallback B62-alice", l1.lockCalls[0].claimant)
	}
}

func TestStopClearsState(t *testing.T) {
	l1, l2, book := fundedWorld()
	c, _ := newTestCoordinator(l1, l2, &fakeOracle{snap: testSnapshot()}, book)

	c.runCycle(context.Background())
	c.Start(context.Background())
	c.Stop()

	stats := c.GetStats()
	if stats.LockedTrades != 0 {
		t.Errorf("locked trades survived Stop: %d", stats.LockedTrades)
	}
}
