package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
)

func snapshotFor(t *testing.T, minaUSD, zecUSD, decimals int64) *Snapshot {
	t.Helper()
	return &Snapshot{
		MinaUSD:              big.NewInt(minaUSD),
		ZecUSD:               big.NewInt(zecUSD),
		Decimals:             big.NewInt(decimals),
		AggregationTimestamp: 1700000000000,
	}
}

func TestCrossRates(t *testing.T) {
	// 0.5 USD mina, 50 USD zec, 1e9 fixed point.
	snap := snapshotFor(t, 500_000_000, 50_000_000_000, 1_000_000_000)

	zecPerMina, err := snap.ZecPerMina()
	if err != nil {
		t.Fatalf("ZecPerMina() error: %v", err)
	}
	if zecPerMina.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Errorf("ZecPerMina() = %s, want 10000000", zecPerMina)
	}

	minaPerZec, err := snap.MinaPerZec()
	if err != nil {
		t.Fatalf("MinaPerZec() error: %v", err)
	}
	if minaPerZec.Cmp(big.NewInt(100_000_000_000)) != 0 {
		t.Errorf("MinaPerZec() = %s, want 100000000000", minaPerZec)
	}
}

func TestZecEquivalent(t *testing.T) {
	snap := snapshotFor(t, 500_000_000, 50_000_000_000, 1_000_000_000)

	tests := []struct {
		name        string
		amount      uint64
		slippageBps int
		want        int64
		wantErr     bool
	}{
		{name: "ten mina", amount: 10_000_000_000, want: 100_000_000},
		{name: "with 100bps slippage", amount: 10_000_000_000, slippageBps: 100, want: 99_000_000},
		{name: "dust rounds to zero", amount: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := snap.ZecEquivalent(tt.amount, tt.slippageBps)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ZecEquivalent() = %s, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ZecEquivalent() error: %v", err)
			}
			if got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("ZecEquivalent() = %s, want %d", got, tt.want)
			}
		})
	}
}

func TestSnapshotRejectsZeroPrice(t *testing.T) {
	snap := snapshotFor(t, 0, 50_000_000_000, 1_000_000_000)
	if _, err := snap.ZecPerMina(); err == nil {
		t.Error("ZecPerMina() accepted zero price")
	}
}

func priceServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var price string
		switch r.URL.Path {
		case "/price/mina":
			price = "500000000"
		case "/price/zcash":
			price = "50000000000"
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"price": %s, "decimals": 1000000000, "aggregationTimestamp": 1700000000000}`, price)
	}))
}

func TestSnapshotCachesWithinTTL(t *testing.T) {
	var calls int64
	srv := priceServer(t, &calls)
	defer srv.Close()

	client := New(srv.URL, "test-key", 8*time.Minute, logging.NewComponentLogger("test", "dev"))
	now := time.Unix(1000, 0)
	client.now = func() time.Time { return now }

	first, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if first.MinaUSD.Cmp(big.NewInt(500_000_000)) != 0 {
		t.Errorf("MinaUSD = %s, want 500000000", first.MinaUSD)
	}

	// Second call inside the TTL must not hit the provider again.
	now = now.Add(time.Minute)
	if _, err := client.Snapshot(context.Background()); err != nil {
		t.Fatalf("cached Snapshot() error: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("provider calls = %d, want 2 (one per asset)", got)
	}

	// Past the TTL the cache is refreshed.
	now = now.Add(10 * time.Minute)
	if _, err := client.Snapshot(context.Background()); err != nil {
		t.Fatalf("refreshed Snapshot() error: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 4 {
		t.Errorf("provider calls = %d, want 4 after refresh", got)
	}
}

func TestSnapshotFailsOnMissingPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/price/zcash" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"price": 500000000, "decimals": 1000000000, "aggregationTimestamp": 1700000000000,
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "", time.Minute, logging.NewComponentLogger("test", "dev"))
	if _, err := client.Snapshot(context.Background()); err == nil {
		t.Error("Snapshot() succeeded with a missing price")
	}
}
