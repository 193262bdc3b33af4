// Package oracle fetches the two USD prices the lock protocol needs and
// derives the scaled cross-rate between them.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
)

const fetchTimeout = 8 * time.Second

// Snapshot is one aggregated price observation. Prices are fixed-point
// integers scaled by Decimals.
type Snapshot struct {
	MinaUSD              *big.Int
	ZecUSD               *big.Int
	Decimals             *big.Int
	AggregationTimestamp int64
}

// ZecPerMina returns the scaled cross-rate mina_usd * decimals / zec_usd.
func (s *Snapshot) ZecPerMina() (*big.Int, error) {
	return s.crossRate(s.MinaUSD, s.ZecUSD)
}

// MinaPerZec returns the reciprocal scaled cross-rate.
func (s *Snapshot) MinaPerZec() (*big.Int, error) {
	return s.crossRate(s.ZecUSD, s.MinaUSD)
}

func (s *Snapshot) crossRate(num, den *big.Int) (*big.Int, error) {
	if num == nil || den == nil || s.Decimals == nil {
		return nil, errors.New("incomplete oracle snapshot")
	}
	if num.Sign() <= 0 || den.Sign() <= 0 || s.Decimals.Sign() <= 0 {
		return nil, errors.New("oracle snapshot has non-positive price")
	}
	rate := new(big.Int).Mul(num, s.Decimals)
	rate.Quo(rate, den)
	if rate.Sign() <= 0 {
		return nil, errors.New("derived cross-rate is non-positive")
	}
	return rate, nil
}

// ZecEquivalent converts an L1 amount in smallest units to its L2
// equivalent at this snapshot's rate, shaving slippageBps basis points.
func (s *Snapshot) ZecEquivalent(amount uint64, slippageBps int) (*big.Int, error) {
	rate, err := s.ZecPerMina()
	if err != nil {
		return nil, err
	}
	out := new(big.Int).SetUint64(amount)
	out.Mul(out, rate)
	out.Quo(out, s.Decimals)
	if slippageBps > 0 {
		out.Mul(out, big.NewInt(int64(10_000-slippageBps)))
		out.Quo(out, big.NewInt(10_000))
	}
	if out.Sign() <= 0 {
		return nil, errors.Errorf("zec equivalent of %d is non-positive", amount)
	}
	return out, nil
}

// Client fetches prices from the rate provider and caches the snapshot for
// a TTL, so back-to-back lock attempts within one window share one
// observation.
type Client struct {
	url        string
	key        string
	ttl        time.Duration
	httpClient *http.Client
	log        *logging.ComponentLogger
	now        func() time.Time

	mu        sync.Mutex
	cached    *Snapshot
	fetchedAt time.Time
}

// New creates an oracle client for the given provider.
func New(url, key string, ttl time.Duration, logger *logging.ComponentLogger) *Client {
	return &Client{
		url:        url,
		key:        key,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: fetchTimeout},
		log:        logger,
		now:        time.Now,
	}
}

// priceResponse is the provider's per-asset payload.
type priceResponse struct {
	Price                json.Number `json:"price"`
	Decimals             json.Number `json:"decimals"`
	AggregationTimestamp int64       `json:"aggregationTimestamp"`
}

// Snapshot returns the cached snapshot when fresh, otherwise fetches both
// prices concurrently. Missing or zero prices are an error: the caller must
// not lock on a bad observation.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	var mina, zec *priceResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mina, err = c.fetchPrice(gctx, "mina")
		return err
	})
	g.Go(func() error {
		var err error
		zec, err = c.fetchPrice(gctx, "zcash")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap, err := buildSnapshot(mina, zec)
	if err != nil {
		return nil, err
	}

	c.cached = snap
	c.fetchedAt = c.now()
	c.log.Debug().
		Str("mina_usd", snap.MinaUSD.String()).
		Str("zec_usd", snap.ZecUSD.String()).
		Int64("aggregated_at", snap.AggregationTimestamp).
		Msg("Refreshed oracle snapshot")
	return snap, nil
}

func buildSnapshot(mina, zec *priceResponse) (*Snapshot, error) {
	minaUSD, ok := new(big.Int).SetString(mina.Price.String(), 10)
	if !ok || minaUSD.Sign() <= 0 {
		return nil, errors.Errorf("oracle returned bad mina price %q", mina.Price)
	}
	zecUSD, ok := new(big.Int).SetString(zec.Price.String(), 10)
	if !ok || zecUSD.Sign() <= 0 {
		return nil, errors.Errorf("oracle returned bad zec price %q", zec.Price)
	}
	decimals, ok := new(big.Int).SetString(mina.Decimals.String(), 10)
	if !ok || decimals.Sign() <= 0 {
		return nil, errors.Errorf("oracle returned bad decimals %q", mina.Decimals)
	}

	snap := &Snapshot{
		MinaUSD:              minaUSD,
		ZecUSD:               zecUSD,
		Decimals:             decimals,
		AggregationTimestamp: mina.AggregationTimestamp,
	}
	// Both derived rates must be computable before the snapshot is usable.
	if _, err := snap.ZecPerMina(); err != nil {
		return nil, err
	}
	if _, err := snap.MinaPerZec(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) fetchPrice(ctx context.Context, symbol string) (*priceResponse, error) {
	url := fmt.Sprintf("%s/price/%s", c.url, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build price request for %s", symbol)
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "price fetch for %s failed", symbol)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("price provider returned HTTP %d for %s", resp.StatusCode, symbol)
	}

	var price priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return nil, errors.Wrapf(err, "failed to decode price for %s", symbol)
	}
	return &price, nil
}
