// Package resolver maps counterparty addresses between the two ledgers via
// the external keypair store.
package resolver

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
)

const queryTimeout = 5 * time.Second

// Keypair is one known counterparty: its address on each ledger.
type Keypair struct {
	MinaAddress string
	ZecAddress  string
}

// Client reads the keypair store with single-row semantics. Absence is a
// first-class state (nil record); query errors also resolve to nil and are
// logged, never propagated.
type Client struct {
	pool *pgxpool.Pool
	log  *logging.ComponentLogger
}

// New connects to the keypair store. dsn is a Postgres connection string;
// when key is non-empty it overrides the DSN password.
func New(ctx context.Context, dsn, key string, logger *logging.ComponentLogger) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse resolver DSN")
	}
	if key != "" {
		cfg.ConnConfig.Password = key
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to keypair store")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping keypair store")
	}
	return &Client{pool: pool, log: logger}, nil
}

// LookupByMina returns the keypair owning the given L1 address, or nil.
func (c *Client) LookupByMina(ctx context.Context, addr string) *Keypair {
	return c.lookup(ctx, "mina_address", addr)
}

// LookupByZec returns the keypair owning the given L2 address, or nil.
func (c *Client) LookupByZec(ctx context.Context, addr string) *Keypair {
	return c.lookup(ctx, "zec_address", addr)
}

func (c *Client) lookup(ctx context.Context, column, addr string) *Keypair {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var kp Keypair
	query := "SELECT mina_address, zec_address FROM keypairs WHERE " + column + " = $1 LIMIT 1"
	err := c.pool.QueryRow(ctx, query, addr).Scan(&kp.MinaAddress, &kp.ZecAddress)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			c.log.Warn().Err(err).Str("address", addr).Msg("Keypair lookup failed")
		}
		return nil
	}
	return &kp
}

// Close releases the store connections.
func (c *Client) Close() {
	c.pool.Close()
}
