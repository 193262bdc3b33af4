package escrowd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/oracle"
)

const (
	requestTimeout = 8 * time.Second
	probeTimeout   = 2 * time.Second
)

// Status is the daemon's view of the L2 side of a trade.
type Status struct {
	Verified       bool    `json:"verified"`
	InTransit      bool    `json:"in_transit"`
	OriginAddress  string  `json:"origin_address,omitempty"`
	Origin         *Origin `json:"origin,omitempty"`
	ReceivedAmount string  `json:"received_amount,omitempty"`
	Status         string  `json:"status,omitempty"`
}

// Origin is the nested origin block older daemons emit instead of the
// top-level origin_address.
type Origin struct {
	OriginAddress string `json:"origin_address"`
	OriginType    string `json:"origin_type"`
}

// Addresses are the daemon's receiving addresses.
type Addresses struct {
	UA          string `json:"ua,omitempty"`
	Transparent string `json:"transparent,omitempty"`
	Shielded    string `json:"shielded,omitempty"`
}

// ProbeResult classifies what is listening on a trade's port.
type ProbeResult int

const (
	// PortFree: nothing answered (connection refused or timeout).
	PortFree ProbeResult = iota
	// PortOwned: a daemon of ours answered the readiness probe.
	PortOwned
	// PortForeign: something answered HTTP but not like our daemon.
	PortForeign
)

// setInTransitRequest is the lock request body. Field names are wire-stable:
// the deployed daemons expect exactly these.
type setInTransitRequest struct {
	MinaTxHash           string `json:"mina_tx_hash"`
	ExpectedMinaAmount   string `json:"expected_mina_amount"`
	MinaUSD              string `json:"mina_usd"`
	ZecUSD               string `json:"zec_usd"`
	Decimals             int64  `json:"decimals"`
	AggregationTimestamp int64  `json:"aggregationTimestamp"`
}

type sendTargetRequest struct {
	TargetAddress string `json:"target_address"`
}

// Client talks to per-trade escrow daemons. Every call is single-attempt:
// retry policy belongs to the coordinator.
type Client struct {
	baseURL     string
	token       string
	ports       *PortAllocator
	httpClient  *http.Client
	probeClient *http.Client
	log         *logging.ComponentLogger
}

// NewClient creates a daemon client rooted at baseURL (scheme://host, no
// port) using the given allocator for key -> port mapping.
func NewClient(baseURL, token string, ports *PortAllocator, logger *logging.ComponentLogger) *Client {
	return &Client{
		baseURL:     baseURL,
		token:       token,
		ports:       ports,
		httpClient:  &http.Client{Timeout: requestTimeout},
		probeClient: &http.Client{Timeout: probeTimeout},
		log:         logger,
	}
}

// Ports exposes the allocator so the owner can consult it directly.
func (c *Client) Ports() *PortAllocator {
	return c.ports
}

func (c *Client) endpoint(key, path string) (string, error) {
	port, err := c.ports.Allocate(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d%s", c.baseURL, port, path), nil
}

// GetStatus reads the daemon's trade state. 404 means the daemon holds no
// such trade; any other non-2xx is treated the same way and logged at debug.
// A nested origin block is merged into the top-level fields when those are
// empty.
func (c *Client) GetStatus(ctx context.Context, key string) (*Status, error) {
	url, err := c.endpoint(key, "/status")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build status request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "status request for %s failed", key)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Str("key", key).Int("status", resp.StatusCode).Msg("Daemon status returned non-2xx")
		return nil, nil
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.Wrapf(err, "failed to decode status for %s", key)
	}
	if status.OriginAddress == "" && status.Origin != nil {
		status.OriginAddress = status.Origin.OriginAddress
	}
	return &status, nil
}

// SetInTransit asks the daemon to lock the L2 side against the submitted L1
// lock transaction. Returns true on 2xx.
func (c *Client) SetInTransit(ctx context.Context, key, l1TxID string, expectedAmount uint64, snap *oracle.Snapshot) bool {
	body := setInTransitRequest{
		MinaTxHash:           l1TxID,
		ExpectedMinaAmount:   fmt.Sprintf("%d", expectedAmount),
		MinaUSD:              snap.MinaUSD.String(),
		ZecUSD:               snap.ZecUSD.String(),
		Decimals:             bigToInt64(snap.Decimals),
		AggregationTimestamp: snap.AggregationTimestamp,
	}
	return c.postAuthorized(ctx, key, "/set-in-transit", body)
}

// SendToTarget asks the daemon to sweep its balance to targetAddress.
// Returns true on 2xx.
func (c *Client) SendToTarget(ctx context.Context, key, targetAddress string) bool {
	return c.postAuthorized(ctx, key, "/send-target", sendTargetRequest{TargetAddress: targetAddress})
}

// GetAddresses reads the daemon's receiving addresses.
func (c *Client) GetAddresses(ctx context.Context, key string) (*Addresses, error) {
	url, err := c.endpoint(key, "/address")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build address request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "address request for %s failed", key)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("address request for %s returned HTTP %d", key, resp.StatusCode)
	}
	var addrs Addresses
	if err := json.NewDecoder(resp.Body).Decode(&addrs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode addresses for %s", key)
	}
	return &addrs, nil
}

// ProbePort checks what is listening on key's port, with a hard 2 second
// budget. Connection refused or timeout means the port is free. An answer
// that parses as our daemon's readiness payload means the daemon is ours;
// any other HTTP response means a foreign process took the port.
func (c *Client) ProbePort(ctx context.Context, key string) ProbeResult {
	url, err := c.endpoint(key, "/address")
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Port allocation failed during probe")
		return PortForeign
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PortForeign
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return PortFree
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var addrs Addresses
		if json.NewDecoder(resp.Body).Decode(&addrs) == nil &&
			(addrs.UA != "" || addrs.Transparent != "" || addrs.Shielded != "") {
			return PortOwned
		}
	}
	return PortForeign
}

func (c *Client) postAuthorized(ctx context.Context, key, path string, body interface{}) bool {
	url, err := c.endpoint(key, path)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Port allocation failed")
		return false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Str("path", path).Msg("Failed to encode daemon request")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Str("path", path).Msg("Daemon request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Str("key", key).Str("path", path).Int("status", resp.StatusCode).
			Msg("Daemon rejected request")
		return false
	}
	return true
}

func bigToInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
