package pool

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
)

const (
	gqlTimeout       = 10 * time.Second
	proofTimeout     = 10 * time.Minute
	inclusionPolls   = 10
	inclusionBackoff = 6 * time.Second
)

// GraphQLBackend talks to the pool ledger node over GraphQL and delegates
// proving to the local prover sidecar. The sidecar holds the compiled
// circuit; Connect warms it once, after which the handle is effectively
// immutable and concurrent readers need no lock.
type GraphQLBackend struct {
	endpoint       string
	proverEndpoint string
	poolAddress    string
	operatorKey    string
	fee            uint64

	httpClient  *http.Client
	proofClient *http.Client
	log         *logging.ComponentLogger

	connectOnce sync.Once
	connectErr  error
}

// GraphQLBackendConfig collects what the backend needs from configuration.
type GraphQLBackendConfig struct {
	Endpoint       string
	ProverEndpoint string
	PoolAddress    string
	OperatorKey    string
	Fee            uint64
}

// NewGraphQLBackend creates a backend for the configured pool instance.
func NewGraphQLBackend(cfg GraphQLBackendConfig, logger *logging.ComponentLogger) *GraphQLBackend {
	return &GraphQLBackend{
		endpoint:       cfg.Endpoint,
		proverEndpoint: cfg.ProverEndpoint,
		poolAddress:    cfg.PoolAddress,
		operatorKey:    cfg.OperatorKey,
		fee:            cfg.Fee,
		httpClient:     &http.Client{Timeout: gqlTimeout},
		proofClient:    &http.Client{Timeout: proofTimeout},
		log:            logger,
	}
}

// Connect points the backend at the configured node and warms the prover's
// circuit for the pool contract. One-shot: later calls return the first
// result.
func (b *GraphQLBackend) Connect(ctx context.Context) error {
	b.connectOnce.Do(func() {
		var status struct {
			SyncStatus string `json:"syncStatus"`
		}
		if err := b.gql(ctx, `query { syncStatus }`, nil, &status); err != nil {
			b.connectErr = errors.Wrap(err, "failed to reach ledger node")
			return
		}
		b.log.Info().Str("endpoint", b.endpoint).Str("sync_status", status.SyncStatus).Msg("Connected to ledger node")

		if err := b.prover(ctx, "/compile", map[string]string{"pool": b.poolAddress}, nil); err != nil {
			b.connectErr = errors.Wrap(err, "failed to compile pool contract")
			return
		}
		b.log.Info().Str("pool", b.poolAddress).Msg("Pool contract compiled")
	})
	return b.connectErr
}

// slotResponse is the off-chain map read for one key.
type slotResponse struct {
	Present            bool   `json:"present"`
	Depositor          string `json:"depositor"`
	Amount             string `json:"amount"`
	InTransit          bool   `json:"inTransit"`
	Claimant           string `json:"claimant"`
	RefundAddress      string `json:"refundAddress"`
	DepositBlockHeight string `json:"depositBlockHeight"`
	ExpiryBlockHeight  string `json:"expiryBlockHeight"`
	Completed          bool   `json:"completed"`
}

// FetchRecord reads the off-chain map slot for key.
func (b *GraphQLBackend) FetchRecord(ctx context.Context, key TradeKey) (*TradeRecord, error) {
	scalar, err := key.Scalar()
	if err != nil {
		return nil, err
	}

	var resp struct {
		Slot *slotResponse `json:"offchainMapSlot"`
	}
	query := `query($pool: PublicKey!, $key: FieldElem!) {
		offchainMapSlot(publicKey: $pool, key: $key) {
			present depositor amount inTransit claimant refundAddress
			depositBlockHeight expiryBlockHeight completed
		}
	}`
	vars := map[string]interface{}{"pool": b.poolAddress, "key": scalar}
	if err := b.gql(ctx, query, vars, &resp); err != nil {
		return nil, err
	}
	if resp.Slot == nil || !resp.Slot.Present {
		return nil, nil
	}

	amount, err := strconv.ParseUint(resp.Slot.Amount, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad amount %q for key %s", resp.Slot.Amount, key)
	}
	depositHeight, _ := strconv.ParseUint(resp.Slot.DepositBlockHeight, 10, 64)
	expiryHeight, _ := strconv.ParseUint(resp.Slot.ExpiryBlockHeight, 10, 64)

	return &TradeRecord{
		Key:                key,
		Depositor:          resp.Slot.Depositor,
		Amount:             amount,
		InTransit:          resp.Slot.InTransit,
		Claimant:           resp.Slot.Claimant,
		RefundAddress:      resp.Slot.RefundAddress,
		DepositBlockHeight: depositHeight,
		ExpiryBlockHeight:  expiryHeight,
		Completed:          resp.Slot.Completed,
	}, nil
}

// SubmitOperation builds, proves, signs and submits an operator mutation.
// The discipline for every write: fetch pool account, fetch operator
// account, prove the operation, broadcast, then best-effort wait for
// inclusion. A failed wait is non-fatal once the id is held.
func (b *GraphQLBackend) SubmitOperation(ctx context.Context, op Op) (string, error) {
	poolNonce, err := b.accountNonce(ctx, b.poolAddress)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch pool account")
	}
	operatorNonce, err := b.operatorAccountNonce(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch operator account")
	}

	proveReq := map[string]interface{}{
		"op":            b.opPayload(op),
		"pool":          b.poolAddress,
		"poolNonce":     poolNonce,
		"feePayerKey":   b.operatorKey,
		"feePayerNonce": operatorNonce,
		"fee":           strconv.FormatUint(b.fee, 10),
	}
	var proveResp struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	if err := b.prover(ctx, "/prove", proveReq, &proveResp); err != nil {
		return "", errors.Wrapf(err, "failed to prove %s", op.opName())
	}

	var sendResp struct {
		SendZkapp struct {
			Hash string `json:"hash"`
		} `json:"sendZkapp"`
	}
	mutation := `mutation($tx: SendZkappInput!) { sendZkapp(input: $tx) { hash } }`
	vars := map[string]interface{}{"tx": json.RawMessage(proveResp.Transaction)}
	if err := b.gql(ctx, mutation, vars, &sendResp); err != nil {
		return "", errors.Wrapf(err, "failed to submit %s", op.opName())
	}
	txID := sendResp.SendZkapp.Hash
	if txID == "" {
		return "", errors.Errorf("%s submission returned no hash", op.opName())
	}

	if err := b.waitForInclusion(ctx, txID); err != nil {
		b.log.Warn().Err(err).Str("op", op.opName()).Str("tx", txID).
			Msg("Inclusion wait failed, transaction already accepted")
	}
	return txID, nil
}

func (b *GraphQLBackend) opPayload(op Op) map[string]interface{} {
	switch o := op.(type) {
	case LockTrade:
		scalar, _ := o.Key.Scalar()
		return map[string]interface{}{"type": "lockTrade", "key": scalar, "claimant": o.Claimant}
	case EmergencyUnlock:
		scalar, _ := o.Key.Scalar()
		return map[string]interface{}{"type": "emergencyUnlock", "key": scalar}
	case Settle:
		return map[string]interface{}{"type": "settle", "proof": base64.StdEncoding.EncodeToString(o.Proof)}
	default:
		panic(fmt.Sprintf("unknown op %T", op))
	}
}

// PoolBalance returns the pool account balance in smallest units.
func (b *GraphQLBackend) PoolBalance(ctx context.Context) (uint64, error) {
	var resp struct {
		Account *struct {
			Balance struct {
				Total string `json:"total"`
			} `json:"balance"`
		} `json:"account"`
	}
	query := `query($pool: PublicKey!) { account(publicKey: $pool) { balance { total } } }`
	if err := b.gql(ctx, query, map[string]interface{}{"pool": b.poolAddress}, &resp); err != nil {
		return 0, err
	}
	if resp.Account == nil {
		return 0, errors.Errorf("pool account %s not found", b.poolAddress)
	}
	return strconv.ParseUint(resp.Account.Balance.Total, 10, 64)
}

// ActionState returns the pool's committed action-state commitment.
func (b *GraphQLBackend) ActionState(ctx context.Context) (string, error) {
	var resp struct {
		Account *struct {
			ActionState []string `json:"actionState"`
		} `json:"account"`
	}
	query := `query($pool: PublicKey!) { account(publicKey: $pool) { actionState } }`
	if err := b.gql(ctx, query, map[string]interface{}{"pool": b.poolAddress}, &resp); err != nil {
		return "", err
	}
	if resp.Account == nil || len(resp.Account.ActionState) == 0 {
		return "", errors.Errorf("pool account %s has no action state", b.poolAddress)
	}
	return resp.Account.ActionState[0], nil
}

// ActionsSince fetches the actions the pool contract emitted after the given
// commitment, grouped block -> account update -> action fields.
func (b *GraphQLBackend) ActionsSince(ctx context.Context, actionState string) ([][][]string, error) {
	var resp struct {
		Actions []struct {
			AccountUpdates []struct {
				Actions []string `json:"actions"`
			} `json:"accountUpdates"`
		} `json:"actions"`
	}
	query := `query($pool: PublicKey!, $from: FieldElem!) {
		actions(input: { address: $pool, fromActionState: $from }) {
			accountUpdates { actions }
		}
	}`
	vars := map[string]interface{}{"pool": b.poolAddress, "from": actionState}
	if err := b.gql(ctx, query, vars, &resp); err != nil {
		return nil, err
	}

	out := make([][][]string, 0, len(resp.Actions))
	for _, block := range resp.Actions {
		updates := make([][]string, 0, len(block.AccountUpdates))
		for _, update := range block.AccountUpdates {
			updates = append(updates, update.Actions)
		}
		out = append(out, updates)
	}
	return out, nil
}

// CreateSettlementProof asks the prover to fold the pending actions into a
// settlement proof. CPU-bound on the sidecar, on the order of minutes.
func (b *GraphQLBackend) CreateSettlementProof(ctx context.Context) ([]byte, error) {
	var resp struct {
		Proof string `json:"proof"`
	}
	if err := b.prover(ctx, "/settlement-proof", map[string]string{"pool": b.poolAddress}, &resp); err != nil {
		return nil, errors.Wrap(err, "settlement proof generation failed")
	}
	proof, err := base64.StdEncoding.DecodeString(resp.Proof)
	if err != nil {
		return nil, errors.Wrap(err, "prover returned malformed proof")
	}
	return proof, nil
}

func (b *GraphQLBackend) accountNonce(ctx context.Context, address string) (string, error) {
	var resp struct {
		Account *struct {
			Nonce string `json:"nonce"`
		} `json:"account"`
	}
	query := `query($pk: PublicKey!) { account(publicKey: $pk) { nonce } }`
	if err := b.gql(ctx, query, map[string]interface{}{"pk": address}, &resp); err != nil {
		return "", err
	}
	if resp.Account == nil {
		return "", errors.Errorf("account %s not found", address)
	}
	return resp.Account.Nonce, nil
}

func (b *GraphQLBackend) operatorAccountNonce(ctx context.Context) (string, error) {
	var resp struct {
		Address string `json:"address"`
		Nonce   string `json:"nonce"`
	}
	if err := b.prover(ctx, "/operator-account", map[string]string{"key": b.operatorKey}, &resp); err != nil {
		return "", err
	}
	return resp.Nonce, nil
}

// waitForInclusion polls the node until the transaction leaves the pending
// pool or the polls are exhausted.
func (b *GraphQLBackend) waitForInclusion(ctx context.Context, txID string) error {
	query := `query($hash: String!) { transactionStatus(zkappTransaction: $hash) }`
	for i := 0; i < inclusionPolls; i++ {
		var resp struct {
			TransactionStatus string `json:"transactionStatus"`
		}
		err := b.gql(ctx, query, map[string]interface{}{"hash": txID}, &resp)
		if err == nil && resp.TransactionStatus == "INCLUDED" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inclusionBackoff):
		}
	}
	return errors.Errorf("transaction %s not observed as included", txID)
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

// gql runs one GraphQL request and decodes data into out. Root-mismatch
// responses from the off-chain map are mapped to ErrRootMismatch so callers
// can classify them as transient.
func (b *GraphQLBackend) gql(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return errors.Wrap(err, "failed to encode graphql request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build graphql request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "graphql request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("graphql endpoint returned HTTP %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrap(err, "failed to decode graphql response")
	}
	if len(envelope.Errors) > 0 {
		msg := envelope.Errors[0].Message
		if isRootMismatch(msg) {
			return errors.Wrap(ErrRootMismatch, msg)
		}
		return errors.Errorf("graphql error: %s", msg)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.Wrap(err, "failed to decode graphql data")
		}
	}
	return nil
}

// prover posts a JSON request to the prover sidecar.
func (b *GraphQLBackend) prover(ctx context.Context, path string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to encode prover request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.proverEndpoint+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build prover request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.proofClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "prover request %s failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("prover %s returned HTTP %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "failed to decode prover %s response", path)
		}
	}
	return nil
}

// isRootMismatch classifies the error class the node raises when the
// off-chain root has advanced past the on-chain commitment.
func isRootMismatch(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "root mismatch") ||
		strings.Contains(lower, "actionstate precondition") ||
		strings.Contains(lower, "offchain state")
}
