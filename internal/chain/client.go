// Package chain provides the read-only upstream chain-data provider the
// monitor polls for transaction confirmations and gas telemetry.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"

	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/pkg/retry"
)

// TxInfo is the provider's view of an observed transaction.
type TxInfo struct {
	Confirmations uint64
	Amount        *big.Int
	SenderAddress string
}

// Provider is the injected read-only chain-data dependency. All methods are
// idempotent reads, so implementations may retry internally.
type Provider interface {
	GetTransaction(ctx context.Context, txID string) (TxInfo, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	BlockHeight(ctx context.Context) (uint64, error)
	Ping(ctx context.Context) error
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
	Retry   retry.Policy
}

// Client implements Provider over a JSON-RPC endpoint. Transport failures
// are classified transient and retried with bounded backoff; repeated
// failures trip a circuit breaker so a dead provider fails fast instead of
// stalling every poll cycle.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[json.RawMessage]
	retry      retry.Policy
}

var _ Provider = (*Client)(nil)

// NewClient creates a provider client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "chain-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		retry:      cfg.Retry,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// Call makes a single RPC call through the breaker, with bounded backoff on
// transient transport failures.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		res, err := c.breaker.Execute(func() (json.RawMessage, error) {
			return c.call(ctx, method, params)
		})
		if err != nil {
			if fault.KindOf(err) != fault.TransientInfra {
				return retry.Permanent{Err: err}
			}
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.TransientInfra, "PROVIDER_UNREACHABLE", "execute request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fault.Wrap(fault.TransientInfra, "PROVIDER_READ", "read response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fault.Newf(fault.TransientInfra, "PROVIDER_STATUS", "provider returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fault.Newf(fault.Validation, "PROVIDER_REJECTED", "provider returned status %d", resp.StatusCode)
	}

	parsed := gjson.ParseBytes(respBody)
	if errObj := parsed.Get("error"); errObj.Exists() {
		return nil, fault.Newf(fault.Validation, "PROVIDER_ERROR", "rpc error %d: %s",
			errObj.Get("code").Int(), errObj.Get("message").String())
	}
	result := parsed.Get("result")
	if !result.Exists() {
		return nil, fault.New(fault.TransientInfra, "PROVIDER_MALFORMED", "response missing result")
	}
	return json.RawMessage(result.Raw), nil
}

// GetTransaction returns confirmation count, amount, and sender for a
// transaction id.
func (c *Client) GetTransaction(ctx context.Context, txID string) (TxInfo, error) {
	raw, err := c.Call(ctx, "getrawtransaction", []interface{}{txID, true})
	if err != nil {
		return TxInfo{}, err
	}
	parsed := gjson.ParseBytes(raw)
	amountField := parsed.Get("amount")
	if !amountField.Exists() {
		return TxInfo{}, fault.Newf(fault.NotFound, "TX_NOT_FOUND", "transaction %s not found", txID)
	}
	amount, ok := new(big.Int).SetString(amountField.String(), 10)
	if !ok {
		return TxInfo{}, fault.Newf(fault.Validation, "PROVIDER_MALFORMED", "malformed amount %q for %s", amountField.String(), txID)
	}
	return TxInfo{
		Confirmations: parsed.Get("confirmations").Uint(),
		Amount:        amount,
		SenderAddress: parsed.Get("sender").String(),
	}, nil
}

// GasPrice returns the observed network gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	raw, err := c.Call(ctx, "getgasprice", nil)
	if err != nil {
		return nil, err
	}
	value := gjson.ParseBytes(raw)
	price, ok := new(big.Int).SetString(value.String(), 10)
	if !ok || price.Sign() < 0 {
		return nil, fault.Newf(fault.Validation, "PROVIDER_MALFORMED", "malformed gas price %q", value.String())
	}
	return price, nil
}

// BlockHeight returns the current chain height.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	return gjson.ParseBytes(raw).Uint(), nil
}

// Ping verifies provider connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.BlockHeight(ctx)
	return err
}
