// Package chain provides the Neo N3 view needed by payment reconciliation: a
// bounded window of recent incoming NEP-17 token transfers to the service's
// receiving address, with amounts rescalable across token decimal precisions.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joeqian10/neo3-gogogo/crypto"
	"github.com/joeqian10/neo3-gogogo/helper"
)

// Config holds client configuration.
type Config struct {
	RPCURL string
	// ReceivingAddress is the fixed deposit address transfers are matched
	// against.
	ReceivingAddress string
	Timeout          time.Duration
	// AssetDecimals seeds the per-asset decimals table; unknown assets are
	// resolved via RPC once and memoized.
	AssetDecimals map[string]int
}

// Transfer is one incoming token transfer.
type Transfer struct {
	AssetHash string
	From      string
	// RawAmount is the integer amount in the token's own smallest unit.
	RawAmount string
	Decimals  int
	Timestamp time.Time
	TxHash    string
}

// Client is a Neo N3 RPC client scoped to the deposit address.
type Client struct {
	rpcURL     string
	address    string
	httpClient *http.Client

	mu       sync.Mutex
	decimals map[string]int
}

// NewClient creates a client. The receiving address is validated eagerly so a
// misconfigured deposit address fails at startup, not at first match.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: RPC URL required")
	}
	if cfg.ReceivingAddress == "" {
		return nil, fmt.Errorf("chain: receiving address required")
	}
	if _, err := crypto.AddressToScriptHash(cfg.ReceivingAddress, helper.DefaultAddressVersion); err != nil {
		return nil, fmt.Errorf("chain: invalid receiving address %q: %w", cfg.ReceivingAddress, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	decimals := make(map[string]int, len(cfg.AssetDecimals))
	for asset, d := range cfg.AssetDecimals {
		decimals[strings.ToLower(asset)] = d
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		address:    cfg.ReceivingAddress,
		httpClient: &http.Client{Timeout: timeout},
		decimals:   decimals,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call makes an RPC call to the Neo N3 node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

type nep17TransferEntry struct {
	Timestamp       int64  `json:"timestamp"`
	AssetHash       string `json:"assethash"`
	TransferAddress string `json:"transferaddress"`
	Amount          string `json:"amount"`
	TxHash          string `json:"txhash"`
}

type nep17Transfers struct {
	Received []nep17TransferEntry `json:"received"`
}

// RecentIncomingTransfers returns at most limit incoming transfers to the
// receiving address since the given time.
func (c *Client) RecentIncomingTransfers(ctx context.Context, since time.Time, limit int) ([]Transfer, error) {
	result, err := c.Call(ctx, "getnep17transfers", []interface{}{
		c.address,
		since.UTC().UnixMilli(),
		time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	var payload nep17Transfers
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal transfers: %w", err)
	}

	transfers := make([]Transfer, 0, len(payload.Received))
	for _, entry := range payload.Received {
		if limit > 0 && len(transfers) >= limit {
			break
		}
		decimals, err := c.assetDecimals(ctx, entry.AssetHash)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, Transfer{
			AssetHash: entry.AssetHash,
			From:      entry.TransferAddress,
			RawAmount: entry.Amount,
			Decimals:  decimals,
			Timestamp: time.UnixMilli(entry.Timestamp).UTC(),
			TxHash:    entry.TxHash,
		})
	}
	return transfers, nil
}

// assetDecimals resolves a token's decimal precision, memoized per asset.
func (c *Client) assetDecimals(ctx context.Context, assetHash string) (int, error) {
	key := strings.ToLower(assetHash)

	c.mu.Lock()
	if d, ok := c.decimals[key]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	result, err := c.Call(ctx, "invokefunction", []interface{}{assetHash, "decimals", []interface{}{}})
	if err != nil {
		return 0, fmt.Errorf("decimals for %s: %w", assetHash, err)
	}
	var invoke struct {
		State string `json:"state"`
		Stack []struct {
			Value string `json:"value"`
		} `json:"stack"`
	}
	if err := json.Unmarshal(result, &invoke); err != nil {
		return 0, fmt.Errorf("decimals for %s: %w", assetHash, err)
	}
	if invoke.State != "HALT" || len(invoke.Stack) == 0 {
		return 0, fmt.Errorf("decimals for %s: unexpected invoke state %q", assetHash, invoke.State)
	}
	var d int
	if _, err := fmt.Sscanf(invoke.Stack[0].Value, "%d", &d); err != nil {
		return 0, fmt.Errorf("decimals for %s: parse %q: %w", assetHash, invoke.Stack[0].Value, err)
	}

	c.mu.Lock()
	c.decimals[key] = d
	c.mu.Unlock()
	return d, nil
}
