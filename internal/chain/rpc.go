package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RPCClient talks Ethereum-style JSON-RPC over HTTP. All calls go through a
// shared rate limiter so reconciliation sweeps cannot starve publishes on
// metered endpoints.
type RPCClient struct {
	HTTPClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// NewRPCClient builds a client with a per-second request budget.
func NewRPCClient(timeout time.Duration, ratePerSecond float64) *RPCClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 4
	}
	return &RPCClient{
		HTTPClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call performs one JSON-RPC request and decodes the result.
func (c *RPCClient) Call(ctx context.Context, endpoint, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	// the client is shared between the worker and reconciliation goroutines
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("rpc status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	var decoded rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

// ChainID reads eth_chainId, used as the connectivity probe.
func (c *RPCClient) ChainID(ctx context.Context, endpoint string) (int64, error) {
	var hexID string
	if err := c.Call(ctx, endpoint, "eth_chainId", []any{}, &hexID); err != nil {
		return 0, err
	}
	return parseHexQuantity(hexID)
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *RPCClient) SendRawTransaction(ctx context.Context, endpoint, rawTx string) (string, error) {
	var hash string
	if err := c.Call(ctx, endpoint, "eth_sendRawTransaction", []any{rawTx}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

type receipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

// WaitForReceipt polls for a transaction receipt until the context expires.
// A found receipt with status 0x0 means the contract reverted.
func (c *RPCClient) WaitForReceipt(ctx context.Context, endpoint, txHash string, pollEvery time.Duration) (reverted bool, err error) {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		var rcpt *receipt
		if err := c.Call(ctx, endpoint, "eth_getTransactionReceipt", []any{txHash}, &rcpt); err != nil {
			return false, err
		}
		if rcpt != nil && rcpt.BlockNumber != "" {
			return rcpt.Status == "0x0", nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CallUint issues an eth_call against a contract read method and parses the
// returned 32-byte word as an unsigned integer.
func (c *RPCClient) CallUint(ctx context.Context, endpoint, contract, callData string) (int64, error) {
	var result string
	params := []any{map[string]string{"to": contract, "data": callData}, "latest"}
	if err := c.Call(ctx, endpoint, "eth_call", params, &result); err != nil {
		return 0, err
	}
	return parseHexQuantity(result)
}

// AddressCallData appends a left-padded address argument to a 4-byte selector.
func AddressCallData(selector, address string) string {
	addr := strings.TrimPrefix(strings.ToLower(address), "0x")
	return selector + strings.Repeat("0", 64-len(addr)) + addr
}

func parseHexQuantity(h string) (int64, error) {
	h = strings.TrimPrefix(h, "0x")
	if h == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	v, ok := new(big.Int).SetString(h, 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex quantity %q", h)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("hex quantity %q overflows int64", h)
	}
	return v.Int64(), nil
}
