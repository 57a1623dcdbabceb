// Package rpc provides the JSON-RPC client used to talk to the execution
// node, with retry logic and request batching.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the interface consumed by the orchestration engine. Every method
// is a blocking network call.
type Client interface {
	// Call makes a raw JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// ChainID returns the chain id reported by the node.
	ChainID(ctx context.Context) (*big.Int, error)

	// GetBalance returns the latest balance of an address.
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)

	// GetTransactionCount returns the nonce of an address at the given block
	// tag ("latest" or "pending").
	GetTransactionCount(ctx context.Context, address common.Address, block string) (uint64, error)

	// GetCode returns the runtime code at an address.
	GetCode(ctx context.Context, address common.Address) ([]byte, error)

	// GasPrice returns the node's suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)

	// MaxPriorityFeePerGas returns the node's suggested priority fee.
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)

	// BlobBaseFee returns the current blob base fee.
	BlobBaseFee(ctx context.Context) (*big.Int, error)

	// SendTransaction submits a signed transaction and returns its hash.
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)

	// SendTransactions submits signed transactions in one batch request,
	// preserving order.
	SendTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)

	// WaitForTransaction blocks until the transaction is included in a block
	// or the client's receipt timeout elapses.
	WaitForTransaction(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// Receipt is the subset of a transaction receipt the harness needs.
type Receipt struct {
	TxHash            common.Hash    `json:"transactionHash"`
	Status            hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	ContractAddress   common.Address `json:"contractAddress"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	EffectiveGasPrice hexutil.Uint64 `json:"effectiveGasPrice"`
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest is a single request in a batch.
type BatchRequest struct {
	Method string
	Params []interface{}
}

// BatchResponse is a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReceiptTimeout bounds WaitForTransaction; the error it produces is the
	// timeout the rest of the engine propagates.
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns a config suitable for live networks, where
// inclusion can take several blocks.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		ReceiptTimeout: 2 * time.Minute,
		PollInterval:   time.Second,
	}
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	url            string
	httpClient     *http.Client
	maxRetries     int
	backoff        time.Duration
	maxBackoff     time.Duration
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	// heads, when set, wakes the receipt wait loop on every new block
	// instead of waiting out the full poll interval.
	heads *HeadsWatcher
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries:     cfg.MaxRetries,
		backoff:        cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}
}

// SetHeadsWatcher attaches a new-heads subscription used to wake receipt
// polling early. Optional.
func (c *HTTPClient) SetHeadsWatcher(w *HeadsWatcher) {
	c.heads = w
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body, false)
		if err == nil {
			return result.single, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors (nonce too low, insufficient funds, ...)
		// are not retried; the caller decides what they mean.
		if isRPCError(err) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request. The
// response order matches the request order.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  call.Params,
			ID:      i + 1,
		}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	result, err := c.doRequest(ctx, body, true)
	if err != nil {
		return nil, err
	}

	// Responses may arrive out of order; re-sort by id.
	responses := make([]BatchResponse, len(calls))
	for _, resp := range result.batch {
		idx := resp.ID - 1
		if idx < 0 || idx >= len(calls) {
			return nil, fmt.Errorf("batch response with unknown id %d", resp.ID)
		}
		if resp.Error != nil {
			responses[idx] = BatchResponse{Error: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
			continue
		}
		responses[idx] = BatchResponse{Result: resp.Result}
	}
	return responses, nil
}

type requestResult struct {
	single json.RawMessage
	batch  []JSONRPCResponse
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte, batch bool) (requestResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return requestResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return requestResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return requestResult{}, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return requestResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	if batch {
		var rpcResps []JSONRPCResponse
		if err := json.Unmarshal(respBody, &rpcResps); err != nil {
			return requestResult{}, fmt.Errorf("failed to unmarshal batch response: %w", err)
		}
		return requestResult{batch: rpcResps}, nil
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return requestResult{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return requestResult{}, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}
	return requestResult{single: rpcResp.Result}, nil
}

// RPCError is an application-level JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	_, ok := err.(*RPCError)
	return ok
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isRetryableHTTPError(err error) bool {
	if httpErr, ok := err.(*HTTPStatusError); ok {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	if httpErr, ok := err.(*HTTPStatusError); ok && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// ChainID returns the chain id reported by the node.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_chainId")
}

// GetBalance returns the latest balance of an address.
func (c *HTTPClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []interface{}{address.Hex(), "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBig(result)
}

// GetTransactionCount returns the nonce of an address at the given block tag.
func (c *HTTPClient) GetTransactionCount(ctx context.Context, address common.Address, block string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []interface{}{address.Hex(), block})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result)
}

// GetCode returns the runtime code at an address.
func (c *HTTPClient) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	result, err := c.Call(ctx, "eth_getCode", []interface{}{address.Hex(), "latest"})
	if err != nil {
		return nil, err
	}
	var codeHex string
	if err := json.Unmarshal(result, &codeHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code: %w", err)
	}
	return hexutil.Decode(codeHex)
}

// GasPrice returns the node's suggested gas price.
func (c *HTTPClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_gasPrice")
}

// MaxPriorityFeePerGas returns the node's suggested priority fee.
func (c *HTTPClient) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_maxPriorityFeePerGas")
}

// BlobBaseFee returns the current blob base fee.
func (c *HTTPClient) BlobBaseFee(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_blobBaseFee")
}

// SendTransaction submits a signed transaction.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transaction: %w", err)
	}
	result, err := c.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)})
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal transaction hash: %w", err)
	}
	return hash, nil
}

// SendTransactions submits signed transactions in one batch request. The
// returned hashes are in submission order; the first per-transaction error
// aborts the whole submission.
func (c *HTTPClient) SendTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error) {
	calls := make([]BatchRequest, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode transaction %d: %w", i, err)
		}
		calls[i] = BatchRequest{
			Method: "eth_sendRawTransaction",
			Params: []interface{}{hexutil.Encode(raw)},
		}
	}
	responses, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, len(responses))
	for i, resp := range responses {
		if resp.Error != nil {
			return nil, fmt.Errorf("send transaction %d: %w", i, resp.Error)
		}
		if err := json.Unmarshal(resp.Result, &hashes[i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction hash %d: %w", i, err)
		}
	}
	return hashes, nil
}

// WaitForTransaction polls for the receipt of a transaction until it is
// included or the receipt timeout elapses.
func (c *HTTPClient) WaitForTransaction(ctx context.Context, hash common.Hash) (*Receipt, error) {
	deadline := time.Now().Add(c.receiptTimeout)

	var headCh <-chan struct{}
	if c.heads != nil {
		ch, cancel := c.heads.Subscribe()
		defer cancel()
		headCh = ch
	}

	for {
		receipt, err := c.getReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for transaction %s", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-headCh:
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *HTTPClient) getReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{hash.Hex()})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

func (c *HTTPClient) callBig(ctx context.Context, method string) (*big.Int, error) {
	result, err := c.Call(ctx, method, []interface{}{})
	if err != nil {
		return nil, err
	}
	return decodeBig(result)
}

func decodeBig(result json.RawMessage) (*big.Int, error) {
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quantity: %w", err)
	}
	value, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quantity %q: %w", hex, err)
	}
	return value, nil
}

func decodeUint64(result json.RawMessage) (uint64, error) {
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal quantity: %w", err)
	}
	value, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, fmt.Errorf("failed to decode quantity %q: %w", hex, err)
	}
	return value, nil
}
