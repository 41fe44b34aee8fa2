// Package ledger talks to the ledger node: JSON-RPC over HTTP for fetches and
// submissions, and a WebSocket subscription for account updates.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// maxAccountsPerRequest is the node's cap on getMultipleAccounts keys.
const maxAccountsPerRequest = 100

// RPCClient is the JSON-RPC client for the ledger node.
type RPCClient struct {
	endpoint   string
	commitment string
	httpClient *http.Client
	maxRetries int
	nextID     atomic.Uint64
	limiter    Limiter
}

// Limiter bounds the request rate to the node.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	Endpoint   string
	Commitment string
	Timeout    time.Duration
	// SendMaxRetries is forwarded to sendTransaction; the node rebroadcasts
	// until the anchor expires or this many times.
	SendMaxRetries int
}

// NewRPCClient creates a new JSON-RPC client.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RPCClient{
		endpoint:   cfg.Endpoint,
		commitment: cfg.Commitment,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.SendMaxRetries,
	}
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type rpcAccount struct {
	Data       []string `json:"data"`
	Owner      string   `json:"owner"`
	Lamports   uint64   `json:"lamports"`
	Executable bool     `json:"executable"`
}

// GetAccountInfo fetches one account.
func (c *RPCClient) GetAccountInfo(ctx context.Context, account domain.AccountID) (domain.AccountInfo, error) {
	var res struct {
		Context rpcContext  `json:"context"`
		Value   *rpcAccount `json:"value"`
	}
	err := c.call(ctx, "getAccountInfo", []any{
		string(account),
		map[string]any{"encoding": "base64", "commitment": c.commitment},
	}, &res)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("ledger: get account %s: %w", account, err)
	}
	return toAccountInfo(account, res.Context.Slot, res.Value)
}

// GetMultipleAccounts fetches accounts in requests of at most 100 keys.
// The result is in input order; missing accounts have Exists false.
func (c *RPCClient) GetMultipleAccounts(ctx context.Context, accounts []domain.AccountID) ([]domain.AccountInfo, error) {
	out := make([]domain.AccountInfo, 0, len(accounts))
	for start := 0; start < len(accounts); start += maxAccountsPerRequest {
		end := min(start+maxAccountsPerRequest, len(accounts))
		chunk := accounts[start:end]

		keys := make([]string, len(chunk))
		for i, a := range chunk {
			keys[i] = string(a)
		}
		var res struct {
			Context rpcContext    `json:"context"`
			Value   []*rpcAccount `json:"value"`
		}
		err := c.call(ctx, "getMultipleAccounts", []any{
			keys,
			map[string]any{"encoding": "base64", "commitment": c.commitment},
		}, &res)
		if err != nil {
			return nil, fmt.Errorf("ledger: get %d accounts: %w", len(chunk), err)
		}
		if len(res.Value) != len(chunk) {
			return nil, fmt.Errorf("ledger: get accounts: %d results for %d keys", len(res.Value), len(chunk))
		}
		for i, v := range res.Value {
			info, err := toAccountInfo(chunk[i], res.Context.Slot, v)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func toAccountInfo(account domain.AccountID, slot uint64, v *rpcAccount) (domain.AccountInfo, error) {
	info := domain.AccountInfo{Account: account, Slot: slot}
	if v == nil {
		return info, nil
	}
	data, err := decodeData(v.Data)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("ledger: account %s: %w", account, err)
	}
	info.Exists = true
	info.Data = data
	info.Owner = domain.AccountID(v.Owner)
	return info, nil
}

func decodeData(d []string) ([]byte, error) {
	if len(d) != 2 || d[1] != "base64" {
		return nil, fmt.Errorf("unexpected account data encoding %v", d)
	}
	return base64.StdEncoding.DecodeString(d[0])
}

// GetValidityAnchor fetches the latest blockhash and the last block height at
// which a transaction built on it can land.
func (c *RPCClient) GetValidityAnchor(ctx context.Context) (domain.Anchor, error) {
	var res struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": c.commitment}}, &res); err != nil {
		return domain.Anchor{}, fmt.Errorf("ledger: latest blockhash: %w", err)
	}
	return domain.Anchor{
		Blockhash:       res.Value.Blockhash,
		LastValidHeight: res.Value.LastValidBlockHeight,
	}, nil
}

// BlockHeight returns the current block height.
func (c *RPCClient) BlockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	if err := c.call(ctx, "getBlockHeight", []any{map[string]any{"commitment": c.commitment}}, &h); err != nil {
		return 0, fmt.Errorf("ledger: block height: %w", err)
	}
	return h, nil
}

// SimulateTransaction runs tx against current state without landing it.
func (c *RPCClient) SimulateTransaction(ctx context.Context, tx []byte) (domain.SimulationResult, error) {
	var res struct {
		Value struct {
			Err  json.RawMessage `json:"err"`
			Logs []string        `json:"logs"`
		} `json:"value"`
	}
	err := c.call(ctx, "simulateTransaction", []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]any{"encoding": "base64", "commitment": c.commitment, "sigVerify": true},
	}, &res)
	if err != nil {
		return domain.SimulationResult{}, fmt.Errorf("ledger: simulate: %w", err)
	}
	return domain.SimulationResult{Err: errString(res.Value.Err), Logs: res.Value.Logs}, nil
}

// SubmitTransaction broadcasts tx and returns its signature.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx []byte) (string, error) {
	opts := map[string]any{"encoding": "base64", "skipPreflight": true}
	if c.maxRetries > 0 {
		opts["maxRetries"] = c.maxRetries
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", []any{base64.StdEncoding.EncodeToString(tx), opts}, &sig); err != nil {
		return "", fmt.Errorf("ledger: send transaction: %w", err)
	}
	return sig, nil
}

// GetTransactionStatus maps the node's signature status onto TxState.
func (c *RPCClient) GetTransactionStatus(ctx context.Context, handle string) (domain.TransactionStatus, error) {
	var res struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{handle},
		map[string]any{"searchTransactionHistory": true},
	}, &res)
	if err != nil {
		return domain.TransactionStatus{}, fmt.Errorf("ledger: signature status %s: %w", handle, err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return domain.TransactionStatus{State: domain.TxNotFound}, nil
	}
	v := res.Value[0]
	st := domain.TransactionStatus{Slot: v.Slot}
	switch {
	case errString(v.Err) != "":
		st.State = domain.TxFailed
		st.Err = errString(v.Err)
	case v.ConfirmationStatus == "finalized":
		st.State = domain.TxFinalized
	default:
		st.State = domain.TxIncluded
	}
	return st, nil
}

func errString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return s
}

// call performs one JSON-RPC request. Transport failures, 5xx and 429
// responses wrap domain.ErrNetwork; an expired blockhash wraps
// domain.ErrValidityExpired.
// SetLimiter makes every call wait for budget first. Public nodes answer
// bursts with 429s.
func (c *RPCClient) SetLimiter(l Limiter) { c.limiter = l }

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: rate limit: %v", domain.ErrNetwork, err)
		}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrNetwork, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	var rr rpcResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rr.Error != nil {
		if isBlockhashExpired(rr.Error) {
			return fmt.Errorf("%w: %v", domain.ErrValidityExpired, rr.Error)
		}
		return rr.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func isBlockhashExpired(e *RPCError) bool {
	msg := strings.ToLower(e.Message + string(e.Data))
	return strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "blockhashnotfound")
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrNetwork, statusCode, bodyStr)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ domain.Ledger = (*RPCClient)(nil)
