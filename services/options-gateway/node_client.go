package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// JSON-RPC error codes returned by the node's options module. The gateway
// translates them to HTTP statuses that match what the node itself pairs with
// each code.
const (
	nodeCodeInvalidParams = -32050
	nodeCodeNotFound      = -32051
	nodeCodeForbidden     = -32052
	nodeCodeConflict      = -32053
	nodeCodeBadPermit     = -32054
	nodeCodeSettlement    = -32055
	nodeCodeRateLimited   = -32020
)

// NodeClient is the subset of node RPC the gateway depends on.
type NodeClient interface {
	Deposit(ctx context.Context, params DepositParams) (*OptionRecord, error)
	Purchase(ctx context.Context, params PurchaseParams) (*OptionRecord, error)
	Exercise(ctx context.Context, params ExerciseParams) (*OptionRecord, error)
	Close(ctx context.Context, params CloseParams) (*OptionRecord, error)
	Option(ctx context.Context, id uint64) (*OptionRecord, error)
	Events(ctx context.Context, cursor uint64, limit int) ([]NodeEvent, uint64, error)
}

// DepositParams mirrors the node's options_deposit parameter object.
type DepositParams struct {
	Seller     string `json:"seller"`
	Collection string `json:"collection"`
	ItemID     uint64 `json:"itemId"`
	QuoteToken string `json:"quoteToken"`
	Strike     string `json:"strike"`
	Premium    string `json:"premium"`
	Expiry     int64  `json:"expiry"`
}

// PurchaseParams mirrors options_purchase. The permit is forwarded verbatim so
// the wallet's signed payload reaches the node byte for byte.
type PurchaseParams struct {
	ID        uint64          `json:"id"`
	Buyer     string          `json:"buyer"`
	Permit    json.RawMessage `json:"permit,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// ExerciseParams mirrors options_exercise.
type ExerciseParams struct {
	ID        uint64          `json:"id"`
	Caller    string          `json:"caller"`
	Permit    json.RawMessage `json:"permit,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// CloseParams mirrors options_close.
type CloseParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

// OptionRecord mirrors the node's option JSON representation.
type OptionRecord struct {
	ID         uint64  `json:"id"`
	Seller     string  `json:"seller"`
	Buyer      *string `json:"buyer,omitempty"`
	Collection string  `json:"collection"`
	ItemID     uint64  `json:"itemId"`
	QuoteToken string  `json:"quoteToken"`
	Strike     string  `json:"strike"`
	Premium    string  `json:"premium"`
	Expiry     int64   `json:"expiry"`
	CreatedAt  int64   `json:"createdAt"`
	Escrowed   bool    `json:"escrowed"`
	Settlement string  `json:"settlement"`
}

// NodeEvent is one entry from the node's committed event feed.
type NodeEvent struct {
	Sequence uint64           `json:"sequence"`
	Event    NodeEventPayload `json:"event"`
}

type NodeEventPayload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NodeError surfaces a structured JSON-RPC error returned by the node.
type NodeError struct {
	Code    int
	Message string
	Data    string
}

func (e *NodeError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// Detail returns the most specific human-readable description the node sent.
func (e *NodeError) Detail() string {
	if e.Data != "" {
		return e.Data
	}
	return e.Message
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// RPCNodeClient speaks JSON-RPC to the option node over HTTP.
type RPCNodeClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	nextID     atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCNodeClient) Deposit(ctx context.Context, params DepositParams) (*OptionRecord, error) {
	var record OptionRecord
	if err := c.call(ctx, "options_deposit", params, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) Purchase(ctx context.Context, params PurchaseParams) (*OptionRecord, error) {
	var record OptionRecord
	if err := c.call(ctx, "options_purchase", params, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) Exercise(ctx context.Context, params ExerciseParams) (*OptionRecord, error) {
	var record OptionRecord
	if err := c.call(ctx, "options_exercise", params, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) Close(ctx context.Context, params CloseParams) (*OptionRecord, error) {
	var record OptionRecord
	if err := c.call(ctx, "options_close", params, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) Option(ctx context.Context, id uint64) (*OptionRecord, error) {
	var record OptionRecord
	params := struct {
		ID uint64 `json:"id"`
	}{ID: id}
	if err := c.call(ctx, "options_get", params, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) Events(ctx context.Context, cursor uint64, limit int) ([]NodeEvent, uint64, error) {
	params := struct {
		Cursor uint64 `json:"cursor"`
		Limit  int    `json:"limit"`
	}{Cursor: cursor, Limit: limit}
	var result struct {
		Events         []NodeEvent `json:"events"`
		LatestSequence uint64      `json:"latestSequence"`
	}
	if err := c.call(ctx, "options_events", params, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.LatestSequence, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var raws []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("node: encode %s params: %w", method, err)
		}
		raws = append(raws, encoded)
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raws,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("node: encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("node: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("node: read %s response: %w", method, err)
	}
	// The node sets a non-200 status alongside JSON-RPC errors, so decode the
	// envelope first and fall back to the raw body only when it is not JSON.
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("node: %s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if decoded.Error != nil {
		return &NodeError{
			Code:    decoded.Error.Code,
			Message: decoded.Error.Message,
			Data:    decodeErrorData(decoded.Error.Data),
		}
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("node: decode %s result: %w", method, err)
		}
	}
	return nil
}

func decodeErrorData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
