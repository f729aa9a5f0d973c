// Package chain provides blockchain interaction for the settlement layer.
// It submits settlement transactions to the insurance contract on a Neo N3
// node and polls for execution receipts. No local state is mutated here.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client provides JSON-RPC access to a wallet-enabled Neo N3 node.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	networkID  uint32
}

// Config holds client configuration.
type Config struct {
	RPCURL    string
	NetworkID uint32 // MainNet: 860833102, TestNet: 894710606
	Timeout   time.Duration
}

// NewClient creates a new node client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkID: cfg.NetworkID,
	}, nil
}

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ContractParam is a typed parameter for a contract invocation.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// NewStringParam creates a String contract parameter.
func NewStringParam(v string) ContractParam {
	return ContractParam{Type: "String", Value: v}
}

// NewIntegerParam creates an Integer contract parameter. Amounts travel as
// decimal strings to avoid float truncation.
func NewIntegerParam(v string) ContractParam {
	return ContractParam{Type: "Integer", Value: v}
}

// NewByteArrayParam creates a ByteArray contract parameter from raw bytes.
func NewByteArrayParam(v []byte) ContractParam {
	return ContractParam{Type: "ByteArray", Value: v}
}

// RPCSigner identifies the transaction signer and its witness scope.
type RPCSigner struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

// InvokeResult is the node's response to an invokefunction call. On a
// wallet-enabled node the transaction is signed, relayed, and its hash
// returned in Tx.
type InvokeResult struct {
	Script      string `json:"script"`
	State       string `json:"state"`
	GasConsumed string `json:"gasconsumed"`
	Exception   string `json:"exception"`
	Tx          string `json:"tx"`
}

// ApplicationLog is the execution record of a transaction included in a block.
type ApplicationLog struct {
	TxID       string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Execution is one VM execution within an application log.
type Execution struct {
	Trigger     string `json:"trigger"`
	VMState     string `json:"vmstate"`
	GasConsumed string `json:"gasconsumed"`
	Exception   string `json:"exception"`
}

// Call makes a JSON-RPC call to the node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
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

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// InvokeFunction invokes a contract function with the given signer. On a
// wallet-enabled node this signs and relays the transaction.
func (c *Client) InvokeFunction(ctx context.Context, scriptHash, method string, params []ContractParam, signers []RPCSigner) (*InvokeResult, error) {
	args := []interface{}{scriptHash, method, params}
	if len(signers) > 0 {
		args = append(args, signers)
	}

	result, err := c.Call(ctx, "invokefunction", args)
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, err
	}
	return &invokeResult, nil
}

// GetApplicationLog returns the application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error) {
	result, err := c.Call(ctx, "getapplicationlog", []interface{}{txHash})
	if err != nil {
		return nil, err
	}

	var log ApplicationLog
	if err := json.Unmarshal(result, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// isNotFoundError reports whether the node does not (yet) know the
// transaction. Treated as transient while waiting for inclusion.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown transaction") ||
		strings.Contains(msg, "not found")
}
