package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/intentflow/intentflow/runtime/tools"
)

// rpcInvalidParams is the JSON-RPC 2.0 code the gateway returns when a tool
// rejects its arguments.
const rpcInvalidParams = -32602

type (
	// gatewayInvoker executes tool calls against the tool gateway's
	// JSON-RPC 2.0 endpoint. Each call is one "tools/call" request; the
	// gateway's result document decodes directly into a tool result.
	gatewayInvoker struct {
		endpoint string
		client   *http.Client
		id       uint64
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

// newGatewayInvoker constructs an invoker for the given endpoint. The HTTP
// client timeout is a transport backstop; per-call deadlines come from the
// timeout the engine passes to Execute.
func newGatewayInvoker(endpoint string, timeout time.Duration) *gatewayInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &gatewayInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Execute implements tools.Invoker. Transport and gateway faults return a
// non-nil error; a -32602 response surfaces as a tool-reported parameter
// rejection instead so it is not retried as an infrastructure failure.
func (g *gatewayInvoker) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) (tools.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		ID:      atomic.AddUint64(&g.id, 1),
		Params: map[string]any{
			"name":      name,
			"arguments": params,
		},
	})
	if err != nil {
		return tools.Result{}, fmt.Errorf("marshal tool call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return tools.Result{}, fmt.Errorf("build tool call: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return tools.Result{}, fmt.Errorf("call tool gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tools.Result{}, fmt.Errorf("tool gateway returned status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return tools.Result{}, fmt.Errorf("decode tool gateway response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcInvalidParams {
			return tools.Result{Success: false, Error: "invalid parameters: " + rpcResp.Error.Message}, nil
		}
		return tools.Result{}, fmt.Errorf("tool gateway error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	var res tools.Result
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &res); err != nil {
			return tools.Result{}, fmt.Errorf("decode tool result: %w", err)
		}
	}
	return res, nil
}
