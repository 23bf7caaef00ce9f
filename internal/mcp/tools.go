package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/webtap/internal/ipc"
)

func statusTool() mcplib.Tool {
	return mcplib.NewTool("webtap_status",
		mcplib.WithDescription(`Report daemon and browser session state.

**When to use:**
- Before any other webtap tool, to check a session is attached
- User asks "is the browser connected?" or "what page am I on?"

Returns the daemon pid and uptime. While a session is active it also returns
the worker pid, the attached target and telemetry counts.`),
	)
}

func peekTool() mcplib.Tool {
	return mcplib.NewTool("webtap_peek",
		mcplib.WithDescription(`Show the most recent network requests and console messages.

**When to use:**
- User asks "what just happened on the page?" or "any errors in the console?"
- After a reload or click, to see the traffic it caused

Each list holds at most lastN items, oldest first. Use webtap_details with a
request id or console index to see one item in full.`),
		mcplib.WithNumber("lastN",
			mcplib.Description("How many of the newest items of each kind to return (default 10)"),
		),
	)
}

func detailsTool() mcplib.Tool {
	return mcplib.NewTool("webtap_details",
		mcplib.WithDescription(`Return one captured network request or console message in full.

**Identifiers:**
- network: the requestId shown by webtap_peek
- console: the zero-based index shown by webtap_peek`),
		mcplib.WithString("itemType",
			mcplib.Required(),
			mcplib.Enum("network", "console"),
			mcplib.Description("Kind of item to fetch"),
		),
		mcplib.WithString("id",
			mcplib.Required(),
			mcplib.Description("Request id for network items, index for console items"),
		),
	)
}

func cdpCallTool() mcplib.Tool {
	return mcplib.NewTool("webtap_cdp_call",
		mcplib.WithDescription(`Invoke a raw Chrome DevTools Protocol method on the attached page.

**Few-shot examples:**
1. Evaluate script: {"method": "Runtime.evaluate", "params": {"expression": "document.title", "returnByValue": true}}
2. Reload: {"method": "Page.reload"}
3. Navigate: {"method": "Page.navigate", "params": {"url": "https://example.com"}}`),
		mcplib.WithString("method",
			mcplib.Required(),
			mcplib.Description("Protocol method, e.g. Runtime.evaluate"),
		),
		mcplib.WithObject("params",
			mcplib.Description("Method parameters as a JSON object"),
		),
	)
}

func headersTool() mcplib.Tool {
	return mcplib.NewTool("webtap_headers",
		mcplib.WithDescription(`Show request and response headers of one captured request.

Without an id the newest request that has response headers is used. With
headerName only that header is returned, matched case-insensitively.`),
		mcplib.WithString("id",
			mcplib.Description("Network request id"),
		),
		mcplib.WithString("headerName",
			mcplib.Description("Single header to return"),
		),
	)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.call(ctx, ipc.StatusRequest, nil)
}

func (s *Server) handlePeek(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	params := map[string]interface{}{}
	if _, ok := request.GetArguments()["lastN"]; ok {
		n := request.GetInt("lastN", 0)
		if n < 0 {
			return mcplib.NewToolResultError(fmt.Sprintf("lastN must be non-negative, got %d", n)), nil
		}
		params["lastN"] = n
	}
	return s.call(ctx, ipc.PeekRequest, params)
}

func (s *Server) handleDetails(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	itemType, err := request.RequireString("itemType")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, ipc.DetailsRequest, ipc.DetailsParams{ItemType: itemType, ID: id})
}

func (s *Server) handleCDPCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	method, err := request.RequireString("method")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	params, err := cdpParams(request.GetArguments()["params"])
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, ipc.CDPCallRequest, ipc.CDPCallParams{Method: method, Params: params})
}

func (s *Server) handleHeaders(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.call(ctx, ipc.NetworkHeadersRequest, ipc.HeadersParams{
		ID:         request.GetString("id", ""),
		HeaderName: request.GetString("headerName", ""),
	})
}

// cdpParams accepts params as an object or as a JSON string holding one
func cdpParams(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case string:
		if p == "" {
			return nil, nil
		}
		if !json.Valid([]byte(p)) {
			return nil, fmt.Errorf("params is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}
}

func renderData(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
