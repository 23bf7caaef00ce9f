package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/webtap/internal/errs"
	"github.com/standardbeagle/webtap/internal/ipc"
)

type recordedCall struct {
	typ       ipc.MessageType
	sessionID string
	params    json.RawMessage
}

type fakeRequester struct {
	calls []recordedCall
	resp  *ipc.Response
	err   error
}

func (f *fakeRequester) Do(ctx context.Context, t ipc.MessageType, sessionID string, params interface{}) (*ipc.Response, error) {
	raw, _ := json.Marshal(params)
	f.calls = append(f.calls, recordedCall{typ: t, sessionID: sessionID, params: raw})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return ipc.OK(t, sessionID, map[string]string{"tool": string(t)}), nil
}

func toolByName(t *testing.T, s *Server, name string) server.ServerTool {
	t.Helper()
	for _, tool := range s.Tools() {
		if tool.Tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not registered", name)
	return server.ServerTool{}
}

func invoke(t *testing.T, s *Server, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := toolByName(t, s, name).Handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestToolNames(t *testing.T) {
	s := NewServer(&fakeRequester{}, "test")
	var names []string
	for _, tool := range s.Tools() {
		names = append(names, tool.Tool.Name)
	}
	assert.Equal(t, []string{"webtap_status", "webtap_peek", "webtap_details", "webtap_cdp_call", "webtap_headers"}, names)
	assert.NotNil(t, s.MCPServer())
}

func TestToolsForwardToDaemon(t *testing.T) {
	fake := &fakeRequester{}
	s := NewServer(fake, "test")

	cases := []struct {
		tool   string
		args   map[string]interface{}
		typ    ipc.MessageType
		params string
	}{
		{"webtap_status", nil, ipc.StatusRequest, `null`},
		{"webtap_peek", nil, ipc.PeekRequest, `{}`},
		{"webtap_peek", map[string]interface{}{"lastN": float64(3)}, ipc.PeekRequest, `{"lastN":3}`},
		{"webtap_details", map[string]interface{}{"itemType": "console", "id": "2"}, ipc.DetailsRequest, `{"itemType":"console","id":"2"}`},
		{"webtap_cdp_call", map[string]interface{}{"method": "Runtime.evaluate", "params": map[string]interface{}{"expression": "1"}}, ipc.CDPCallRequest, `{"method":"Runtime.evaluate","params":{"expression":"1"}}`},
		{"webtap_cdp_call", map[string]interface{}{"method": "Page.reload", "params": `{"ignoreCache":true}`}, ipc.CDPCallRequest, `{"method":"Page.reload","params":{"ignoreCache":true}}`},
		{"webtap_headers", map[string]interface{}{"headerName": "Content-Type"}, ipc.NetworkHeadersRequest, `{"headerName":"Content-Type"}`},
	}
	for _, tc := range cases {
		res := invoke(t, s, tc.tool, tc.args)
		assert.False(t, res.IsError, tc.tool)
		assert.Contains(t, text(t, res), `"tool": "`+string(ipc.ResponseType(tc.typ))+`"`)

		last := fake.calls[len(fake.calls)-1]
		assert.Equal(t, tc.typ, last.typ)
		assert.JSONEq(t, tc.params, string(last.params), tc.tool)
	}

	// one MCP server uses one session id
	for _, c := range fake.calls {
		assert.Equal(t, fake.calls[0].sessionID, c.sessionID)
	}
}

func TestToolArgumentValidation(t *testing.T) {
	fake := &fakeRequester{}
	s := NewServer(fake, "test")

	res := invoke(t, s, "webtap_details", map[string]interface{}{"itemType": "network"})
	assert.True(t, res.IsError)

	res = invoke(t, s, "webtap_cdp_call", map[string]interface{}{"method": "Page.reload", "params": "{not json"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not valid JSON")

	res = invoke(t, s, "webtap_peek", map[string]interface{}{"lastN": float64(-2)})
	assert.True(t, res.IsError)

	assert.Empty(t, fake.calls, "invalid arguments never reach the daemon")
}

func TestToolErrors(t *testing.T) {
	fake := &fakeRequester{err: errs.Connection("connect to daemon", errors.New("no such file"))}
	s := NewServer(fake, "test")

	res := invoke(t, s, "webtap_status", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "daemon unavailable")

	fake.err = nil
	fake.resp = ipc.Fail(ipc.PeekRequest, "x", errors.New("no active browser session"), nil)
	res = invoke(t, s, "webtap_peek", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "no active browser session", text(t, res))
}

func TestRenderData(t *testing.T) {
	assert.Equal(t, "{}", renderData(nil))
	assert.Equal(t, "{\n  \"a\": 1\n}", renderData(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "nope", renderData(json.RawMessage(`nope`)))
}
