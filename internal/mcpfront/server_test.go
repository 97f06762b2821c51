package mcpfront

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-mcp/switchyard/internal/broker"
	"github.com/switchyard-mcp/switchyard/internal/retry"
)

func newTestFront(t *testing.T) (*Front, *client.Client) {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.Retry = retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 1}
	b := broker.New(cfg, "inst-test", 0, nil, nil)
	f := New(b, "0.0.0-test")

	c, err := client.NewInProcessClient(f.mcp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "0.0.0"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return f, c
}

func TestToolCatalog(t *testing.T) {
	t.Parallel()

	_, c := newTestFront(t)
	tools, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make(map[string]bool, len(tools.Tools))
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"browser_navigate", "browser_go_back", "browser_go_forward",
		"dom_click", "dom_hover", "dom_type", "dom_select",
		"snapshot_accessibility", "tabs_list", "tabs_select", "tabs_new",
		"tabs_close", "console_get", "screenshot_capture", "js_execute",
		"browser_events",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestToolCallWithoutExtensionReturnsStructuredError(t *testing.T) {
	t.Parallel()

	_, c := newTestFront(t)

	// The in-process client carries no MCP session; supply the identity the
	// X-Session-Id header would.
	ctx := context.WithValue(context.Background(), sessionKey, "sess-test")
	req := mcp.CallToolRequest{}
	req.Params.Name = "tabs_list"
	res, err := c.CallTool(ctx, req)
	require.NoError(t, err)
	require.True(t, res.IsError)

	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)

	var out broker.Result
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.False(t, out.OK)
	assert.NotEmpty(t, out.Kind)
	assert.NotEmpty(t, out.Details)
}

func TestBrowserEventsEmptyDrain(t *testing.T) {
	t.Parallel()

	_, c := newTestFront(t)

	ctx := context.WithValue(context.Background(), sessionKey, "sess-test")
	req := mcp.CallToolRequest{}
	req.Params.Name = "browser_events"
	res, err := c.CallTool(ctx, req)
	require.NoError(t, err)
	require.False(t, res.IsError)

	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.JSONEq(t, `{"events":[],"count":0}`, text.Text)
}

func TestRenderResult(t *testing.T) {
	t.Parallel()

	ok := renderResult(broker.Result{OK: true, Attempts: 1, TabID: 5, Data: json.RawMessage(`{"ok":true}`)})
	require.Len(t, ok.Content, 1)
	assert.False(t, ok.IsError)

	failed := renderResult(broker.Result{Kind: "message_timeout", Retryable: true, Attempts: 3, Details: "no response"})
	assert.True(t, failed.IsError)
}

func TestSessionIDFromHeaderValue(t *testing.T) {
	t.Parallel()

	// A header-derived value identifies the broker session; a raw context
	// has neither a header value nor an MCP client session.
	assert.Empty(t, sessionID(context.Background()))
	ctx := context.WithValue(context.Background(), sessionKey, "explicit")
	assert.Equal(t, "explicit", sessionID(ctx))
}
