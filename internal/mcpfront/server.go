// server.go - the AI-client surface.
// A thin MCP layer over the dispatcher: every tool call resolves a session
// id (the X-Session-Id header when the client sets one, else the MCP
// client session), then hands (sessionId, wire command, params) to the
// broker and serializes the uniform Result back as tool content. Closing an
// MCP session destroys the broker session whose id is that MCP session id;
// sessions named by the X-Session-Id header are not destroyed on close and
// end through the idle reaper.
package mcpfront

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/switchyard-mcp/switchyard/internal/broker"
	"github.com/switchyard-mcp/switchyard/internal/logging"
)

// SessionHeader carries the client's session identity on every HTTP call.
const SessionHeader = "X-Session-Id"

type sessionKeyType struct{}

var sessionKey sessionKeyType

// Front is the MCP server bound to one broker.
type Front struct {
	broker     *broker.Broker
	mcp        *server.MCPServer
	streamable *server.StreamableHTTPServer
}

// New builds the MCP surface for b.
func New(b *broker.Broker, version string) *Front {
	f := &Front{broker: b}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, cs server.ClientSession) {
		// Client transport closed: destroy the broker session with the same
		// id. A broker session named by the X-Session-Id header is not
		// tracked against the MCP session and is left to the idle reaper.
		logging.Infow("client session closed", "session", cs.SessionID())
		b.DestroySession(cs.SessionID())
	})

	f.mcp = server.NewMCPServer("switchyard", version,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)
	f.registerTools()

	f.streamable = server.NewStreamableHTTPServer(f.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := r.Header.Get(SessionHeader); id != "" {
				return context.WithValue(ctx, sessionKey, id)
			}
			return ctx
		}),
	)
	return f
}

// Handler returns the HTTP handler to mount at the MCP path.
func (f *Front) Handler() http.Handler { return f.streamable }

// sessionID resolves the broker session for a call: the explicit header
// wins, then the MCP client session.
func sessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey).(string); ok && id != "" {
		return id
	}
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return ""
}

// dispatch runs one wire command through the broker and renders the result.
func (f *Front) dispatch(ctx context.Context, req mcp.CallToolRequest, command string, params map[string]any) (*mcp.CallToolResult, error) {
	id := sessionID(ctx)
	if id == "" {
		return mcp.NewToolResultError("missing session identity: set the " + SessionHeader + " header"), nil
	}

	tabID := req.GetInt("tabId", 0)
	if params == nil {
		params = map[string]any{}
	}
	delete(params, "tabId")
	payload, err := json.Marshal(params)
	if err != nil {
		return mcp.NewToolResultError("unserializable arguments: " + err.Error()), nil
	}

	callCtx, cancel := f.broker.CallContext(ctx)
	defer cancel()
	res := f.broker.Dispatch(callCtx, id, command, payload, tabID)
	return renderResult(res), nil
}

// renderResult serializes a broker Result as tool content. Failures are
// soft errors so the model can decide whether to retry.
func renderResult(res broker.Result) *mcp.CallToolResult {
	buf, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError("unserializable result: " + err.Error())
	}
	if !res.OK {
		return mcp.NewToolResultError(string(buf))
	}
	return mcp.NewToolResultText(string(buf))
}
