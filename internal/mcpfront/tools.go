// tools.go - the tool catalog.
// Tool names use underscores (MCP naming); each maps to the wire command
// the extension understands. The broker forwards the command name opaquely,
// so adding a tool here needs no broker change.
package mcpfront

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/switchyard-mcp/switchyard/internal/session"
)

// handlerFor binds a wire command to a generic pass-through handler.
func (f *Front) handlerFor(command string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return f.dispatch(ctx, req, command, req.GetArguments())
	}
}

func (f *Front) registerTools() {
	tabOpt := mcp.WithNumber("tabId",
		mcp.Description("Target tab id. Defaults to the session's focused tab; a new tab is created when the session has none."))

	f.mcp.AddTool(mcp.NewTool("browser_navigate",
		mcp.WithDescription("Navigate the target tab to a URL."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Absolute URL to load.")),
		tabOpt,
	), f.handlerFor("browser_navigate"))

	f.mcp.AddTool(mcp.NewTool("browser_go_back",
		mcp.WithDescription("Go back in the target tab's history."),
		tabOpt,
	), f.handlerFor("browser_go_back"))

	f.mcp.AddTool(mcp.NewTool("browser_go_forward",
		mcp.WithDescription("Go forward in the target tab's history."),
		tabOpt,
	), f.handlerFor("browser_go_forward"))

	f.mcp.AddTool(mcp.NewTool("dom_click",
		mcp.WithDescription("Click the element identified by a snapshot reference."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Element reference from a prior snapshot.")),
		tabOpt,
	), f.handlerFor("dom.click"))

	f.mcp.AddTool(mcp.NewTool("dom_hover",
		mcp.WithDescription("Hover the element identified by a snapshot reference."),
		mcp.WithString("ref", mcp.Required()),
		tabOpt,
	), f.handlerFor("dom.hover"))

	f.mcp.AddTool(mcp.NewTool("dom_type",
		mcp.WithDescription("Type text into the element identified by a snapshot reference."),
		mcp.WithString("ref", mcp.Required()),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to type.")),
		mcp.WithBoolean("submit", mcp.Description("Press Enter after typing.")),
		tabOpt,
	), f.handlerFor("dom.type"))

	f.mcp.AddTool(mcp.NewTool("dom_select",
		mcp.WithDescription("Select an option in the element identified by a snapshot reference."),
		mcp.WithString("ref", mcp.Required()),
		mcp.WithString("value", mcp.Required(), mcp.Description("Option value to select.")),
		tabOpt,
	), f.handlerFor("dom.select"))

	f.mcp.AddTool(mcp.NewTool("snapshot_accessibility",
		mcp.WithDescription("Capture the accessibility tree of the target tab with element references."),
		tabOpt,
	), f.handlerFor("snapshot.accessibility"))

	f.mcp.AddTool(mcp.NewTool("tabs_list",
		mcp.WithDescription("List the browser's open tabs."),
	), f.handlerFor("tabs.list"))

	f.mcp.AddTool(mcp.NewTool("tabs_select",
		mcp.WithDescription("Focus a tab and make it the session's target."),
		mcp.WithNumber("tabId", mcp.Required(), mcp.Description("Tab to focus.")),
	), f.handlerFor("tabs.select"))

	f.mcp.AddTool(mcp.NewTool("tabs_new",
		mcp.WithDescription("Open a new tab, optionally at a URL, and make it the session's target."),
		mcp.WithString("url", mcp.Description("URL to open; blank for an empty tab.")),
	), f.handlerFor("tabs.new"))

	f.mcp.AddTool(mcp.NewTool("tabs_close",
		mcp.WithDescription("Close a tab owned by this session."),
		tabOpt,
	), f.handlerFor("tabs.close"))

	f.mcp.AddTool(mcp.NewTool("console_get",
		mcp.WithDescription("Read the target tab's console messages."),
		mcp.WithString("level", mcp.Description("Minimum level: debug, info, warn, error.")),
		tabOpt,
	), f.handlerFor("console.get"))

	f.mcp.AddTool(mcp.NewTool("screenshot_capture",
		mcp.WithDescription("Capture a screenshot of the target tab."),
		tabOpt,
	), f.handlerFor("screenshot.capture"))

	f.mcp.AddTool(mcp.NewTool("js_execute",
		mcp.WithDescription("Execute JavaScript in the target tab and return its result."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Script body to evaluate.")),
		tabOpt,
	), f.handlerFor("js.execute"))

	f.mcp.AddTool(mcp.NewTool("browser_events",
		mcp.WithDescription("Drain unsolicited browser events buffered for this session."),
	), f.handleBrowserEvents)
}

// handleBrowserEvents serves buffered events locally; no extension
// round-trip is involved.
func (f *Front) handleBrowserEvents(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := sessionID(ctx)
	if id == "" {
		return mcp.NewToolResultError("missing session identity: set the " + SessionHeader + " header"), nil
	}
	events := f.broker.DrainEvents(id)
	if events == nil {
		events = []session.Event{}
	}
	buf, err := json.Marshal(map[string]any{"events": events, "count": len(events)})
	if err != nil {
		return mcp.NewToolResultError("unserializable events: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(buf)), nil
}
