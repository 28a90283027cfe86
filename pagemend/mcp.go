package pagemend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagemend/rules"
)

// RegisterMCP registers the pagemend tools on an MCP server.
func (m *Mender) RegisterMCP(srv *mcp.Server) {
	m.registerRewriteTool(srv)
	m.registerStatusTool(srv)
	m.registerRulesTool(srv)
	m.registerApplyPageTool(srv)
	m.registerStopPageTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool decodes the arguments into a fresh Req, calls fn and returns
// its result as JSON text. Failures become tool errors.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, fn func(ctx context.Context, req *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var req Req
		if len(call.Params.Arguments) > 0 {
			if err := json.Unmarshal(call.Params.Arguments, &req); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := fn(ctx, &req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- rewrite ---

type rewriteRequest struct {
	URL   string   `json:"url"`
	Mode  string   `json:"mode,omitempty"`
	Rules []string `json:"rules,omitempty"`
	// IncludeHTML returns the mended page; otherwise only its hash.
	IncludeHTML bool `json:"include_html,omitempty"`
}

func (m *Mender) registerRewriteTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagemend_rewrite",
		Description: "Load a page once, run the matching mend rules on it and return what was changed (optionally the mended HTML).",
		InputSchema: inputSchema(map[string]any{
			"url":          map[string]any{"type": "string", "description": "Page URL"},
			"mode":         map[string]any{"type": "string", "enum": []any{"auto", "http", "browser"}, "description": "Fetch mode (default auto)"},
			"rules":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Rule names; default every rule matching the URL"},
			"include_html": map[string]any{"type": "boolean", "description": "Return the mended HTML"},
		}, []string{"url"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req *rewriteRequest) (any, error) {
		if req.URL == "" {
			return nil, errors.New("url is required")
		}
		res, err := m.Rewrite(ctx, req.URL, RewriteOptions{Mode: req.Mode, Rules: req.Rules})
		if err != nil {
			return nil, err
		}
		if !req.IncludeHTML {
			res.HTML = ""
		}
		return res, nil
	})
}

// --- status ---

func (m *Mender) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagemend_status",
		Description: "Browser state and, for every mended page, the state and counters of each rule.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	registerTool(srv, tool, func(context.Context, *struct{}) (any, error) {
		return m.Status(), nil
	})
}

// --- rules ---

type ruleInfo struct {
	Name    string `json:"name"`
	Root    string `json:"root"`
	Subtree bool   `json:"subtree"`
}

type rulesRequest struct {
	URL string `json:"url,omitempty"`
}

func (m *Mender) registerRulesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagemend_rules",
		Description: "List the built-in mend rules, or only those applying to a URL.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Only rules matching this URL"},
		}, nil),
	}
	registerTool(srv, tool, func(_ context.Context, req *rulesRequest) (any, error) {
		all := rules.Defaults()
		if req.URL != "" {
			all = rules.ForURL(req.URL)
		}
		out := make([]ruleInfo, 0, len(all))
		for _, r := range all {
			out = append(out, ruleInfo{Name: r.Name(), Root: r.Root(), Subtree: r.Subtree()})
		}
		return out, nil
	})
}

// --- apply_page ---

func (m *Mender) registerApplyPageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagemend_apply_page",
		Description: "Start keeping a page mended. Browser pages stay open and are re-mended whenever their content is replaced.",
		InputSchema: inputSchema(map[string]any{
			"id":       map[string]any{"type": "string", "description": "Page ID (default: the URL)"},
			"url":      map[string]any{"type": "string", "description": "Page URL"},
			"mode":     map[string]any{"type": "string", "enum": []any{"browser", "http", "auto"}},
			"snapshot": map[string]any{"type": "boolean", "description": "Emit the mended page after every generation"},
			"rules":    map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Rule specs; default every rule matching the URL"},
		}, []string{"url"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req *PageConfig) (any, error) {
		if err := m.ApplyPage(ctx, *req); err != nil {
			return nil, err
		}
		req.ApplyDefaults()
		return map[string]string{"id": req.ID, "status": "applied"}, nil
	})
}

// --- stop_page ---

type stopPageRequest struct {
	ID string `json:"id"`
}

func (m *Mender) registerStopPageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagemend_stop_page",
		Description: "Stop mending a page.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Page ID"},
		}, []string{"id"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req *stopPageRequest) (any, error) {
		found, err := m.StopPage(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("page %q not found", req.ID)
		}
		return map[string]string{"id": req.ID, "status": "stopped"}, nil
	})
}
