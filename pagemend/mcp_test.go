package pagemend

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "pagemend-test", Version: "0.1.0"}

// mcpSession registers the tools of m on a server and returns a connected
// client session.
func mcpSession(t *testing.T, m *Mender) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	m.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

// callJSON invokes a tool that must succeed and decodes its JSON text.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, args any, v any) {
	t.Helper()
	result := callTool(t, session, name, args)
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content is %T", name, result.Content[0])
	}
	if err := json.Unmarshal([]byte(tc.Text), v); err != nil {
		t.Fatalf("CallTool(%s): decode %q: %v", name, tc.Text, err)
	}
}

func TestMCP_Rules(t *testing.T) {
	session := mcpSession(t, newTestMender(t))

	var all []ruleInfo
	callJSON(t, session, "pagemend_rules", map[string]any{}, &all)
	if len(all) != 2 || all[0].Name != "bookstores" || all[1].Name != "ratinglinks" {
		t.Fatalf("rules: %+v", all)
	}
	if all[1].Root != "body" || !all[1].Subtree {
		t.Errorf("ratinglinks: %+v", all[1])
	}

	var matching []ruleInfo
	callJSON(t, session, "pagemend_rules", map[string]any{"url": "https://www.bookfinder.com/search/?isbn=1"}, &matching)
	if len(matching) != 1 || matching[0].Name != "bookstores" {
		t.Errorf("rules for bookfinder: %+v", matching)
	}
}

func TestMCP_Rewrite(t *testing.T) {
	site := siteServer(t)
	session := mcpSession(t, newTestMender(t))

	args := map[string]any{"url": site.URL + "/search/", "mode": "http", "rules": []string{"bookstores"}}
	var res RewriteResult
	callJSON(t, session, "pagemend_rewrite", args, &res)
	if res.Applied() != 2 {
		t.Errorf("applied: %d", res.Applied())
	}
	if res.HTML != "" || res.HTMLHash == "" {
		t.Errorf("html should be left out unless asked: html=%d bytes hash=%q", len(res.HTML), res.HTMLHash)
	}

	args["include_html"] = true
	callJSON(t, session, "pagemend_rewrite", args, &res)
	if strings.Count(res.HTML, "Amazon-owned business") != 2 {
		t.Errorf("html:\n%s", res.HTML)
	}

	if r := callTool(t, session, "pagemend_rewrite", map[string]any{"url": site.URL + "/search/", "mode": "http"}); !r.IsError {
		t.Error("rewrite without applicable rule should be a tool error")
	}
}

func TestMCP_Pages(t *testing.T) {
	site := siteServer(t)
	session := mcpSession(t, newTestMender(t))

	var applied map[string]string
	callJSON(t, session, "pagemend_apply_page", map[string]any{
		"id":    "bf",
		"url":   site.URL + "/search/",
		"mode":  "http",
		"rules": []map[string]any{{"name": "bookstores", "opacity": 0.4}},
	}, &applied)
	if applied["id"] != "bf" {
		t.Errorf("apply: %v", applied)
	}

	var st Status
	callJSON(t, session, "pagemend_status", map[string]any{}, &st)
	if len(st.Pages) != 1 || st.Pages[0].Mode != ModeHTTP || st.Pages[0].Rules[0].Applied != 2 {
		t.Errorf("status: %+v", st.Pages)
	}

	var stopped map[string]string
	callJSON(t, session, "pagemend_stop_page", map[string]any{"id": "bf"}, &stopped)
	if stopped["status"] != "stopped" {
		t.Errorf("stop: %v", stopped)
	}
	if r := callTool(t, session, "pagemend_stop_page", map[string]any{"id": "bf"}); !r.IsError {
		t.Error("stopping an unknown page should be a tool error")
	}
}
