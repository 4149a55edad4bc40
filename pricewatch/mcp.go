package pricewatch

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pricewatch/kit"
)

// RegisterMCP registers the pricewatch tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerTriggerRun(srv)
	s.registerQueryHistory(srv)
	s.registerListRuns(srv)
	s.registerExportHistory(srv)
	s.registerListTargets(srv)
	s.registerDeleteTarget(srv)
	s.registerSetTargetEnabled(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

var historyProperties = map[string]any{
	"product_key": map[string]any{"type": "string", "description": "Product key (site SKU or derived key)"},
	"text":        map[string]any{"type": "string", "description": "Free-text search over titles, sellers and SKUs"},
	"seller":      map[string]any{"type": "string", "description": "Restrict to one seller"},
	"from":        map[string]any{"type": "string", "format": "date-time", "description": "Earliest observation (RFC 3339)"},
	"to":          map[string]any{"type": "string", "format": "date-time", "description": "Latest observation (RFC 3339)"},
	"limit":       map[string]any{"type": "integer", "description": "Maximum entries"},
}

func (s *Service) register(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Chain(kit.Logging(s.logger, tool.Name))(ep), decode)
}

func (s *Service) registerTriggerRun(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricewatch_trigger_run",
		Description: "Crawl the monitored pages now and return the run summary",
		InputSchema: inputSchema(map[string]any{
			"ids":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Target IDs"},
			"profile":      map[string]any{"type": "string", "description": "Only targets of this site profile"},
			"url_contains": map[string]any{"type": "string", "description": "Only targets whose URL contains this text"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		f := r.(*TargetFilter)
		if len(f.IDs) == 0 && f.Profile == "" && f.URLContains == "" {
			f = nil
		}
		return s.TriggerRun(ctx, f)
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[TargetFilter]())
}

func (s *Service) registerQueryHistory(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricewatch_query_history",
		Description: "Price history of a product, by product key or free text, ordered by observation time",
		InputSchema: inputSchema(historyProperties, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.QueryHistory(ctx, *r.(*HistoryQuery))
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[HistoryQuery]())
}

func (s *Service) registerListRuns(srv *mcp.Server) {
	type req struct {
		RunID string `json:"run_id"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "pricewatch_list_runs",
		Description: "Recent crawl runs with their summaries, or one run with its jobs",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Return this run with its jobs"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum runs (default 20)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.RunID != "" {
			return s.Run(ctx, p.RunID)
		}
		return s.Runs(ctx, p.Limit)
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[req]())
}

func (s *Service) registerExportHistory(srv *mcp.Server) {
	type req struct {
		HistoryQuery
		Format string `json:"format"`
	}

	props := map[string]any{
		"format": map[string]any{"type": "string", "enum": []string{"xlsx", "csv"}, "description": "File format (default xlsx)"},
	}
	for k, v := range historyProperties {
		props[k] = v
	}
	tool := &mcp.Tool{
		Name:        "pricewatch_export_history",
		Description: "Write price history to an xlsx or csv file and return its path",
		InputSchema: inputSchema(props, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Export(ctx, p.HistoryQuery, p.Format)
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[req]())
}

func (s *Service) registerListTargets(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricewatch_list_targets",
		Description: "Targets added by spreadsheet import, with their IDs and state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		list, err := s.Targets(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"targets": list, "count": len(list)}, nil
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

type targetRef struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func (s *Service) registerDeleteTarget(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricewatch_delete_target",
		Description: "Stop monitoring an imported target. Its price history is kept",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Target ID"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		id := r.(*targetRef).ID
		if err := s.DeleteTarget(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "deleted": true}, nil
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[targetRef]())
}

func (s *Service) registerSetTargetEnabled(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricewatch_set_target_enabled",
		Description: "Pause or resume an imported target",
		InputSchema: inputSchema(map[string]any{
			"id":      map[string]any{"type": "string", "description": "Target ID"},
			"enabled": map[string]any{"type": "boolean", "description": "false pauses the target"},
		}, []string{"id", "enabled"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*targetRef)
		if err := s.SetTargetEnabled(ctx, p.ID, p.Enabled); err != nil {
			return nil, err
		}
		return map[string]any{"id": p.ID, "enabled": p.Enabled}, nil
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[targetRef]())
}
