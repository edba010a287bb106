package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/lazytree/internal/display"
	lterrors "github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// ViewResponse is returned by every tree tool
type ViewResponse struct {
	Success   bool              `json:"success"`
	Operation string            `json:"operation"`
	CacheKey  string            `json:"cache_key,omitempty"`
	Query     string            `json:"query,omitempty"`
	SelectID  types.NodeID      `json:"select_id,omitempty"`
	RootID    types.NodeID      `json:"root_id,omitempty"`
	Nodes     int               `json:"nodes"`
	Checked   []types.NodeID    `json:"checked,omitempty"`
	Matches   []types.NodeID    `json:"matches,omitempty"`
	Path      []types.NodeID    `json:"path,omitempty"`
	NotFound  bool              `json:"not_found,omitempty"`
	View      string            `json:"view,omitempty"`
	Rows      []display.RowJSON `json:"rows,omitempty"`
}

var errMissingID = errors.New("parameter 'id' is required")

func parseParams(req *mcp.CallToolRequest) (TreeParams, error) {
	var p TreeParams
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
		return p, fmt.Errorf("invalid parameters: %w", err)
	}
	return p, nil
}

// run parses the arguments, applies op and renders the resulting view
func (s *Server[T]) run(ctx context.Context, req *mcp.CallToolRequest, name string, needID bool,
	op func(ctx context.Context, p TreeParams, resp *ViewResponse) error) (*mcp.CallToolResult, error) {
	p, err := parseParams(req)
	if err != nil {
		return createErrorResponse(name, err)
	}
	if needID && p.ID == "" {
		return createErrorResponse(name, errMissingID)
	}
	switch p.Format {
	case "", display.FormatText, display.FormatCompact, display.FormatJSON:
	default:
		return createErrorResponse(name, fmt.Errorf("unknown format %q", p.Format))
	}

	s.logger.Printf("tool %s id=%q query=%q", name, p.ID, p.Query)
	resp := &ViewResponse{Operation: name}
	if op != nil {
		if err := op(ctx, p, resp); err != nil {
			s.logger.Errorf("tool %s: %v", name, err)
			return createErrorResponse(name, err)
		}
	}
	s.render(p, resp)
	return createResponseWithWarnings(resp, p.WarningMessages())
}

// render fills the view fields from the search view when a query is
// active, otherwise from the engine forest
func (s *Server[T]) render(p TreeParams, resp *ViewResponse) {
	view, matches := s.reconciler.Matches()
	rows := view.VisibleRows()

	highlight := make(map[types.NodeID]bool, len(matches))
	for _, id := range matches {
		highlight[id] = true
	}

	format := p.Format
	if format == "" {
		format = s.format
	}
	tf := display.NewTreeFormatter(display.FormatterOptions{
		Format:     format,
		ShowIDs:    true,
		ShowChecks: true,
		ShowPaging: true,
		MaxDepth:   p.MaxDepth,
		Highlight:  highlight,
	})

	resp.Success = true
	resp.CacheKey = s.engine.CacheKey()
	resp.Query = s.reconciler.Query()
	resp.SelectID = s.engine.SelectID()
	resp.RootID = s.engine.RootID()
	resp.Nodes = s.engine.Len()
	resp.Checked = s.engine.Checked()
	resp.Matches = matches
	if format == display.FormatJSON {
		resp.Rows = display.Rows(rows)
	} else {
		resp.View = display.Format(tf, rows)
	}
}

func (s *Server[T]) handleView(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_view", false, nil)
}

func (s *Server[T]) handleOpen(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_open", true, func(ctx context.Context, p TreeParams, _ *ViewResponse) error {
		return s.engine.Open(ctx, types.NodeID(p.ID))
	})
}

func (s *Server[T]) handleClose(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_close", true, func(_ context.Context, p TreeParams, _ *ViewResponse) error {
		return s.engine.Close(types.NodeID(p.ID))
	})
}

func (s *Server[T]) handleMore(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_more", false, func(ctx context.Context, p TreeParams, _ *ViewResponse) error {
		if p.ID == "" {
			return s.engine.LoadMoreRootPage(ctx)
		}
		return s.engine.More(ctx, types.NodeID(p.ID))
	})
}

func (s *Server[T]) handleCheck(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_check", true, func(_ context.Context, p TreeParams, _ *ViewResponse) error {
		return s.engine.Check(types.NodeID(p.ID))
	})
}

func (s *Server[T]) handleUncheck(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_uncheck", true, func(_ context.Context, p TreeParams, _ *ViewResponse) error {
		return s.engine.Uncheck(types.NodeID(p.ID))
	})
}

// handleLocate reports a vanished target as not_found and leaves the root
// view in place instead of failing the call
func (s *Server[T]) handleLocate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_locate", true, func(ctx context.Context, p TreeParams, resp *ViewResponse) error {
		id := types.NodeID(p.ID)
		if err := s.engine.Locate(ctx, id); err != nil {
			if lterrors.IsNotFound(err) {
				resp.NotFound = true
				return nil
			}
			return err
		}
		resp.Path = s.engine.Path(id)
		return nil
	})
}

func (s *Server[T]) handleSearch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_search", false, func(ctx context.Context, p TreeParams, _ *ViewResponse) error {
		if p.Query == "" {
			return errors.New("parameter 'query' is required")
		}
		return s.reconciler.Apply(ctx, p.Query)
	})
}

func (s *Server[T]) handleClearSearch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_clear_search", false, func(ctx context.Context, _ TreeParams, _ *ViewResponse) error {
		return s.reconciler.Clear(ctx)
	})
}

func (s *Server[T]) handleCloseAll(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_close_all", false, func(_ context.Context, _ TreeParams, _ *ViewResponse) error {
		s.engine.CloseAll()
		return nil
	})
}

func (s *Server[T]) handleSetRoot(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, req, "tree_set_root", true, func(_ context.Context, p TreeParams, _ *ViewResponse) error {
		id := types.NodeID(p.ID)
		if _, ok := s.engine.Node(id); !ok {
			return lterrors.NewNotFoundError("set_root", id)
		}
		s.engine.UpdateRootID(id)
		return nil
	})
}
