package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/display"
	"github.com/standardbeagle/lazytree/internal/engine"
	"github.com/standardbeagle/lazytree/internal/search"
	"github.com/standardbeagle/lazytree/internal/types"
	"github.com/standardbeagle/lazytree/internal/version"
)

// Server exposes one tree engine and its search reconciler as MCP tools
type Server[T types.Entity] struct {
	engine     *engine.Engine[T]
	reconciler *search.Reconciler[T]
	server     *mcp.Server
	logger     *DiagnosticLogger
	format     string

	handlers map[string]mcp.ToolHandler
}

// Options configures a Server
type Options struct {
	Logger *DiagnosticLogger // nil = NoOpLogger
	Format string            // default view format, "text" when empty
}

// NewServer creates an MCP server over an initialized engine
func NewServer[T types.Entity](e *engine.Engine[T], r *search.Reconciler[T], opts Options) *Server[T] {
	if opts.Logger == nil {
		opts.Logger = NoOpLogger
	}
	if opts.Format == "" {
		opts.Format = display.FormatText
	}

	s := &Server[T]{
		engine:     e,
		reconciler: r,
		logger:     opts.Logger,
		format:     opts.Format,
		handlers:   make(map[string]mcp.ToolHandler),
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "lazytree-mcp-server",
			Version: version.Info(),
		}, nil),
	}
	s.registerTools()
	return s
}

func idSchema(desc string) map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"id": {
			Type:        "string",
			Description: desc,
		},
		"format": {
			Type:        "string",
			Description: "View format: text (default), compact or json",
			Enum:        []any{display.FormatText, display.FormatCompact, display.FormatJSON},
		},
		"max_depth": {
			Type:        "integer",
			Description: "Only render rows above this depth, 0 = unlimited",
		},
	}
}

func (s *Server[T]) addTool(tool *mcp.Tool, h mcp.ToolHandler) {
	s.handlers[tool.Name] = h
	s.server.AddTool(tool, h)
}

func (s *Server[T]) registerTools() {
	s.addTool(&mcp.Tool{
		Name:        "tree_view",
		Description: "Render the visible rows of the tree. While a search is active the filtered view is rendered and matches are marked with *.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Unused")},
	}, s.handleView)

	s.addTool(&mcp.Tool{
		Name:        "tree_open",
		Description: "Open a node. Its first page of children is fetched unless it was loaded before.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Node id to open"), Required: []string{"id"}},
	}, s.handleOpen)

	s.addTool(&mcp.Tool{
		Name:        "tree_close",
		Description: "Close a node. Loaded children stay cached and reopen without a fetch.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Node id to close"), Required: []string{"id"}},
	}, s.handleClose)

	s.addTool(&mcp.Tool{
		Name:        "tree_more",
		Description: "Fetch the next page of children. Omit id to page the root listing.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Parent id, empty for the root")},
	}, s.handleMore)

	s.addTool(&mcp.Tool{
		Name:        "tree_check",
		Description: "Check a node and its loaded descendants. Parents with unloaded children stay half-checked.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Node id to check"), Required: []string{"id"}},
	}, s.handleCheck)

	s.addTool(&mcp.Tool{
		Name:        "tree_uncheck",
		Description: "Uncheck a node and its loaded descendants.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Node id to uncheck"), Required: []string{"id"}},
	}, s.handleUncheck)

	s.addTool(&mcp.Tool{
		Name:        "tree_locate",
		Description: "Materialize and open the ancestor chain of a node that is not loaded yet, then select it. Reports not_found when the node no longer exists.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Target node id"), Required: []string{"id"}},
	}, s.handleLocate)

	searchProps := idSchema("Unused")
	searchProps["query"] = &jsonschema.Schema{
		Type:        "string",
		Description: "Title query, interpreted by the configured search mode",
	}
	s.addTool(&mcp.Tool{
		Name:        "tree_search",
		Description: "Filter the tree to nodes whose title matches and the paths leading to them.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: searchProps, Required: []string{"query"}},
	}, s.handleSearch)

	s.addTool(&mcp.Tool{
		Name:        "tree_clear_search",
		Description: "Drop the active search and restore the unfiltered tree.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Unused")},
	}, s.handleClearSearch)

	s.addTool(&mcp.Tool{
		Name:        "tree_close_all",
		Description: "Close every open node.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Unused")},
	}, s.handleCloseAll)

	s.addTool(&mcp.Tool{
		Name:        "tree_set_root",
		Description: "Record a loaded node as the tracked root of the view, e.g. the suite a picker is scoped to. No fetch is issued.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: idSchema("Loaded node id"), Required: []string{"id"}},
	}, s.handleSetRoot)
}

// Tools returns the registered tool names
func (s *Server[T]) Tools() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Start serves MCP over stdio until ctx is done or the client disconnects
func (s *Server[T]) Start(ctx context.Context) error {
	s.logger.Printf("Starting MCP server with stdio transport")
	debug.LogMCP("serving %d tools\n", len(s.handlers))
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Shutdown persists the tree and closes the diagnostic log
func (s *Server[T]) Shutdown() error {
	s.logger.Printf("Shutting down MCP server...")
	err := s.engine.Persist()
	if err != nil {
		s.logger.Errorf("persist on shutdown: %v", err)
	}
	if cerr := s.logger.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// handler returns the handler registered for name
func (s *Server[T]) handler(name string) (mcp.ToolHandler, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return h, nil
}
