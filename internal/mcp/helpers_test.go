package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/lazytree/internal/cache"
	"github.com/standardbeagle/lazytree/internal/engine"
	"github.com/standardbeagle/lazytree/internal/search"
	"github.com/standardbeagle/lazytree/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sampleEntries() []source.Entry {
	return []source.Entry{
		{ID: "s1", Name: "Checkout", Kind: "suite"},
		{ID: "s2", Name: "Accounts", Kind: "suite"},
		{ID: "c1", Name: "Pay by card", Kind: "case", Parent: "s1"},
		{ID: "c2", Name: "Apply coupon", Kind: "case", Parent: "s1"},
		{ID: "s3", Name: "Refunds", Kind: "suite", Parent: "s1"},
		{ID: "c3", Name: "Partial refund", Kind: "case", Parent: "s3"},
	}
}

// newTestServer builds a server over an initialized engine backed by the
// sample dataset
func newTestServer(t *testing.T, scope string) *Server[source.Entry] {
	t.Helper()
	ds, err := source.New(sampleEntries())
	require.NoError(t, err)

	eng := engine.New[source.Entry](engine.DefaultConfig(), cache.NewMemoryStore[source.Entry](cache.DefaultMemoryConfig()))
	_, err = eng.InitRoot(context.Background(), engine.InitOptions[source.Entry]{
		Fetcher:          ds,
		FetcherAncestors: ds,
		CacheKey:         cache.ComposeKey("test", "suites"),
	})
	require.NoError(t, err)

	cfg := search.ReconcilerConfig{Options: search.DefaultOptions(), Scope: scope}
	return NewServer(eng, search.NewReconciler(eng, cfg), Options{})
}

// CallTool invokes a registered tool in process and returns the raw result
func (s *Server[T]) CallTool(t *testing.T, name string, params map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	h, err := s.handler(name)
	require.NoError(t, err)

	var args json.RawMessage
	if params != nil {
		args, err = json.Marshal(params)
		require.NoError(t, err)
	}
	result, err := h(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

// callView calls name and decodes a successful ViewResponse
func callView(t *testing.T, s *Server[source.Entry], name string, params map[string]interface{}) ViewResponse {
	t.Helper()
	result := s.CallTool(t, name, params)
	require.False(t, result.IsError, "tool error: %s", resultText(t, result))

	var resp ViewResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	return resp
}
