package search

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/engine"
	"github.com/standardbeagle/lazytree/internal/forest"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Scope selects where a query is evaluated
const (
	ScopeLocal  = "local"  // pure projection over materialized nodes
	ScopeServer = "server" // fetch a filtered listing, then project
)

// Reconciler defaults
const (
	DefaultFilterKey   = "search"
	DefaultExpandDepth = 16
	expandConcurrency  = 4
)

// ReconcilerConfig configures a Reconciler
type ReconcilerConfig struct {
	Options
	Scope       string
	FilterKey   string // filter field carrying the query in server scope
	ExpandDepth int    // levels opened below the filtered root listing
}

// Reconciler keeps the engine and the projected search view in step. In
// server scope the engine is switched to a filtered listing whose nodes all
// contain a match somewhere below, and those paths are opened level by level
// so the matches get materialized.
type Reconciler[T types.Entity] struct {
	engine *engine.Engine[T]
	cfg    ReconcilerConfig

	mu      sync.Mutex
	query   string
	matcher Matcher
}

// NewReconciler creates a reconciler over e
func NewReconciler[T types.Entity](e *engine.Engine[T], cfg ReconcilerConfig) *Reconciler[T] {
	if cfg.Scope == "" {
		cfg.Scope = ScopeLocal
	}
	if cfg.FilterKey == "" {
		cfg.FilterKey = DefaultFilterKey
	}
	if cfg.ExpandDepth <= 0 {
		cfg.ExpandDepth = DefaultExpandDepth
	}
	return &Reconciler[T]{engine: e, cfg: cfg}
}

// Query returns the active query, empty when no search is applied
func (r *Reconciler[T]) Query() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.query
}

// Apply activates query. An empty query clears the search.
func (r *Reconciler[T]) Apply(ctx context.Context, query string) error {
	if query == "" {
		return r.Clear(ctx)
	}
	m, err := NewMatcher(query, r.cfg.Options)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.query = query
	r.matcher = m
	r.mu.Unlock()
	debug.LogSearch("apply %q (mode=%s scope=%s)\n", query, r.cfg.Mode, r.cfg.Scope)

	if r.cfg.Scope != ScopeServer {
		return nil
	}
	if err := r.engine.ApplyFilter(ctx, map[string]string{r.cfg.FilterKey: query}); err != nil {
		return err
	}
	return r.expandFiltered(ctx, m)
}

// Clear drops the query. In server scope the unfiltered forest is restored.
func (r *Reconciler[T]) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.query = ""
	r.matcher = nil
	r.mu.Unlock()
	debug.LogSearch("clear\n")

	if r.cfg.Scope != ScopeServer {
		return nil
	}
	return r.engine.ClearFilter(ctx)
}

// View returns the forest to render: the projection while a query is
// active, the engine forest otherwise.
func (r *Reconciler[T]) View() *forest.Forest[T] {
	f, _ := r.Matches()
	return f
}

// Matches returns the view and the ids that matched, in breadth-first order
func (r *Reconciler[T]) Matches() (*forest.Forest[T], []types.NodeID) {
	r.mu.Lock()
	m := r.matcher
	r.mu.Unlock()

	f := r.engine.Forest()
	if m == nil {
		return f, nil
	}
	return Project(f, m, r.cfg.Options)
}

// Rows flattens View
func (r *Reconciler[T]) Rows() []forest.Row[T] {
	return r.View().VisibleRows()
}

// expandFiltered opens the filtered listing level by level. Nodes that do
// not match themselves are opened so the matches below them load.
func (r *Reconciler[T]) expandFiltered(ctx context.Context, m Matcher) error {
	level := r.engine.Roots()
	for depth := 0; depth < r.cfg.ExpandDepth && len(level) > 0; depth++ {
		var toOpen []types.NodeID
		for _, n := range level {
			if n.State.CanOpen && !m.Match(n.Title) {
				toOpen = append(toOpen, n.ID)
			}
		}
		if len(toOpen) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(expandConcurrency)
		for _, id := range toOpen {
			g.Go(func() error { return r.engine.Open(gctx, id) })
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var next []types.Node[T]
		for _, id := range toOpen {
			next = append(next, r.engine.Children(id)...)
		}
		level = next
	}
	return nil
}
