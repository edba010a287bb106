package engine

import (
	"github.com/standardbeagle/lazytree/internal/forest"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Node returns a copy of the node stored under id
func (e *Engine[T]) Node(id types.NodeID) (types.Node[T], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Get(id)
}

// Children returns the loaded children of id in fetch order
func (e *Engine[T]) Children(id types.NodeID) []types.Node[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Children(id)
}

// Roots returns the loaded root listing
func (e *Engine[T]) Roots() []types.Node[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Roots()
}

// Root returns the synthetic root parent, which carries the root page cursor
func (e *Engine[T]) Root() types.Node[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Root()
}

// Path returns the materialized chain from the top level down to id
func (e *Engine[T]) Path(id types.NodeID) []types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Path(id)
}

// VisibleRows flattens the open part of the forest
func (e *Engine[T]) VisibleRows() []forest.Row[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.VisibleRows()
}

// Checked returns the ids of fully checked nodes
func (e *Engine[T]) Checked() []types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Checked()
}

// Forest returns a deep copy of the current forest
func (e *Engine[T]) Forest() *forest.Forest[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Clone()
}

// Len returns the number of materialized nodes
func (e *Engine[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forest.Len()
}

// SelectID returns the active node
func (e *Engine[T]) SelectID() types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectID
}

// RootID returns the externally tracked root node
func (e *Engine[T]) RootID() types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rootID
}

// CacheKey returns the key the current forest is persisted under
func (e *Engine[T]) CacheKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cacheKey
}
