// Package forest holds the materialized part of a remote tree as a flat
// id-keyed arena. Parents are referenced by id only.
package forest

import (
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Forest maps NodeID to Node. The synthetic root parent is stored under
// types.RootParentID and its children are the root ordering.
type Forest[T types.Entity] struct {
	nodes map[types.NodeID]types.Node[T]
}

// New returns an empty forest holding only the synthetic root
func New[T types.Entity]() *Forest[T] {
	f := &Forest[T]{nodes: make(map[types.NodeID]types.Node[T])}
	f.nodes[types.RootParentID] = types.NewRootNode[T]()
	return f
}

// FromNodes rebuilds a forest from records produced by Nodes. Records whose
// parent is missing, or that their parent does not list, are dropped along
// with their subtree.
func FromNodes[T types.Entity](nodes []types.Node[T]) *Forest[T] {
	byID := make(map[types.NodeID]types.Node[T], len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n.Clone()
	}

	f := New[T]()
	if root, ok := byID[types.RootParentID]; ok {
		f.nodes[types.RootParentID] = root
	}

	// Walk from the root so only reachable records survive
	queue := []types.NodeID{types.RootParentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		parent := f.nodes[id]

		kept := make([]types.NodeID, 0, len(parent.ChildrenIDs))
		for _, cid := range parent.ChildrenIDs {
			child, ok := byID[cid]
			if !ok || child.ParentID != id || cid == types.RootParentID {
				continue
			}
			if _, dup := f.nodes[cid]; dup {
				continue
			}
			f.nodes[cid] = child
			kept = append(kept, cid)
			queue = append(queue, cid)
		}
		f.nodes[id] = parent.WithChildren(kept)
	}
	return f
}

// Nodes returns every record, synthetic root first, in breadth-first order
func (f *Forest[T]) Nodes() []types.Node[T] {
	out := make([]types.Node[T], 0, len(f.nodes))
	f.bfs(types.RootParentID, true, func(n types.Node[T]) bool {
		out = append(out, n.Clone())
		return true
	})
	return out
}

// Clone returns a deep copy of the forest
func (f *Forest[T]) Clone() *Forest[T] {
	out := &Forest[T]{nodes: make(map[types.NodeID]types.Node[T], len(f.nodes))}
	for id, n := range f.nodes {
		out.nodes[id] = n.Clone()
	}
	return out
}

// Len returns the number of materialized nodes, excluding the synthetic root
func (f *Forest[T]) Len() int {
	return len(f.nodes) - 1
}

// Has reports whether id is materialized
func (f *Forest[T]) Has(id types.NodeID) bool {
	_, ok := f.nodes[id]
	return ok
}

// Get returns a copy of the node stored under id
func (f *Forest[T]) Get(id types.NodeID) (types.Node[T], bool) {
	n, ok := f.nodes[id]
	if !ok {
		return types.Node[T]{}, false
	}
	return n.Clone(), true
}

// Root returns the synthetic root parent
func (f *Forest[T]) Root() types.Node[T] {
	return f.nodes[types.RootParentID].Clone()
}

// Roots returns the top-level nodes in fetch order
func (f *Forest[T]) Roots() []types.Node[T] {
	return f.Children(types.RootParentID)
}

// Children returns the loaded children of id in fetch order
func (f *Forest[T]) Children(id types.NodeID) []types.Node[T] {
	parent, ok := f.nodes[id]
	if !ok {
		return nil
	}
	out := make([]types.Node[T], 0, len(parent.ChildrenIDs))
	for _, cid := range parent.ChildrenIDs {
		if child, ok := f.nodes[cid]; ok {
			out = append(out, child.Clone())
		}
	}
	return out
}

// Path returns the materialized chain from the top level down to id,
// inclusive. It is empty when id is not materialized.
func (f *Forest[T]) Path(id types.NodeID) []types.NodeID {
	if id == types.RootParentID || !f.Has(id) {
		return nil
	}
	var rev []types.NodeID
	for cur := id; cur != types.RootParentID; {
		n, ok := f.nodes[cur]
		if !ok {
			break
		}
		rev = append(rev, cur)
		cur = n.ParentID
		if len(rev) > len(f.nodes) {
			break // corrupt back-references
		}
	}
	out := make([]types.NodeID, len(rev))
	for i, cid := range rev {
		out[len(rev)-1-i] = cid
	}
	return out
}

// Update replaces the record for id with fn(old). It returns false when id
// is not materialized.
func (f *Forest[T]) Update(id types.NodeID, fn func(types.Node[T]) types.Node[T]) bool {
	n, ok := f.nodes[id]
	if !ok {
		return false
	}
	next := fn(n.Clone())
	next.ID = n.ID
	next.ParentID = n.ParentID
	f.nodes[id] = next
	return true
}

// UpdateState applies fn to the state of id
func (f *Forest[T]) UpdateState(id types.NodeID, fn func(*types.NodeState)) bool {
	return f.Update(id, func(n types.Node[T]) types.Node[T] {
		return n.WithState(fn)
	})
}

// Walk visits every materialized node breadth-first until fn returns false
func (f *Forest[T]) Walk(fn func(types.Node[T]) bool) {
	f.bfs(types.RootParentID, false, func(n types.Node[T]) bool {
		return fn(n.Clone())
	})
}

// Find returns the first node, in breadth-first order, matching pred
func (f *Forest[T]) Find(pred func(types.Node[T]) bool) (types.Node[T], bool) {
	var found types.Node[T]
	ok := false
	f.Walk(func(n types.Node[T]) bool {
		if pred(n) {
			found, ok = n, true
			return false
		}
		return true
	})
	return found, ok
}

// InsertPage merges one fetched page into the children of parentID. Ids
// already present are refreshed in place, new ids are appended in fetch
// order, and a page at or below the parent's cursor is ignored. The parent's
// cursor advances to info.Current.
func (f *Forest[T]) InsertPage(parentID types.NodeID, data []T, info types.PageInfo) (int, error) {
	parent, ok := f.nodes[parentID]
	if !ok {
		return 0, errors.NewNotFoundError("insert_page", parentID)
	}
	if info.Current <= 0 {
		info.Current = parent.State.Page + 1
	}
	if info.Current <= parent.State.Page {
		return 0, nil
	}

	children := append(make([]types.NodeID, 0, len(parent.ChildrenIDs)+len(data)), parent.ChildrenIDs...)
	seen := make(map[types.NodeID]bool, len(children))
	for _, cid := range children {
		seen[cid] = true
	}

	added := 0
	for _, d := range data {
		id := d.EntityID()
		if id == types.RootParentID || id == parentID {
			continue
		}
		if seen[id] {
			f.nodes[id] = f.nodes[id].WithData(d)
			continue
		}
		if existing, ok := f.nodes[id]; ok && existing.ParentID != parentID {
			if f.isAncestor(id, parentID) {
				continue
			}
			// Moved under a new parent since it was materialized
			f.PruneSubtree(id)
		}
		f.nodes[id] = f.newChild(parent, d)
		children = append(children, id)
		seen[id] = true
		added++
	}

	// The prune above may have touched this parent's record
	parent = f.nodes[parentID]
	f.nodes[parentID] = parent.WithChildren(children).WithState(func(s *types.NodeState) {
		s.Page = info.Current
		s.HasMore = info.HasNext()
		s.Total = info.Total
	})
	return added, nil
}

// ReplaceChildren swaps the children of parentID for data, which holds the
// full loaded page range. Retained ids keep their state and subtree, dropped
// ids are pruned. The parent keeps its open and selection flags.
func (f *Forest[T]) ReplaceChildren(parentID types.NodeID, data []T, info types.PageInfo) error {
	parent, ok := f.nodes[parentID]
	if !ok {
		return errors.NewNotFoundError("replace_children", parentID)
	}

	keep := make(map[types.NodeID]bool, len(data))
	for _, d := range data {
		keep[d.EntityID()] = true
	}
	for _, cid := range parent.ChildrenIDs {
		if !keep[cid] {
			f.PruneSubtree(cid)
		}
	}

	parent = f.nodes[parentID]
	current := make(map[types.NodeID]bool, len(parent.ChildrenIDs))
	for _, cid := range parent.ChildrenIDs {
		current[cid] = true
	}

	children := make([]types.NodeID, 0, len(data))
	seen := make(map[types.NodeID]bool, len(data))
	for _, d := range data {
		id := d.EntityID()
		if seen[id] || id == types.RootParentID || id == parentID {
			continue
		}
		seen[id] = true
		if current[id] {
			f.nodes[id] = f.nodes[id].WithData(d)
		} else {
			if f.Has(id) {
				if f.isAncestor(id, parentID) {
					continue
				}
				f.PruneSubtree(id)
				parent = f.nodes[parentID]
			}
			f.nodes[id] = f.newChild(parent, d)
		}
		children = append(children, id)
	}

	if info.Current <= 0 {
		info.Current = parent.State.Page
	}
	f.nodes[parentID] = f.nodes[parentID].WithChildren(children).WithState(func(s *types.NodeState) {
		s.Page = info.Current
		s.HasMore = info.HasNext()
		s.Total = info.Total
	})
	return nil
}

// PruneSubtree removes id and every materialized descendant and unlinks id
// from its parent. The synthetic root cannot be pruned. It returns the
// number of removed nodes.
func (f *Forest[T]) PruneSubtree(id types.NodeID) int {
	n, ok := f.nodes[id]
	if !ok || id == types.RootParentID {
		return 0
	}

	if parent, ok := f.nodes[n.ParentID]; ok {
		kept := make([]types.NodeID, 0, len(parent.ChildrenIDs))
		for _, cid := range parent.ChildrenIDs {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		f.nodes[n.ParentID] = parent.WithChildren(kept)
	}

	removed := 0
	stack := []types.NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := f.nodes[cur]
		if !ok {
			continue
		}
		stack = append(stack, node.ChildrenIDs...)
		delete(f.nodes, cur)
		removed++
	}
	return removed
}

// Reset drops every node and returns the forest to its empty state
func (f *Forest[T]) Reset() {
	f.nodes = make(map[types.NodeID]types.Node[T])
	f.nodes[types.RootParentID] = types.NewRootNode[T]()
}

// isAncestor reports whether id sits on the materialized path of target
func (f *Forest[T]) isAncestor(id, target types.NodeID) bool {
	for _, pid := range f.Path(target) {
		if pid == id {
			return true
		}
	}
	return false
}

func (f *Forest[T]) newChild(parent types.Node[T], d T) types.Node[T] {
	child := types.NewNode(d, parent.ID, parent.State.Level+1)
	if parent.State.InheritCheck {
		child.State.InheritCheck = true
		if child.State.IsLeaf {
			child.State.IsChecked = true
		} else {
			child.State.IsHalfChecked = true
		}
	}
	return child
}

func (f *Forest[T]) bfs(start types.NodeID, includeStart bool, fn func(types.Node[T]) bool) {
	first, ok := f.nodes[start]
	if !ok {
		return
	}
	if includeStart && !fn(first) {
		return
	}
	queue := append([]types.NodeID(nil), first.ChildrenIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, ok := f.nodes[id]
		if !ok {
			continue
		}
		if !fn(n) {
			return
		}
		queue = append(queue, n.ChildrenIDs...)
	}
}
