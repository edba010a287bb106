package forest

import (
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// SetChecked toggles id and propagates the result. Every loaded descendant is
// forced to the same state, containers remember it for children fetched
// later, and each ancestor is recomputed from its loaded children.
func (f *Forest[T]) SetChecked(id types.NodeID, checked bool) error {
	if !f.Has(id) {
		return errors.NewNotFoundError("check", id)
	}
	f.applyDown(id, checked)
	if id != types.RootParentID {
		f.RecomputeUp(f.nodes[id].ParentID)
	}
	return nil
}

// RecomputeUp recomputes id and every ancestor up to the synthetic root
func (f *Forest[T]) RecomputeUp(id types.NodeID) {
	for steps := 0; steps <= len(f.nodes); steps++ {
		n, ok := f.nodes[id]
		if !ok {
			return
		}
		f.recompute(id)
		if id == types.RootParentID {
			return
		}
		id = n.ParentID
	}
}

// Checked returns the ids of fully checked nodes in breadth-first order
func (f *Forest[T]) Checked() []types.NodeID {
	var out []types.NodeID
	f.bfs(types.RootParentID, false, func(n types.Node[T]) bool {
		if n.State.IsChecked {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}

// applyDown sets the subtree under id post-order so containers recompute
// after their children.
func (f *Forest[T]) applyDown(id types.NodeID, checked bool) {
	n := f.nodes[id]
	for _, cid := range n.ChildrenIDs {
		if f.Has(cid) {
			f.applyDown(cid, checked)
		}
	}
	if n.State.IsLeaf {
		f.nodes[id] = n.WithState(func(s *types.NodeState) {
			s.IsChecked = checked
			s.IsHalfChecked = false
			s.InheritCheck = checked
		})
		return
	}
	f.nodes[id] = n.WithState(func(s *types.NodeState) {
		s.InheritCheck = checked
	})
	f.recompute(id)
}

// recompute derives the tri-state of a container from its loaded children.
// A container is fully checked only when its children set is complete; with
// pages still unfetched it stays half-checked at most.
func (f *Forest[T]) recompute(id types.NodeID) {
	n, ok := f.nodes[id]
	if !ok || n.State.IsLeaf {
		return
	}

	loaded, checked, partial := 0, 0, 0
	for _, cid := range n.ChildrenIDs {
		child, ok := f.nodes[cid]
		if !ok {
			continue
		}
		loaded++
		switch {
		case child.State.IsChecked:
			checked++
		case child.State.IsHalfChecked:
			partial++
		}
	}

	complete := n.ChildrenComplete()
	f.nodes[id] = n.WithState(func(s *types.NodeState) {
		if loaded == 0 {
			s.IsChecked = complete && s.InheritCheck
			s.IsHalfChecked = !complete && s.InheritCheck
			return
		}
		all := checked == loaded
		if !all {
			// later pages inherit only from a check applied to this node
			s.InheritCheck = false
		}
		s.IsChecked = all && complete
		s.IsHalfChecked = !s.IsChecked && (checked > 0 || partial > 0)
	})
}
