package forest

import "github.com/standardbeagle/lazytree/internal/types"

// RowKind distinguishes node rows from the placeholder rows a view shows
type RowKind int

const (
	RowNode    RowKind = iota
	RowMore            // parent has more children to page in
	RowLoading         // first page of an open parent is in flight
)

// Row is one line of the visible, flattened tree. For placeholder rows Node
// is the parent the placeholder belongs to.
type Row[T types.Entity] struct {
	Node  types.Node[T]
	Depth int
	Kind  RowKind
}

// VisibleRows flattens the forest depth-first, descending only into open
// nodes.
func (f *Forest[T]) VisibleRows() []Row[T] {
	var rows []Row[T]
	f.appendRows(&rows, types.RootParentID, 0)
	return rows
}

func (f *Forest[T]) appendRows(rows *[]Row[T], parentID types.NodeID, depth int) {
	parent, ok := f.nodes[parentID]
	if !ok {
		return
	}
	if parent.State.IsLoading && len(parent.ChildrenIDs) == 0 {
		*rows = append(*rows, Row[T]{Node: parent.Clone(), Depth: depth, Kind: RowLoading})
		return
	}
	for _, cid := range parent.ChildrenIDs {
		child, ok := f.nodes[cid]
		if !ok {
			continue
		}
		*rows = append(*rows, Row[T]{Node: child.Clone(), Depth: depth, Kind: RowNode})
		if child.State.IsOpen {
			f.appendRows(rows, cid, depth+1)
		}
	}
	if parent.State.HasMore {
		*rows = append(*rows, Row[T]{Node: parent.Clone(), Depth: depth, Kind: RowMore})
	}
}
