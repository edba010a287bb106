package search

import (
	"github.com/standardbeagle/lazytree/internal/forest"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Options controls matching and the shape of the projected view
type Options struct {
	Mode           string
	FuzzyThreshold float64
	FuzzyAlgorithm string
	StemMinLength  int

	// ShowChildren keeps the loaded siblings of every node on a match path
	// and the loaded subtree of every match visible for context.
	ShowChildren bool
	// AllExpand opens every ancestor of a match in the projection.
	AllExpand bool
}

// DefaultOptions returns default options
func DefaultOptions() Options {
	return Options{
		Mode:           ModeSubstring,
		FuzzyThreshold: DefaultFuzzyThreshold,
		FuzzyAlgorithm: AlgorithmJaroWinkler,
		StemMinLength:  DefaultStemMinLength,
		AllExpand:      true,
	}
}

// Project returns a new forest holding the matches of m among the
// materialized nodes of f plus their ancestor chains. f is not modified.
// Parents that lose children in the projection report no further pages.
func Project[T types.Entity](f *forest.Forest[T], m Matcher, opts Options) (*forest.Forest[T], []types.NodeID) {
	var matches []types.NodeID
	keep := make(map[types.NodeID]bool)
	onPath := make(map[types.NodeID]bool)

	f.Walk(func(n types.Node[T]) bool {
		if !m.Match(n.Title) {
			return true
		}
		matches = append(matches, n.ID)
		path := f.Path(n.ID)
		for i, id := range path {
			keep[id] = true
			if i < len(path)-1 {
				onPath[id] = true
			}
		}
		return true
	})

	if len(matches) > 0 {
		onPath[types.RootParentID] = true
	}

	if opts.ShowChildren {
		for id := range onPath {
			for _, c := range f.Children(id) {
				keep[c.ID] = true
			}
		}
		for _, id := range matches {
			keepSubtree(f, id, keep)
		}
	}

	nodes := f.Nodes()
	out := make([]types.Node[T], 0, len(keep)+1)
	for _, n := range nodes {
		if !n.IsRoot() && !keep[n.ID] {
			continue
		}
		children := make([]types.NodeID, 0, len(n.ChildrenIDs))
		for _, cid := range n.ChildrenIDs {
			if keep[cid] {
				children = append(children, cid)
			}
		}
		dropped := len(children) < len(n.ChildrenIDs)
		expand := opts.AllExpand && onPath[n.ID]
		n = n.WithChildren(children).WithState(func(s *types.NodeState) {
			if dropped {
				s.HasMore = false
			}
			if expand {
				s.IsOpen = true
			}
			s.IsLoading = false
			s.IsMoreLoading = false
		})
		out = append(out, n)
	}
	return forest.FromNodes(out), matches
}

func keepSubtree[T types.Entity](f *forest.Forest[T], id types.NodeID, keep map[types.NodeID]bool) {
	for _, c := range f.Children(id) {
		if !keep[c.ID] {
			keep[c.ID] = true
			keepSubtree(f, c.ID, keep)
		}
	}
}
