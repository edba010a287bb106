package engine

import (
	"context"
	stderrors "errors"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Locate materializes and opens the path from the root listing down to
// target and selects it. A target already in the forest only has its
// ancestors opened. Otherwise the ancestor chain is fetched and walked top
// down, paging each ancestor until the next id shows up. The walk gives up
// with a NotFoundError when an ancestor's pages run out or its page budget
// is spent.
func (e *Engine[T]) Locate(ctx context.Context, target types.NodeID) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	path := e.forest.Path(target)
	ancestors := e.ancestors
	e.mu.Unlock()

	if target.IsRoot() {
		return errors.NewNotFoundError("locate", target).WithReason("the root listing is not addressable")
	}

	if len(path) > 0 {
		for _, id := range path[:len(path)-1] {
			if err := e.expand(ctx, id); err != nil {
				return err
			}
		}
		e.UpdateSelectID(target)
		return nil
	}

	if ancestors == nil {
		return errors.NewNotFoundError("locate", target).WithReason("no ancestor fetcher configured")
	}
	chain, err := ancestors.FetchAncestors(ctx, target)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return errors.NewNotFoundError("locate", target).WithReason(err.Error())
		}
		return errors.NewAncestorsError(target, err)
	}
	debug.LogEngine("locate %s via %v\n", target, chain)

	parent := types.RootParentID
	for _, id := range append(trimRoot(chain), target) {
		if err := e.expand(ctx, parent); err != nil {
			return err
		}
		if err := e.pageUntil(ctx, parent, id); err != nil {
			var nf *errors.NotFoundError
			if stderrors.As(err, &nf) {
				nf.WithChain(chain)
			}
			return err
		}
		parent = id
	}

	e.UpdateSelectID(target)
	return nil
}

// expand opens id and loads its first page if needed. Unlike Open it issues
// a fresh request even when another first-page fetch is in flight, so the
// walk never depends on a response it does not own.
func (e *Engine[T]) expand(ctx context.Context, id types.NodeID) error {
	e.mu.Lock()
	n, ok := e.forest.Get(id)
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFoundError("locate", id).WithReason("ancestor missing from the forest")
	}
	if !id.IsRoot() && !n.State.CanOpen {
		e.mu.Unlock()
		return errors.NewNotFoundError("locate", id).WithReason("ancestor has no children")
	}
	fetch := !n.ChildrenLoaded()
	changed := fetch || !n.State.IsOpen
	if !id.IsRoot() {
		e.forest.UpdateState(id, func(s *types.NodeState) { s.IsOpen = true })
	}
	var call pageCall[T]
	if fetch {
		call = e.beginLocked(id, 1, false)
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	if !fetch {
		return nil
	}
	return e.runPage(ctx, call)
}

// pageUntil pages parent until child is among its children. While another
// call holds the parent's loading flags it waits for that call to settle.
// Only pages it requested count against the parent's reported total and
// MaxAncestorPages.
func (e *Engine[T]) pageUntil(ctx context.Context, parent, child types.NodeID) error {
	fetched := 0
	for {
		e.mu.Lock()
		p, ok := e.forest.Get(parent)
		c, found := e.forest.Get(child)
		var wait <-chan struct{}
		if ok && (p.State.IsLoading || p.State.IsMoreLoading) {
			wait = e.settledLocked()
		}
		e.mu.Unlock()

		if found && c.ParentID == parent {
			return nil
		}
		if !ok {
			return errors.NewNotFoundError("locate", parent).WithReason("ancestor pruned during the walk")
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !p.State.HasMore {
			return errors.NewNotFoundError("locate", child).WithReason("not listed under " + parent.String())
		}
		if fetched >= e.cfg.MaxAncestorPages || p.State.Page >= e.pageLimit(p.State.Total) {
			return errors.NewNotFoundError("locate", child).WithReason("page budget exhausted under " + parent.String())
		}
		issued, err := e.nextPage(ctx, parent)
		if err != nil {
			return err
		}
		if issued {
			fetched++
		}
	}
}

// pageLimit is the number of pages a parent with total children can have
func (e *Engine[T]) pageLimit(total int) int {
	if total <= 0 {
		return e.cfg.MaxAncestorPages
	}
	pages := (total + e.cfg.PageSize - 1) / e.cfg.PageSize
	if pages > e.cfg.MaxAncestorPages {
		return e.cfg.MaxAncestorPages
	}
	return pages
}

func trimRoot(chain []types.NodeID) []types.NodeID {
	out := make([]types.NodeID, 0, len(chain)+1)
	for _, id := range chain {
		if !id.IsRoot() {
			out = append(out, id)
		}
	}
	return out
}
