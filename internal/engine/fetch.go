package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// restoreConcurrency bounds parallel fetches issued while restoring a snapshot
const restoreConcurrency = 8

// pageCall is one issued request. Its token is the latest for the node until
// another call for the same node is issued or the token map is reset.
type pageCall[T types.Entity] struct {
	id      types.NodeID
	token   uint64
	first   bool
	fetcher types.NodeFetcher[T]
	params  types.FetchParams
}

// beginLocked issues a token for id and raises its loading flag. Callers must
// notify after unlocking.
func (e *Engine[T]) beginLocked(id types.NodeID, page int, more bool) pageCall[T] {
	e.seq++
	token := e.seq
	e.tokens[id] = token

	e.forest.UpdateState(id, func(s *types.NodeState) {
		if more {
			s.IsMoreLoading = true
		} else {
			s.IsLoading = true
		}
	})

	filters := make(map[string]string, len(e.baseFilters)+len(e.scope))
	for k, v := range e.baseFilters {
		filters[k] = v
	}
	for k, v := range e.scope {
		filters[k] = v
	}

	return pageCall[T]{
		id:      id,
		token:   token,
		first:   !more,
		fetcher: e.fetcher,
		params: types.FetchParams{
			Parent:   id,
			Page:     page,
			PageSize: e.cfg.PageSize,
			Ordering: e.cfg.Ordering,
			Filters:  filters,
			Token:    token,
		},
	}
}

// settle closes call. When call is no longer the latest for its node the
// forest is left untouched and settle returns false. Otherwise apply runs
// under the lock, the loading flags are cleared and subscribers are notified
// once.
func (e *Engine[T]) settle(call pageCall[T], apply func() error) (bool, error) {
	e.mu.Lock()
	latest := e.tokens[call.id]
	if latest != call.token || !e.forest.Has(call.id) {
		e.broadcastLocked()
		e.mu.Unlock()
		debug.LogEngine("dropped: %v\n", errors.NewStaleResponseError(call.id, call.token, latest))
		return false, nil
	}
	delete(e.tokens, call.id)

	var err error
	if apply != nil {
		err = apply()
	}
	e.forest.UpdateState(call.id, clearLoading)
	e.broadcastLocked()
	e.mu.Unlock()
	e.notify()
	return true, err
}

// runPage fetches the page described by call and merges it if it is still
// current. A failed first page closes the node again so an open node always
// has children or a fetch in flight.
func (e *Engine[T]) runPage(ctx context.Context, call pageCall[T]) error {
	res, err := call.fetcher.FetchChildren(ctx, call.params)
	if err != nil {
		fetchErr := errors.NewFetchError("fetch", call.id, err).WithPage(call.params.Page, call.token)
		current, _ := e.settle(call, func() error {
			if call.first && !call.id.IsRoot() {
				e.forest.UpdateState(call.id, func(s *types.NodeState) { s.IsOpen = false })
			}
			return nil
		})
		if !current {
			return nil
		}
		return fetchErr
	}

	if res.RequestToken != call.token {
		e.settle(call, func() error {
			debug.LogEngine("dropped: %v\n", errors.NewStaleResponseError(call.id, res.RequestToken, call.token))
			if call.first && !call.id.IsRoot() && !e.forestLoadedLocked(call.id) {
				e.forest.UpdateState(call.id, func(s *types.NodeState) { s.IsOpen = false })
			}
			return nil
		})
		return nil
	}

	info := res.NextInfo
	if info.Current <= 0 {
		info.Current = call.params.Page
	}
	_, err = e.settle(call, func() error {
		added, err := e.forest.InsertPage(call.id, res.Data, info)
		if err != nil {
			return err
		}
		e.forest.RecomputeUp(call.id)
		debug.LogEngine("merged %s page %d (+%d)\n", call.id, info.Current, added)
		return nil
	})
	return err
}

func (e *Engine[T]) forestLoadedLocked(id types.NodeID) bool {
	n, ok := e.forest.Get(id)
	return ok && n.ChildrenLoaded()
}

// loadRoot fetches the first root page unless it is already loaded
func (e *Engine[T]) loadRoot(ctx context.Context) error {
	e.mu.Lock()
	root := e.forest.Root()
	if root.ChildrenLoaded() {
		e.mu.Unlock()
		return nil
	}
	call := e.beginLocked(types.RootParentID, 1, false)
	e.mu.Unlock()
	e.notify()
	return e.runPage(ctx, call)
}

// refetch re-fetches pages 1..Page of id and replaces its children. The
// synthetic root is fetched from page 1 even when nothing was loaded.
func (e *Engine[T]) refetch(ctx context.Context, id types.NodeID) error {
	e.mu.Lock()
	n, ok := e.forest.Get(id)
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFoundError("refetch", id)
	}
	pages := n.State.Page
	if pages == 0 {
		if !id.IsRoot() {
			e.mu.Unlock()
			return nil
		}
		pages = 1
	}
	call := e.beginLocked(id, 1, false)
	call.first = false
	e.mu.Unlock()
	e.notify()

	var data []T
	var last types.PageInfo
	for p := 1; p <= pages; p++ {
		params := call.params
		params.Page = p
		res, err := call.fetcher.FetchChildren(ctx, params)
		if err != nil {
			current, _ := e.settle(call, nil)
			if !current {
				return nil
			}
			return errors.NewFetchError("refetch", id, err).WithPage(p, call.token)
		}
		if res.RequestToken != call.token {
			e.settle(call, nil)
			return nil
		}
		data = append(data, res.Data...)
		last = res.NextInfo
		if last.Current <= 0 {
			last.Current = p
		}
		if !last.HasNext() {
			break
		}
	}

	_, err := e.settle(call, func() error {
		if err := e.forest.ReplaceChildren(id, data, last); err != nil {
			return err
		}
		e.forest.RecomputeUp(id)
		debug.LogEngine("refetched %s pages 1..%d (%d children)\n", id, last.Current, len(data))
		return nil
	})
	return err
}

// restore issues the fetches a restored forest still needs. A fresh snapshot
// only loads open nodes whose children are missing. A stale one refreshes
// the root and every open node's loaded page range. Failures are collected.
func (e *Engine[T]) restore(ctx context.Context, stale bool) error {
	e.mu.Lock()
	var refresh, load []types.NodeID
	if stale || !e.forest.Root().ChildrenLoaded() {
		refresh = append(refresh, types.RootParentID)
	}
	e.forest.Walk(func(n types.Node[T]) bool {
		if !n.State.IsOpen || !n.State.CanOpen {
			return true
		}
		switch {
		case !n.ChildrenLoaded():
			load = append(load, n.ID)
		case stale:
			refresh = append(refresh, n.ID)
		}
		return true
	})
	e.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err == nil || errors.IsNotFound(err) {
			// Pruned by a parent refresh running alongside
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(restoreConcurrency)
	for _, id := range refresh {
		g.Go(func() error {
			collect(e.refetch(ctx, id))
			return nil
		})
	}
	for _, id := range load {
		g.Go(func() error {
			collect(e.loadFirst(ctx, id))
			return nil
		})
	}
	_ = g.Wait()

	debug.LogEngine("restore issued %d refreshes, %d loads, %d failed\n", len(refresh), len(load), len(errs))
	return errors.NewMultiError(errs).ErrorOrNil()
}

// loadFirst fetches the first page of an open node restored without children
func (e *Engine[T]) loadFirst(ctx context.Context, id types.NodeID) error {
	e.mu.Lock()
	n, ok := e.forest.Get(id)
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if n.ChildrenLoaded() {
		e.mu.Unlock()
		return nil
	}
	call := e.beginLocked(id, 1, false)
	e.mu.Unlock()
	e.notify()
	return e.runPage(ctx, call)
}
