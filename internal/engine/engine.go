// Package engine drives a lazily materialized, paginated view over a remote
// tree. It owns one forest, issues fetches through the fetch contract and
// merges the responses that are still current.
package engine

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/standardbeagle/lazytree/internal/cache"
	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/forest"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Engine defaults
const (
	DefaultPageSize         = 50
	DefaultOrdering         = "name"
	DefaultMaxAncestorPages = 100
	DefaultStaleAfter       = 10 * time.Minute
)

// ErrNotInitialized is returned by operations called before InitRoot
var ErrNotInitialized = stderrors.New("engine: InitRoot has not been called")

// Config holds the fetch parameters shared by every request
type Config struct {
	PageSize         int
	Ordering         string
	MaxAncestorPages int           // page budget per ancestor during resolution
	StaleAfter       time.Duration // snapshots older than this are refreshed on restore
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		PageSize:         DefaultPageSize,
		Ordering:         DefaultOrdering,
		MaxAncestorPages: DefaultMaxAncestorPages,
		StaleAfter:       DefaultStaleAfter,
	}
}

// InitOptions configures one InitRoot call
type InitOptions[T types.Entity] struct {
	InitParent       types.NodeID // deep-link target, optional
	Fetcher          types.NodeFetcher[T]
	FetcherAncestors types.AncestorFetcher
	CacheKey         string
	Filters          map[string]string // sent with every fetch
}

// InitResult reports how InitRoot populated the forest
type InitResult struct {
	Restored bool // forest came from a snapshot
	Stale    bool // the snapshot was refreshed
	NotFound bool // the deep-link target could not be located
	Target   types.NodeID
}

// Engine is safe for concurrent use. Subscribers are invoked after the lock
// is released and may call back into the engine.
type Engine[T types.Entity] struct {
	cfg   Config
	store cache.Store[T]

	mu          sync.Mutex
	initialized bool
	forest      *forest.Forest[T]
	fetcher     types.NodeFetcher[T]
	ancestors   types.AncestorFetcher
	cacheKey    string
	baseFilters map[string]string
	scope       map[string]string // server-side filter, nil when unfiltered
	stash       *stashed[T]
	selectID    types.NodeID
	rootID      types.NodeID

	// seq is global so tokens issued after a map reset never collide
	seq    uint64
	tokens map[types.NodeID]uint64
	// gen counts token resets and scopes flight keys to one forest
	gen uint64
	// settled is closed by the next settle or reset
	settled chan struct{}

	flight singleflight.Group

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int

	now func() time.Time
}

// stashed holds the unfiltered view while a server-side filter is applied
type stashed[T types.Entity] struct {
	forest   *forest.Forest[T]
	selectID types.NodeID
	rootID   types.NodeID
}

// New creates an engine. store may be nil, which disables persistence.
func New[T types.Entity](cfg Config, store cache.Store[T]) *Engine[T] {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Ordering == "" {
		cfg.Ordering = def.Ordering
	}
	if cfg.MaxAncestorPages <= 0 {
		cfg.MaxAncestorPages = def.MaxAncestorPages
	}
	return &Engine[T]{
		cfg:    cfg,
		store:  store,
		forest: forest.New[T](),
		tokens: make(map[types.NodeID]uint64),
		subs:   make(map[int]func()),
		now:    time.Now,
	}
}

// Config returns the engine configuration
func (e *Engine[T]) Config() Config {
	return e.cfg
}

// InitRoot resets or restores the forest for opts.CacheKey, makes sure the
// root listing is loaded and, when opts.InitParent is set, locates it. A
// target that no longer exists is reported through InitResult.NotFound.
func (e *Engine[T]) InitRoot(ctx context.Context, opts InitOptions[T]) (InitResult, error) {
	if opts.Fetcher == nil {
		return InitResult{}, stderrors.New("engine: InitRoot requires a fetcher")
	}

	e.mu.Lock()
	outgoing, outgoingKey := e.outgoingLocked(opts.CacheKey)
	snap := e.lookupLocked(opts.CacheKey)

	e.resetTokensLocked()
	e.fetcher = opts.Fetcher
	e.ancestors = opts.FetcherAncestors
	e.cacheKey = opts.CacheKey
	e.baseFilters = copyFilters(opts.Filters)
	e.scope = nil
	e.stash = nil
	e.initialized = true

	var result InitResult
	if snap != nil {
		e.forest = forest.FromNodes(snap.Nodes)
		e.forest.Walk(func(n types.Node[T]) bool {
			if n.State.IsLoading || n.State.IsMoreLoading {
				e.forest.UpdateState(n.ID, clearLoading)
			}
			return true
		})
		e.forest.UpdateState(types.RootParentID, clearLoading)
		e.selectID = snap.SelectID
		e.rootID = snap.RootID
		result.Restored = true
		result.Stale = snap.IsStale(e.cfg.StaleAfter, e.now())
	} else {
		e.forest.Reset()
		e.selectID = ""
		e.rootID = ""
	}
	e.mu.Unlock()
	e.notify()

	if outgoing != nil {
		if err := e.store.Set(outgoingKey, outgoing); err != nil {
			debug.LogCache("persist %s on key switch failed: %v\n", outgoingKey, err)
		}
	}

	if result.Restored {
		debug.LogEngine("restored %q (stale=%v)\n", opts.CacheKey, result.Stale)
		if err := e.restore(ctx, result.Stale); err != nil {
			return result, err
		}
	} else if err := e.loadRoot(ctx); err != nil {
		return result, err
	}

	if opts.InitParent != "" {
		result.Target = opts.InitParent
		if err := e.Locate(ctx, opts.InitParent); err != nil {
			if !errors.IsNotFound(err) {
				return result, err
			}
			debug.LogEngine("deep link %s: %v\n", opts.InitParent, err)
			result.NotFound = true
		}
	}
	return result, nil
}

// outgoingLocked snapshots the current tree when InitRoot switches to a
// different cache key.
func (e *Engine[T]) outgoingLocked(nextKey string) (*cache.Snapshot[T], string) {
	if !e.initialized || e.store == nil || e.cacheKey == "" || e.cacheKey == nextKey {
		return nil, ""
	}
	return e.snapshotLocked(), e.cacheKey
}

// lookupLocked finds the snapshot to restore for key. The live forest wins
// over the store when the key is unchanged.
func (e *Engine[T]) lookupLocked(key string) *cache.Snapshot[T] {
	if key == "" {
		return nil
	}
	if e.initialized && e.cacheKey == key {
		return e.snapshotLocked()
	}
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Get(key)
	if err != nil {
		debug.LogCache("load %s failed, cold start: %v\n", key, err)
		return nil
	}
	return snap
}

func (e *Engine[T]) snapshotLocked() *cache.Snapshot[T] {
	src, selectID, rootID := e.forest, e.selectID, e.rootID
	if e.stash != nil {
		src, selectID, rootID = e.stash.forest, e.stash.selectID, e.stash.rootID
	}
	return &cache.Snapshot[T]{
		Key:      e.cacheKey,
		Version:  cache.SnapshotVersion,
		SavedAt:  e.now(),
		SelectID: selectID,
		RootID:   rootID,
		Nodes:    src.Nodes(),
	}
}

// Persist writes the unfiltered forest to the snapshot store
func (e *Engine[T]) Persist() error {
	e.mu.Lock()
	if e.store == nil || !e.initialized || e.cacheKey == "" {
		e.mu.Unlock()
		return nil
	}
	key := e.cacheKey
	snap := e.snapshotLocked()
	e.mu.Unlock()
	return e.store.Set(key, snap)
}

// Open marks id open and fetches its first page when its children are not
// loaded yet.
func (e *Engine[T]) Open(ctx context.Context, id types.NodeID) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	n, ok := e.forest.Get(id)
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFoundError("open", id)
	}
	if id.IsRoot() || !n.State.CanOpen {
		e.mu.Unlock()
		return nil
	}
	fetch := !n.ChildrenLoaded() && !n.State.IsLoading
	changed := fetch || !n.State.IsOpen
	e.forest.UpdateState(id, func(s *types.NodeState) { s.IsOpen = true })
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

// Close marks id closed. Loaded children are kept.
func (e *Engine[T]) Close(id types.NodeID) error {
	e.mu.Lock()
	n, ok := e.forest.Get(id)
	if !ok {
		e.mu.Unlock()
		return errors.NewNotFoundError("close", id)
	}
	if id.IsRoot() || !n.State.IsOpen {
		e.mu.Unlock()
		return nil
	}
	e.forest.UpdateState(id, func(s *types.NodeState) { s.IsOpen = false })
	e.mu.Unlock()
	e.notify()
	return nil
}

// CloseAll closes every node without discarding loaded children
func (e *Engine[T]) CloseAll() {
	e.mu.Lock()
	var open []types.NodeID
	e.forest.Walk(func(n types.Node[T]) bool {
		if n.State.IsOpen {
			open = append(open, n.ID)
		}
		return true
	})
	for _, id := range open {
		e.forest.UpdateState(id, func(s *types.NodeState) { s.IsOpen = false })
	}
	e.mu.Unlock()
	e.notify()
}

// More fetches the next page of id. It is a no-op while a page of id is in
// flight or when id has no more pages. Concurrent callers share one fetch.
func (e *Engine[T]) More(ctx context.Context, id types.NodeID) error {
	_, err := e.nextPage(ctx, id)
	return err
}

// nextPage runs more through the flight group and reports whether a page
// was requested. A caller that joined a flight cancelled by its owner
// retries once under its own context.
func (e *Engine[T]) nextPage(ctx context.Context, id types.NodeID) (bool, error) {
	e.mu.Lock()
	key := strconv.FormatUint(e.gen, 10) + "/" + string(id)
	e.mu.Unlock()

	do := func() (fetched, shared bool, err error) {
		v, err, shared := e.flight.Do(key, func() (any, error) {
			return e.more(ctx, id)
		})
		fetched, _ = v.(bool)
		return fetched, shared, err
	}

	fetched, shared, err := do()
	if shared {
		debug.LogEngine("more %s joined an in-flight fetch\n", id)
		if err != nil && ctx.Err() == nil && isCancellation(err) {
			fetched, _, err = do()
		}
	}
	return fetched, err
}

func (e *Engine[T]) more(ctx context.Context, id types.NodeID) (bool, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return false, ErrNotInitialized
	}
	n, ok := e.forest.Get(id)
	if !ok {
		e.mu.Unlock()
		return false, errors.NewNotFoundError("more", id)
	}
	if !n.State.HasMore || n.State.IsMoreLoading || n.State.IsLoading {
		e.mu.Unlock()
		return false, nil
	}
	call := e.beginLocked(id, n.State.Page+1, true)
	e.mu.Unlock()
	e.notify()
	return true, e.runPage(ctx, call)
}

// LoadMoreRootPage fetches the next page of the root listing
func (e *Engine[T]) LoadMoreRootPage(ctx context.Context) error {
	return e.More(ctx, types.RootParentID)
}

// Check marks id and its loaded subtree checked
func (e *Engine[T]) Check(id types.NodeID) error {
	return e.setChecked(id, true)
}

// Uncheck clears id and its loaded subtree
func (e *Engine[T]) Uncheck(id types.NodeID) error {
	return e.setChecked(id, false)
}

func (e *Engine[T]) setChecked(id types.NodeID, checked bool) error {
	e.mu.Lock()
	err := e.forest.SetChecked(id, checked)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.notify()
	return nil
}

// RefetchNodeBy re-fetches the loaded page range of the first node, in
// breadth-first order, matching pred and replaces its children. Retained
// children keep their open and selection flags. It reports whether a node
// matched.
func (e *Engine[T]) RefetchNodeBy(ctx context.Context, pred func(types.Node[T]) bool) (bool, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return false, ErrNotInitialized
	}
	n, ok := e.forest.Find(pred)
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, e.refetch(ctx, n.ID)
}

// RefetchRoot re-fetches the loaded root pages
func (e *Engine[T]) RefetchRoot(ctx context.Context) error {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}
	return e.refetch(ctx, types.RootParentID)
}

// Prune drops id and its materialized subtree after an external delete
func (e *Engine[T]) Prune(id types.NodeID) error {
	e.mu.Lock()
	n, ok := e.forest.Get(id)
	if !ok || id.IsRoot() {
		e.mu.Unlock()
		return errors.NewNotFoundError("prune", id)
	}
	removed := e.forest.PruneSubtree(id)
	e.forest.UpdateState(n.ParentID, func(s *types.NodeState) {
		if s.Total > 0 {
			s.Total--
		}
	})
	e.forest.RecomputeUp(n.ParentID)
	if !e.forest.Has(e.selectID) {
		e.selectID = ""
	}
	if !e.forest.Has(e.rootID) {
		e.rootID = ""
	}
	e.mu.Unlock()
	debug.LogEngine("pruned %s (%d nodes)\n", id, removed)
	e.notify()
	return nil
}

// UpdateSelectID records the active node. No fetch is issued.
func (e *Engine[T]) UpdateSelectID(id types.NodeID) {
	e.mu.Lock()
	e.selectID = id
	e.mu.Unlock()
	e.notify()
}

// UpdateRootID records the externally tracked root node. No fetch is issued.
func (e *Engine[T]) UpdateRootID(id types.NodeID) {
	e.mu.Lock()
	e.rootID = id
	e.mu.Unlock()
	e.notify()
}

// ApplyFilter replaces the view with a fresh root listing fetched with
// filters added to every request. The unfiltered forest is stashed on the
// first call and in-flight responses are dropped.
func (e *Engine[T]) ApplyFilter(ctx context.Context, filters map[string]string) error {
	if len(filters) == 0 {
		return e.ClearFilter(ctx)
	}
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.stash == nil {
		e.stash = &stashed[T]{forest: e.forest, selectID: e.selectID, rootID: e.rootID}
	}
	e.scope = copyFilters(filters)
	e.resetTokensLocked()
	e.forest = forest.New[T]()
	e.mu.Unlock()
	e.notify()
	return e.loadRoot(ctx)
}

// ClearFilter restores the forest stashed by ApplyFilter. Without a stash it
// is a no-op unless the root listing was never loaded.
func (e *Engine[T]) ClearFilter(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.stash == nil && e.scope == nil {
		e.mu.Unlock()
		return nil
	}
	e.scope = nil
	e.resetTokensLocked()
	if e.stash != nil {
		e.forest = e.stash.forest
		e.selectID, e.rootID = e.stash.selectID, e.stash.rootID
		e.stash = nil
	} else {
		e.forest.Reset()
	}
	e.forest.Walk(func(n types.Node[T]) bool {
		if n.State.IsLoading || n.State.IsMoreLoading {
			e.forest.UpdateState(n.ID, clearLoading)
		}
		return true
	})
	e.forest.UpdateState(types.RootParentID, clearLoading)
	e.mu.Unlock()
	e.notify()
	return e.loadRoot(ctx)
}

// Filtered reports whether a server-side filter is applied
func (e *Engine[T]) Filtered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope != nil
}

// Subscribe registers fn, invoked once after every committed mutation. The
// returned func removes it.
func (e *Engine[T]) Subscribe(fn func()) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine[T]) notify() {
	e.subMu.Lock()
	fns := make([]func(), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// resetTokensLocked invalidates every issued token and starts a new flight
// generation. Calls issued before the reset never settle, so waiters are
// released here.
func (e *Engine[T]) resetTokensLocked() {
	e.tokens = make(map[types.NodeID]uint64)
	e.gen++
	e.broadcastLocked()
}

// settledLocked returns a channel closed by the next settle or token reset
func (e *Engine[T]) settledLocked() <-chan struct{} {
	if e.settled == nil {
		e.settled = make(chan struct{})
	}
	return e.settled
}

func (e *Engine[T]) broadcastLocked() {
	if e.settled != nil {
		close(e.settled)
		e.settled = nil
	}
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func clearLoading(s *types.NodeState) {
	s.IsLoading = false
	s.IsMoreLoading = false
}

func copyFilters(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
