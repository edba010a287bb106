package engine

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/lazytree/internal/cache"
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

func TestInitRoot_PagesRootListing(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")

	assert.Equal(t, []types.NodeID{"A", "B"}, childIDs(e.Roots()))
	assert.True(t, e.Root().State.HasMore)

	require.NoError(t, e.LoadMoreRootPage(context.Background()))

	assert.Equal(t, []types.NodeID{"A", "B", "C"}, childIDs(e.Roots()))
	assert.False(t, e.Root().State.HasMore)
	assert.Equal(t, 1, src.count(types.RootParentID, 1))
	assert.Equal(t, 1, src.count(types.RootParentID, 2))

	// Nothing left to page
	calls := src.totalCalls()
	require.NoError(t, e.LoadMoreRootPage(context.Background()))
	assert.Equal(t, calls, src.totalCalls())
}

func TestInitRoot_RequiresFetcher(t *testing.T) {
	e := New[item](DefaultConfig(), nil)
	_, err := e.InitRoot(context.Background(), InitOptions[item]{})
	assert.Error(t, err)
}

func TestFetchParams(t *testing.T) {
	src := standardTree()
	e := New[item](Config{PageSize: 7, Ordering: "-name"}, nil)
	_, err := e.InitRoot(context.Background(), InitOptions[item]{
		Fetcher: src,
		Filters: map[string]string{"project": "7"},
	})
	require.NoError(t, err)

	p := src.lastParams()
	assert.Equal(t, types.RootParentID, p.Parent)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 7, p.PageSize)
	assert.Equal(t, "-name", p.Ordering)
	assert.Equal(t, "7", p.Filters["project"])
	assert.NotZero(t, p.Token)
}

func TestNotInitialized(t *testing.T) {
	e := New[item](DefaultConfig(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, e.Open(ctx, "A"), ErrNotInitialized)
	assert.ErrorIs(t, e.More(ctx, "A"), ErrNotInitialized)
	assert.ErrorIs(t, e.RefetchRoot(ctx), ErrNotInitialized)
	assert.ErrorIs(t, e.Locate(ctx, "A"), ErrNotInitialized)
	_, err := e.RefetchNodeBy(ctx, func(types.Node[item]) bool { return true })
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestOpen_FetchesOnlyUnloadedChildren(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	ctx := context.Background()

	require.NoError(t, e.Open(ctx, "A"))
	a, ok := e.Node("A")
	require.True(t, ok)
	assert.True(t, a.State.IsOpen)
	assert.False(t, a.State.IsLoading)
	assert.Equal(t, []types.NodeID{"a1", "a2"}, childIDs(e.Children("A")))
	assert.Equal(t, 1, src.count("A", 1))

	require.NoError(t, e.Close("A"))
	a, _ = e.Node("A")
	assert.False(t, a.State.IsOpen)
	assert.Len(t, e.Children("A"), 2, "close keeps loaded children")

	require.NoError(t, e.Open(ctx, "A"))
	assert.Equal(t, 1, src.count("A", 1), "reopen is served from the forest")
}

func TestOpen_LeafAndMissing(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	ctx := context.Background()

	require.NoError(t, e.Open(ctx, "C"))
	c, _ := e.Node("C")
	assert.False(t, c.State.IsOpen)

	err := e.Open(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestOpen_IndependentNodesConcurrently(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")

	g, ctx := errgroup.WithContext(context.Background())
	for _, id := range []types.NodeID{"A", "B"} {
		g.Go(func() error { return e.Open(ctx, id) })
	}
	require.NoError(t, g.Wait())

	assert.Len(t, e.Children("A"), 2)
	assert.Len(t, e.Children("B"), 1)
}

func TestMore_ConcurrentCallsShareOneFetch(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")

	gate := make(chan struct{})
	src.hold = func(p types.FetchParams) <-chan struct{} {
		if p.Parent.IsRoot() && p.Page == 2 {
			return gate
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return e.LoadMoreRootPage(context.Background()) })
	for p := range src.entered {
		if p.Page == 2 {
			break
		}
	}
	g.Go(func() error { return e.More(context.Background(), types.RootParentID) })
	time.Sleep(20 * time.Millisecond)
	close(gate)
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, src.count(types.RootParentID, 2))
	assert.Equal(t, []types.NodeID{"A", "B", "C"}, childIDs(e.Roots()))
}

func TestMore_MismatchedEchoIsDropped(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")
	before := e.Forest().Nodes()

	src.echo = func(token uint64) uint64 { return token + 100 }
	require.NoError(t, e.LoadMoreRootPage(context.Background()))

	assert.Equal(t, before, e.Forest().Nodes())
}

func TestMore_SupersededResponseLeavesForestUnchanged(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")

	gate := make(chan struct{})
	src.hold = func(p types.FetchParams) <-chan struct{} {
		if p.Parent.IsRoot() && p.Page == 2 {
			return gate
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return e.LoadMoreRootPage(context.Background()) })
	for p := range src.entered {
		if p.Page == 2 {
			break
		}
	}

	// A refresh issues a newer token for the root while page 2 is in flight
	require.NoError(t, e.RefetchRoot(context.Background()))
	before := e.Forest().Nodes()

	close(gate)
	require.NoError(t, g.Wait())

	assert.Equal(t, before, e.Forest().Nodes())
	assert.Equal(t, []types.NodeID{"A", "B"}, childIDs(e.Roots()))
	assert.Equal(t, 1, e.Root().State.Page)
}

func TestFetchError_PreservesState(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")
	before := e.Forest().Nodes()

	boom := stderrors.New("backend unavailable")
	src.fail = boom
	err := e.LoadMoreRootPage(context.Background())
	require.Error(t, err)

	var fetchErr *errors.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 2, fetchErr.Page)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, e.Forest().Nodes())

	// No internal retry; the caller retries
	src.fail = nil
	require.NoError(t, e.LoadMoreRootPage(context.Background()))
	assert.Len(t, e.Roots(), 3)
}

func TestFetchError_FirstPageClosesNode(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")

	src.fail = stderrors.New("timeout")
	require.Error(t, e.Open(context.Background(), "A"))

	a, _ := e.Node("A")
	assert.False(t, a.State.IsOpen)
	assert.False(t, a.State.IsLoading)
	assert.Empty(t, a.ChildrenIDs)
}

func TestCheck_UnfetchedChildrenStayHalf(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")

	require.NoError(t, e.Check("A"))
	a, _ := e.Node("A")
	assert.True(t, a.State.IsHalfChecked)
	assert.False(t, a.State.IsChecked)

	require.NoError(t, e.Open(context.Background(), "A"))
	for _, id := range []types.NodeID{"a1", "a2", "A"} {
		n, _ := e.Node(id)
		assert.True(t, n.State.IsChecked, "%s checked after fetch", id)
	}
	assert.True(t, e.Root().State.IsHalfChecked)
	assert.Equal(t, []types.NodeID{"A", "a1", "a2"}, e.Checked())
}

func TestCheck_UncheckDescendantMarksAncestorsHalf(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	ctx := context.Background()
	require.NoError(t, e.Open(ctx, "A"))

	require.NoError(t, e.Check("A"))
	for _, id := range []types.NodeID{"A", "a1", "a2"} {
		n, _ := e.Node(id)
		assert.True(t, n.State.IsChecked, id)
	}

	require.NoError(t, e.Uncheck("a1"))
	for _, id := range []types.NodeID{"A", types.RootParentID} {
		n, _ := e.Node(id)
		assert.False(t, n.State.IsChecked, id)
		assert.True(t, n.State.IsHalfChecked, id)
	}
	a2, _ := e.Node("a2")
	assert.True(t, a2.State.IsChecked)

	require.Error(t, e.Check("missing"))
}

func buildDeepTree() *fakeSource {
	src := newFakeSource()
	src.set(types.RootParentID, leaf("r1"), leaf("r2"), folder("D"))
	src.set("D", leaf("d1"), leaf("d2"), folder("D1"))
	src.set("D1", folder("D2"))
	src.set("D2", leaf("t"), leaf("u"))
	src.ancestors["t"] = []types.NodeID{"D", "D1", "D2"}
	src.ancestors["lost"] = []types.NodeID{"D", "Dx"}
	return src
}

func TestInitRoot_DeepLinkOpensAncestors(t *testing.T) {
	src := buildDeepTree()
	e := New[item](Config{PageSize: 2}, nil)

	res, err := e.InitRoot(context.Background(), InitOptions[item]{
		InitParent:       "t",
		Fetcher:          src,
		FetcherAncestors: src,
	})
	require.NoError(t, err)
	assert.False(t, res.NotFound)
	assert.Equal(t, types.NodeID("t"), res.Target)

	assert.Equal(t, []types.NodeID{"D", "D1", "D2"}, openIDs(e))
	assert.Contains(t, childIDs(e.Children("D2")), types.NodeID("t"))
	assert.Equal(t, []types.NodeID{"D", "D1", "D2", "t"}, e.Path("t"))
	assert.Equal(t, types.NodeID("t"), e.SelectID())
}

func TestInitRoot_MissingDeepLinkDegrades(t *testing.T) {
	src := buildDeepTree()
	e := New[item](Config{PageSize: 2}, nil)

	res, err := e.InitRoot(context.Background(), InitOptions[item]{
		InitParent:       "gone",
		Fetcher:          src,
		FetcherAncestors: src,
	})
	require.NoError(t, err)
	assert.True(t, res.NotFound)
	assert.Equal(t, []types.NodeID{"r1", "r2"}, childIDs(e.Roots()))
	assert.Empty(t, e.SelectID())
}

func TestLocate_ExhaustedChainAborts(t *testing.T) {
	src := buildDeepTree()
	e := newTestEngine(t, 2, src, "")

	err := e.Locate(context.Background(), "lost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []types.NodeID{"D", "Dx"}, nf.Chain)
	assert.Equal(t, 1, src.count("D", 2), "each page is requested once")
}

func TestLocate_PageBudget(t *testing.T) {
	src := buildDeepTree()
	e := New[item](Config{PageSize: 2, MaxAncestorPages: 1}, nil)
	initEngine(t, e, src, "")

	err := e.Locate(context.Background(), "t")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 0, src.count(types.RootParentID, 2))
}

func TestLocate_MaterializedTargetOnlyOpensPath(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	ctx := context.Background()
	require.NoError(t, e.Open(ctx, "B"))
	require.NoError(t, e.Open(ctx, "b1"))
	e.CloseAll()
	calls := src.totalCalls()

	require.NoError(t, e.Locate(ctx, "b11"))
	assert.Equal(t, []types.NodeID{"B", "b1"}, openIDs(e))
	assert.Equal(t, calls, src.totalCalls())
}

func TestCloseAll_ReopenAndCacheKeys(t *testing.T) {
	src := standardTree()
	store := cache.NewMemoryStore[item](cache.DefaultMemoryConfig())
	e := New[item](Config{PageSize: 10}, store)
	ctx := context.Background()

	initEngine(t, e, src, "k1")
	require.NoError(t, e.Open(ctx, "A"))
	e.CloseAll()
	assert.Empty(t, openIDs(e))

	require.NoError(t, e.Open(ctx, "A"))
	assert.Equal(t, 1, src.count("A", 1), "same key serves from the forest")

	res := initEngine(t, e, src, "k1")
	assert.True(t, res.Restored)
	assert.Equal(t, 1, src.count(types.RootParentID, 1))

	e.CloseAll()
	res = initEngine(t, e, src, "k2")
	assert.False(t, res.Restored)
	require.NoError(t, e.Open(ctx, "A"))
	assert.Equal(t, 2, src.count("A", 1), "a new key refetches")

	// Switching back restores the snapshot persisted on the way out
	res = initEngine(t, e, src, "k1")
	assert.True(t, res.Restored)
	assert.Equal(t, 2, src.count(types.RootParentID, 1))
	require.NoError(t, e.Open(ctx, "A"))
	assert.Equal(t, 2, src.count("A", 1))
}

func TestRestore_StaleSnapshotRefreshes(t *testing.T) {
	src := standardTree()
	store := cache.NewMemoryStore[item](cache.MemoryConfig{})
	clock := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first := New[item](Config{PageSize: 10}, store)
	first.now = func() time.Time { return clock }
	initEngine(t, first, src, "k")
	require.NoError(t, first.Open(ctx, "A"))
	require.NoError(t, first.Open(ctx, "B"))
	require.NoError(t, first.Persist())

	src.set("A", leaf("a1"), leaf("a2"), leaf("a3"))

	second := New[item](Config{PageSize: 10, StaleAfter: 10 * time.Minute}, store)
	second.now = func() time.Time { return clock.Add(time.Hour) }
	res := initEngine(t, second, src, "k")

	assert.True(t, res.Restored)
	assert.True(t, res.Stale)
	assert.Equal(t, 2, src.count(types.RootParentID, 1))
	assert.Equal(t, 2, src.count("A", 1))
	assert.Equal(t, 2, src.count("B", 1))
	assert.Equal(t, 0, src.count("b1", 1), "closed nodes are not refreshed")
	assert.Equal(t, []types.NodeID{"a1", "a2", "a3"}, childIDs(second.Children("A")))
	assert.ElementsMatch(t, []types.NodeID{"A", "B"}, openIDs(second))
}

func TestRestore_FreshSnapshotLoadsOnlyMissing(t *testing.T) {
	src := standardTree()
	store := cache.NewMemoryStore[item](cache.MemoryConfig{})
	ctx := context.Background()

	first := New[item](Config{PageSize: 10}, store)
	initEngine(t, first, src, "k")
	require.NoError(t, first.Open(ctx, "A"))

	// B was open with its first page still in flight when the snapshot was taken
	f := first.Forest()
	f.UpdateState("B", func(s *types.NodeState) {
		s.IsOpen = true
		s.IsLoading = true
	})
	require.NoError(t, store.Set("k", &cache.Snapshot[item]{
		Key:     "k",
		Version: cache.SnapshotVersion,
		SavedAt: time.Now(),
		Nodes:   f.Nodes(),
	}))

	second := New[item](Config{PageSize: 10}, store)
	res := initEngine(t, second, src, "k")
	assert.True(t, res.Restored)
	assert.False(t, res.Stale)

	assert.Equal(t, 1, src.count(types.RootParentID, 1))
	assert.Equal(t, 1, src.count("A", 1))
	assert.Equal(t, 1, src.count("B", 1))
	b, _ := second.Node("B")
	assert.False(t, b.State.IsLoading)
	assert.Equal(t, []types.NodeID{"b1"}, childIDs(second.Children("B")))
}

func TestRefetchNodeBy_PreservesFlags(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	ctx := context.Background()
	require.NoError(t, e.Open(ctx, "A"))
	require.NoError(t, e.Check("a1"))

	src.set("A", leaf("a1"), leaf("a3"))
	found, err := e.RefetchNodeBy(ctx, func(n types.Node[item]) bool { return n.Title == "A" })
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, []types.NodeID{"a1", "a3"}, childIDs(e.Children("A")))
	a1, _ := e.Node("a1")
	assert.True(t, a1.State.IsChecked)
	a, _ := e.Node("A")
	assert.True(t, a.State.IsOpen)
	assert.True(t, a.State.IsHalfChecked)
	_, ok := e.Node("a2")
	assert.False(t, ok)

	found, err = e.RefetchNodeBy(ctx, func(n types.Node[item]) bool { return n.Title == "zzz" })
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRefetchRoot_DropsRemovedNodes(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	require.NoError(t, e.Open(context.Background(), "B"))

	src.set(types.RootParentID, folder("A"), leaf("C"), leaf("E"))
	require.NoError(t, e.RefetchRoot(context.Background()))

	assert.Equal(t, []types.NodeID{"A", "C", "E"}, childIDs(e.Roots()))
	_, ok := e.Node("b1")
	assert.False(t, ok)
}

func TestApplyFilter_StashesAndRestores(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	ctx := context.Background()
	require.NoError(t, e.Open(ctx, "A"))

	require.NoError(t, e.ApplyFilter(ctx, map[string]string{"search": "b"}))
	assert.True(t, e.Filtered())
	assert.Equal(t, "b", src.lastParams().Filters["search"])
	assert.Empty(t, openIDs(e), "the filtered view starts from a fresh root listing")

	calls := src.totalCalls()
	require.NoError(t, e.ClearFilter(ctx))
	assert.False(t, e.Filtered())
	assert.Equal(t, []types.NodeID{"A"}, openIDs(e))
	assert.Equal(t, calls, src.totalCalls(), "the unfiltered forest is restored, not refetched")

	require.NoError(t, e.ClearFilter(ctx), "clearing twice is a no-op")
}

func TestApplyFilter_DropsInFlightResponses(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")

	gate := make(chan struct{})
	src.hold = func(p types.FetchParams) <-chan struct{} {
		if p.Parent == "A" {
			return gate
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return e.Open(context.Background(), "A") })
	for p := range src.entered {
		if p.Parent == "A" {
			break
		}
	}
	require.NoError(t, e.ApplyFilter(context.Background(), map[string]string{"search": "a"}))
	before := e.Forest().Nodes()

	close(gate)
	require.NoError(t, g.Wait())
	assert.Equal(t, before, e.Forest().Nodes())
}

func TestPrune(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	require.NoError(t, e.Open(context.Background(), "A"))
	require.NoError(t, e.Check("a2"))
	e.UpdateSelectID("a1")

	require.NoError(t, e.Prune("a1"))
	assert.Equal(t, []types.NodeID{"a2"}, childIDs(e.Children("A")))
	assert.Empty(t, e.SelectID())
	a, _ := e.Node("A")
	assert.Equal(t, 1, a.State.Total)
	assert.True(t, a.State.IsChecked, "the remaining child is checked")

	assert.Error(t, e.Prune(types.RootParentID))
	assert.Error(t, e.Prune("a1"))
}

func TestUpdateSelectAndRootID(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")
	calls := src.totalCalls()

	e.UpdateSelectID("B")
	e.UpdateRootID("A")
	assert.Equal(t, types.NodeID("B"), e.SelectID())
	assert.Equal(t, types.NodeID("A"), e.RootID())
	assert.Equal(t, calls, src.totalCalls())
}

func TestSubscribe(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")

	var n int64
	unsubscribe := e.Subscribe(func() { atomic.AddInt64(&n, 1) })

	require.NoError(t, e.Check("A"))
	assert.Equal(t, int64(1), atomic.LoadInt64(&n), "one notification per mutation")

	// Loading flag, then the merged page
	require.NoError(t, e.Open(context.Background(), "A"))
	assert.Equal(t, int64(3), atomic.LoadInt64(&n))

	unsubscribe()
	unsubscribe()
	require.NoError(t, e.Uncheck("A"))
	assert.Equal(t, int64(3), atomic.LoadInt64(&n))
}

func TestSubscribe_CallbackMayReadEngine(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 10, src, "")

	var seen []int
	e.Subscribe(func() { seen = append(seen, e.Len()) })
	require.NoError(t, e.Open(context.Background(), "A"))
	assert.Equal(t, []int{3, 5}, seen)
}

func TestCheck_LaterPagesOfUncheckedParentStayUnchecked(t *testing.T) {
	src := newFakeSource()
	src.set(types.RootParentID, folder("P"), leaf("r1"), leaf("r2"))
	src.set("P", leaf("p1"), leaf("p2"), leaf("p3"))
	e := newTestEngine(t, 1, src, "")
	ctx := context.Background()

	require.NoError(t, e.Open(ctx, "P"))
	require.NoError(t, e.Check("p1"))
	require.NoError(t, e.More(ctx, "P"))
	require.NoError(t, e.More(ctx, "P"))

	for _, id := range []types.NodeID{"p2", "p3"} {
		n, _ := e.Node(id)
		assert.False(t, n.State.IsChecked, "%s was never checked", id)
	}
	p, _ := e.Node("P")
	assert.False(t, p.State.IsChecked)
	assert.True(t, p.State.IsHalfChecked)
	assert.Equal(t, []types.NodeID{"p1"}, e.Checked())
}

func TestCheck_RootPagesDoNotInherit(t *testing.T) {
	src := newFakeSource()
	src.set(types.RootParentID, leaf("r1"), leaf("r2"))
	e := newTestEngine(t, 1, src, "")

	require.NoError(t, e.Check("r1"))
	require.NoError(t, e.LoadMoreRootPage(context.Background()))

	assert.Equal(t, []types.NodeID{"r1", "r2"}, childIDs(e.Roots()))
	assert.Equal(t, []types.NodeID{"r1"}, e.Checked())
}

func TestLocate_WaitsForInFlightRefetch(t *testing.T) {
	src := newFakeSource()
	src.set(types.RootParentID, leaf("A"), leaf("B"))
	src.ancestors["B"] = []types.NodeID{}
	e := newTestEngine(t, 1, src, "")
	for len(src.entered) > 0 {
		<-src.entered
	}

	gate := make(chan struct{})
	src.hold = func(p types.FetchParams) <-chan struct{} {
		if p.Parent.IsRoot() && p.Page == 1 {
			return gate
		}
		return nil
	}

	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error { return e.RefetchRoot(ctx) })
	<-src.entered
	g.Go(func() error { return e.Locate(ctx, "B") })
	time.Sleep(20 * time.Millisecond)
	close(gate)
	require.NoError(t, g.Wait())

	assert.Equal(t, []types.NodeID{"A", "B"}, childIDs(e.Roots()))
	assert.Equal(t, types.NodeID("B"), e.SelectID())
	assert.Equal(t, 1, src.count(types.RootParentID, 2))
}

func TestMore_NewGenerationDoesNotJoinOldFlight(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")

	gate := make(chan struct{})
	src.hold = func(p types.FetchParams) <-chan struct{} {
		if p.Parent.IsRoot() && p.Page == 2 && p.Filters["search"] == "" {
			return gate
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return e.LoadMoreRootPage(context.Background()) })
	for p := range src.entered {
		if p.Page == 2 {
			break
		}
	}

	ctx := context.Background()
	require.NoError(t, e.ApplyFilter(ctx, map[string]string{"search": "x"}))
	require.NoError(t, e.LoadMoreRootPage(ctx))
	assert.Equal(t, []types.NodeID{"A", "B", "C"}, childIDs(e.Roots()))

	close(gate)
	require.NoError(t, g.Wait())
	assert.Equal(t, 2, src.count(types.RootParentID, 2))
}

func TestMore_JoinedCallerSurvivesOwnerCancel(t *testing.T) {
	src := standardTree()
	e := newTestEngine(t, 2, src, "")

	var held atomic.Int32
	gate := make(chan struct{})
	defer close(gate)
	src.hold = func(p types.FetchParams) <-chan struct{} {
		if p.Parent.IsRoot() && p.Page == 2 && held.Add(1) == 1 {
			return gate
		}
		return nil
	}

	ownerCtx, cancel := context.WithCancel(context.Background())
	owner := make(chan error, 1)
	go func() { owner <- e.LoadMoreRootPage(ownerCtx) }()
	for p := range src.entered {
		if p.Page == 2 {
			break
		}
	}

	joined := make(chan error, 1)
	go func() { joined <- e.LoadMoreRootPage(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-owner, context.Canceled)
	require.NoError(t, <-joined)
	assert.Equal(t, []types.NodeID{"A", "B", "C"}, childIDs(e.Roots()))
}
