package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type item struct {
	ID   types.NodeID `toml:"id"`
	Name string       `toml:"name"`
	Kids bool         `toml:"kids"`
}

func (i item) EntityID() types.NodeID  { return i.ID }
func (i item) EntityName() string      { return i.Name }
func (i item) EntityHasChildren() bool { return i.Kids }

func leaf(id string) item   { return item{ID: types.NodeID(id), Name: id} }
func folder(id string) item { return item{ID: types.NodeID(id), Name: id, Kids: true} }

// fakeSource serves a static tree through the fetch contract. Hold lets a
// test park selected requests until it releases them.
type fakeSource struct {
	mu        sync.Mutex
	children  map[types.NodeID][]item
	ancestors map[types.NodeID][]types.NodeID
	calls     map[string]int
	total     int
	params    []types.FetchParams
	fail      error
	echo      func(token uint64) uint64
	hold      func(p types.FetchParams) <-chan struct{}
	entered   chan types.FetchParams
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		children:  make(map[types.NodeID][]item),
		ancestors: make(map[types.NodeID][]types.NodeID),
		calls:     make(map[string]int),
		entered:   make(chan types.FetchParams, 64),
	}
}

func (f *fakeSource) set(parent types.NodeID, kids ...item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parent] = kids
}

func (f *fakeSource) FetchChildren(ctx context.Context, p types.FetchParams) (types.FetchResult[item], error) {
	f.mu.Lock()
	f.calls[callKey(p.Parent, p.Page)]++
	f.total++
	f.params = append(f.params, p)
	hold, fail, echo := f.hold, f.fail, f.echo
	f.mu.Unlock()

	select {
	case f.entered <- p:
	default:
	}
	if hold != nil {
		if gate := hold(p); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return types.FetchResult[item]{}, ctx.Err()
			}
		}
	}
	if fail != nil {
		return types.FetchResult[item]{}, fail
	}

	f.mu.Lock()
	kids, ok := f.children[p.Parent]
	f.mu.Unlock()
	if !ok {
		return types.FetchResult[item]{}, fmt.Errorf("parent %s: %w", p.Parent, errors.ErrNotFound)
	}

	start := (p.Page - 1) * p.PageSize
	if start > len(kids) {
		start = len(kids)
	}
	end := start + p.PageSize
	if end > len(kids) {
		end = len(kids)
	}
	next := 0
	if end < len(kids) {
		next = p.Page + 1
	}
	token := p.Token
	if echo != nil {
		token = echo(token)
	}
	return types.FetchResult[item]{
		Data:         append([]item(nil), kids[start:end]...),
		NextInfo:     types.PageInfo{Current: p.Page, Total: len(kids), Next: next, Previous: p.Page - 1},
		RequestToken: token,
	}, nil
}

func (f *fakeSource) FetchAncestors(_ context.Context, id types.NodeID) ([]types.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain, ok := f.ancestors[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, errors.ErrNotFound)
	}
	return append([]types.NodeID(nil), chain...), nil
}

func (f *fakeSource) count(parent types.NodeID, page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callKey(parent, page)]
}

func (f *fakeSource) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeSource) lastParams() types.FetchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

func callKey(parent types.NodeID, page int) string {
	return fmt.Sprintf("%s#%d", parent.String(), page)
}

// standardTree is root > (A > (a1, a2), B > (b1 > b11), C)
func standardTree() *fakeSource {
	src := newFakeSource()
	src.set(types.RootParentID, folder("A"), folder("B"), leaf("C"))
	src.set("A", leaf("a1"), leaf("a2"))
	src.set("B", folder("b1"))
	src.set("b1", leaf("b11"))
	return src
}

func newTestEngine(t *testing.T, pageSize int, src *fakeSource, key string) *Engine[item] {
	t.Helper()
	e := New[item](Config{PageSize: pageSize}, nil)
	initEngine(t, e, src, key)
	return e
}

func initEngine(t *testing.T, e *Engine[item], src *fakeSource, key string) InitResult {
	t.Helper()
	res, err := e.InitRoot(context.Background(), InitOptions[item]{
		Fetcher:          src,
		FetcherAncestors: src,
		CacheKey:         key,
	})
	if err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	return res
}

func childIDs(nodes []types.Node[item]) []types.NodeID {
	out := make([]types.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func openIDs(e *Engine[item]) []types.NodeID {
	var out []types.NodeID
	e.Forest().Walk(func(n types.Node[item]) bool {
		if n.State.IsOpen {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}
