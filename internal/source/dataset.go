// Package source serves a tree stored in a TOML file through the fetch
// contract. It backs the command line and MCP front ends and doubles as a
// reference collaborator for the engine.
package source

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Filter fields understood by FetchChildren
const (
	FilterSearch = "search" // children whose subtree holds a title containing the value
	FilterKind   = "kind"   // children of exactly this kind
)

// DefaultPageSize applies when a request carries no page size
const DefaultPageSize = 50

// Entry is one record of the dataset. Container is derived on load for any
// entry that some other entry names as its parent.
type Entry struct {
	ID        types.NodeID `toml:"id" json:"id"`
	Name      string       `toml:"name" json:"name"`
	Kind      string       `toml:"kind,omitempty" json:"kind,omitempty"`
	Parent    types.NodeID `toml:"parent,omitempty" json:"parent,omitempty"`
	Container bool         `toml:"container,omitempty" json:"container,omitempty"`
}

// EntityID implements types.Entity
func (e Entry) EntityID() types.NodeID { return e.ID }

// EntityName implements types.Entity
func (e Entry) EntityName() string { return e.Name }

// EntityHasChildren implements types.Entity
func (e Entry) EntityHasChildren() bool { return e.Container }

type document struct {
	Entries []Entry `toml:"entries"`
}

// Dataset is an in-memory tree. It is safe for concurrent use and can be
// swapped wholesale by Replace.
type Dataset struct {
	mu       sync.RWMutex
	byID     map[types.NodeID]Entry
	children map[types.NodeID][]types.NodeID // stored order
}

// Load reads a dataset file
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	ds, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	return ds, nil
}

// Parse decodes a TOML document of [[entries]] tables
func Parse(data []byte) (*Dataset, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return New(doc.Entries)
}

// New builds a dataset from entries. Ids must be unique and every parent
// must exist.
func New(entries []Entry) (*Dataset, error) {
	ds := &Dataset{}
	byID, children, err := index(entries)
	if err != nil {
		return nil, err
	}
	ds.byID, ds.children = byID, children
	return ds, nil
}

func index(entries []Entry) (map[types.NodeID]Entry, map[types.NodeID][]types.NodeID, error) {
	byID := make(map[types.NodeID]Entry, len(entries))
	children := make(map[types.NodeID][]types.NodeID)
	for _, e := range entries {
		if e.ID.IsRoot() {
			return nil, nil, fmt.Errorf("entry %q has an empty id", e.Name)
		}
		if _, dup := byID[e.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate entry id %s", e.ID)
		}
		byID[e.ID] = e
		children[e.Parent] = append(children[e.Parent], e.ID)
	}
	for parent := range children {
		if parent.IsRoot() {
			continue
		}
		p, ok := byID[parent]
		if !ok {
			return nil, nil, fmt.Errorf("entry %s names missing parent %s", children[parent][0], parent)
		}
		p.Container = true
		byID[parent] = p
	}
	// Reject cycles: every entry must reach the root
	for id := range byID {
		seen := 0
		for cur := id; !cur.IsRoot(); cur = byID[cur].Parent {
			if seen++; seen > len(byID) {
				return nil, nil, fmt.Errorf("entry %s is part of a parent cycle", id)
			}
		}
	}
	return byID, children, nil
}

// Len returns the number of entries
func (ds *Dataset) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.byID)
}

// Get returns the entry stored under id
func (ds *Dataset) Get(id types.NodeID) (Entry, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	e, ok := ds.byID[id]
	return e, ok
}

// Entries returns every entry, parents before children
func (ds *Dataset) Entries() []Entry {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]Entry, 0, len(ds.byID))
	queue := append([]types.NodeID(nil), ds.children[types.RootParentID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, ds.byID[id])
		queue = append(queue, ds.children[id]...)
	}
	return out
}

// FetchChildren implements types.NodeFetcher
func (ds *Dataset) FetchChildren(ctx context.Context, p types.FetchParams) (types.FetchResult[Entry], error) {
	if err := ctx.Err(); err != nil {
		return types.FetchResult[Entry]{}, err
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if !p.Parent.IsRoot() {
		if _, ok := ds.byID[p.Parent]; !ok {
			return types.FetchResult[Entry]{}, fmt.Errorf("parent %s: %w", p.Parent, errors.ErrNotFound)
		}
	}

	var kids []Entry
	for _, id := range ds.children[p.Parent] {
		e := ds.byID[id]
		if ds.keep(e, p.Filters) {
			kids = append(kids, e)
		}
	}
	sortEntries(kids, p.Ordering)

	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	start := min((page-1)*size, len(kids))
	end := min(start+size, len(kids))

	info := types.PageInfo{Current: page, Total: len(kids)}
	if end < len(kids) {
		info.Next = page + 1
	}
	if page > 1 {
		info.Previous = page - 1
	}
	debug.LogSource("children of %s page %d: %d of %d\n", p.Parent, page, end-start, len(kids))
	return types.FetchResult[Entry]{
		Data:         slices.Clone(kids[start:end]),
		NextInfo:     info,
		RequestToken: p.Token,
	}, nil
}

// FetchAncestors implements types.AncestorFetcher
func (ds *Dataset) FetchAncestors(ctx context.Context, id types.NodeID) ([]types.NodeID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	e, ok := ds.byID[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, errors.ErrNotFound)
	}
	var rev []types.NodeID
	for cur := e.Parent; !cur.IsRoot(); cur = ds.byID[cur].Parent {
		rev = append(rev, cur)
	}
	slices.Reverse(rev)
	return rev, nil
}

// Replace swaps in a new set of entries and returns the parents whose child
// listing changed, the synthetic root included. The dataset is unchanged on
// error.
func (ds *Dataset) Replace(entries []Entry) ([]types.NodeID, error) {
	byID, children, err := index(entries)
	if err != nil {
		return nil, err
	}

	ds.mu.Lock()
	oldByID, oldChildren := ds.byID, ds.children
	ds.byID, ds.children = byID, children
	ds.mu.Unlock()

	parents := make(map[types.NodeID]bool)
	for parent, ids := range children {
		if listingChanged(oldByID, byID, oldChildren[parent], ids) {
			parents[parent] = true
		}
	}
	for parent := range oldChildren {
		if _, ok := children[parent]; !ok && len(oldChildren[parent]) > 0 {
			parents[parent] = true
		}
	}

	out := make([]types.NodeID, 0, len(parents))
	for id := range parents {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func listingChanged(oldByID, newByID map[types.NodeID]Entry, oldIDs, newIDs []types.NodeID) bool {
	if !slices.Equal(oldIDs, newIDs) {
		return true
	}
	for _, id := range newIDs {
		if oldByID[id] != newByID[id] {
			return true
		}
	}
	return false
}

func (ds *Dataset) keep(e Entry, filters map[string]string) bool {
	if kind, ok := filters[FilterKind]; ok && kind != "" && e.Kind != kind {
		return false
	}
	if q, ok := filters[FilterSearch]; ok && q != "" {
		return ds.subtreeContains(e, strings.ToLower(q))
	}
	return true
}

func (ds *Dataset) subtreeContains(e Entry, needle string) bool {
	if strings.Contains(strings.ToLower(e.Name), needle) {
		return true
	}
	for _, cid := range ds.children[e.ID] {
		if ds.subtreeContains(ds.byID[cid], needle) {
			return true
		}
	}
	return false
}

// sortEntries orders a listing. Unknown orderings keep stored order.
func sortEntries(entries []Entry, ordering string) {
	desc := strings.HasPrefix(ordering, "-")
	field := strings.TrimPrefix(ordering, "-")

	var less func(a, b Entry) int
	switch field {
	case "name":
		less = func(a, b Entry) int {
			if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
				return c
			}
			return strings.Compare(string(a.ID), string(b.ID))
		}
	case "id":
		less = func(a, b Entry) int { return strings.Compare(string(a.ID), string(b.ID)) }
	default:
		return
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}
