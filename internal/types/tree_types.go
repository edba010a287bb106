package types

import (
	"context"
	"strconv"
)

// NodeID identifies a node within one engine instance. Remote ids that are
// numeric are carried in their decimal form.
type NodeID string

// RootParentID is the id of the synthetic parent that owns the root listing.
const RootParentID NodeID = ""

// IDFromInt converts a numeric remote id into a NodeID
func IDFromInt(id int64) NodeID {
	return NodeID(strconv.FormatInt(id, 10))
}

// String implements fmt.Stringer
func (id NodeID) String() string {
	if id == RootParentID {
		return "<root>"
	}
	return string(id)
}

// IsRoot reports whether id addresses the synthetic root parent
func (id NodeID) IsRoot() bool {
	return id == RootParentID
}

// Entity is the minimal capability a remote payload must expose to be held
// in a forest. Suites, test plans, test cases and tests all satisfy it.
type Entity interface {
	EntityID() NodeID
	EntityName() string
	EntityHasChildren() bool
}

// NodeState holds the transient per-node view and pagination flags.
type NodeState struct {
	IsLeaf        bool `toml:"is_leaf" json:"is_leaf"`
	CanOpen       bool `toml:"can_open" json:"can_open"`
	IsOpen        bool `toml:"is_open" json:"is_open"`
	IsLoading     bool `toml:"is_loading" json:"is_loading"`
	IsMoreLoading bool `toml:"is_more_loading" json:"is_more_loading"`
	HasMore       bool `toml:"has_more" json:"has_more"`
	Page          int  `toml:"page" json:"page"`   // last merged page, 0 = children not loaded
	Total         int  `toml:"total" json:"total"` // total children reported by the last page
	Level         int  `toml:"level" json:"level"`

	IsChecked     bool `toml:"is_checked" json:"is_checked"`
	IsHalfChecked bool `toml:"is_half_checked" json:"is_half_checked"`

	// InheritCheck is the check state handed to children materialized later.
	InheritCheck bool `toml:"inherit_check" json:"inherit_check"`
}

// Node is one materialized entry of a forest. Nodes are values: every
// transition produces a new record and never patches a shared one.
type Node[T Entity] struct {
	ID          NodeID    `toml:"id" json:"id"`
	ParentID    NodeID    `toml:"parent_id" json:"parent_id"`
	Data        T         `toml:"data" json:"data"`
	Title       string    `toml:"title" json:"title"`
	ChildrenIDs []NodeID  `toml:"children_ids" json:"children_ids"`
	State       NodeState `toml:"state" json:"state"`
}

// NewNode wraps a fetched entity as an unloaded node under parentID
func NewNode[T Entity](data T, parentID NodeID, level int) Node[T] {
	hasChildren := data.EntityHasChildren()
	return Node[T]{
		ID:          data.EntityID(),
		ParentID:    parentID,
		Data:        data,
		Title:       data.EntityName(),
		ChildrenIDs: []NodeID{},
		State: NodeState{
			IsLeaf:  !hasChildren,
			CanOpen: hasChildren,
			Level:   level,
		},
	}
}

// NewRootNode returns the synthetic root parent. It is always open and sits
// one level above the first visible level.
func NewRootNode[T Entity]() Node[T] {
	return Node[T]{
		ID:          RootParentID,
		ParentID:    RootParentID,
		ChildrenIDs: []NodeID{},
		State: NodeState{
			CanOpen: true,
			IsOpen:  true,
			Level:   -1,
		},
	}
}

// Clone returns a copy that shares no slices with n
func (n Node[T]) Clone() Node[T] {
	out := n
	out.ChildrenIDs = append(make([]NodeID, 0, len(n.ChildrenIDs)), n.ChildrenIDs...)
	return out
}

// WithState returns a copy of n with fn applied to its state
func (n Node[T]) WithState(fn func(*NodeState)) Node[T] {
	out := n.Clone()
	fn(&out.State)
	return out
}

// WithChildren returns a copy of n owning ids as its children
func (n Node[T]) WithChildren(ids []NodeID) Node[T] {
	out := n
	out.ChildrenIDs = append(make([]NodeID, 0, len(ids)), ids...)
	return out
}

// WithData returns a copy of n carrying a refreshed payload
func (n Node[T]) WithData(data T) Node[T] {
	out := n.Clone()
	out.Data = data
	out.Title = data.EntityName()
	hasChildren := data.EntityHasChildren()
	out.State.IsLeaf = !hasChildren
	out.State.CanOpen = hasChildren
	return out
}

// IsRoot reports whether n is the synthetic root parent
func (n Node[T]) IsRoot() bool {
	return n.ID.IsRoot()
}

// ChildrenLoaded reports whether at least one page of children was merged
func (n Node[T]) ChildrenLoaded() bool {
	return n.State.Page > 0
}

// ChildrenComplete reports whether every child page has been merged
func (n Node[T]) ChildrenComplete() bool {
	return n.State.Page > 0 && !n.State.HasMore
}

// PageInfo is the pagination block returned with every page. Next and
// Previous are page numbers, 0 when there is no such page.
type PageInfo struct {
	Current  int `toml:"current" json:"current"`
	Total    int `toml:"total" json:"total"`
	Next     int `toml:"next" json:"next"`
	Previous int `toml:"previous" json:"previous"`
}

// HasNext reports whether another page follows
func (p PageInfo) HasNext() bool {
	return p.Next > 0
}

// FetchParams is the request sent to a NodeFetcher
type FetchParams struct {
	Parent   NodeID
	Page     int
	PageSize int
	Ordering string
	Filters  map[string]string
	Token    uint64
}

// FetchResult is one page of children. RequestToken must echo FetchParams.Token.
type FetchResult[T Entity] struct {
	Data         []T
	NextInfo     PageInfo
	RequestToken uint64
}

// NodeFetcher returns a page of children for a parent. Implementations must be
// idempotent for identical params.
type NodeFetcher[T Entity] interface {
	FetchChildren(ctx context.Context, params FetchParams) (FetchResult[T], error)
}

// NodeFetcherFunc adapts a function to NodeFetcher
type NodeFetcherFunc[T Entity] func(ctx context.Context, params FetchParams) (FetchResult[T], error)

// FetchChildren implements NodeFetcher
func (f NodeFetcherFunc[T]) FetchChildren(ctx context.Context, params FetchParams) (FetchResult[T], error) {
	return f(ctx, params)
}

// AncestorFetcher returns the root-to-parent id chain for a target node
type AncestorFetcher interface {
	FetchAncestors(ctx context.Context, id NodeID) ([]NodeID, error)
}

// AncestorFetcherFunc adapts a function to AncestorFetcher
type AncestorFetcherFunc func(ctx context.Context, id NodeID) ([]NodeID, error)

// FetchAncestors implements AncestorFetcher
func (f AncestorFetcherFunc) FetchAncestors(ctx context.Context, id NodeID) ([]NodeID, error) {
	return f(ctx, id)
}
