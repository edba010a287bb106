// Package cache persists forest snapshots keyed by an opaque cache key.
package cache

import (
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/standardbeagle/lazytree/internal/types"
)

// SnapshotVersion is bumped whenever the persisted layout changes. Snapshots
// carrying another version are treated as missing.
const SnapshotVersion = 1

// Snapshot is the persisted form of one logical tree: every materialized
// record, synthetic root first, plus the view cursors.
type Snapshot[T types.Entity] struct {
	Key      string          `toml:"key" json:"key"`
	Version  int             `toml:"version" json:"version"`
	SavedAt  time.Time       `toml:"saved_at" json:"saved_at"`
	SelectID types.NodeID    `toml:"select_id" json:"select_id"`
	RootID   types.NodeID    `toml:"root_id" json:"root_id"`
	Nodes    []types.Node[T] `toml:"nodes" json:"nodes"`
}

// IsStale reports whether the snapshot is older than maxAge. A zero maxAge
// never goes stale.
func (s *Snapshot[T]) IsStale(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(s.SavedAt) > maxAge
}

// OpenIDs returns the open nodes in stored order, synthetic root excluded
func (s *Snapshot[T]) OpenIDs() []types.NodeID {
	var out []types.NodeID
	for _, n := range s.Nodes {
		if n.State.IsOpen && !n.IsRoot() {
			out = append(out, n.ID)
		}
	}
	return out
}

// Clone returns a copy sharing no slices with s
func (s *Snapshot[T]) Clone() *Snapshot[T] {
	if s == nil {
		return nil
	}
	out := *s
	out.Nodes = make([]types.Node[T], len(s.Nodes))
	for i, n := range s.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return &out
}

// Store is the persistent snapshot contract. Get returns nil, nil when no
// snapshot exists under key.
type Store[T types.Entity] interface {
	Get(key string) (*Snapshot[T], error)
	Set(key string, snap *Snapshot[T]) error
	Delete(key string) error
}

// ComposeKey builds a cache key from a scope and a tree kind. Extra parts
// (filters, project ids) are folded into a short hash so keys stay bounded.
func ComposeKey(scope, kind string, extra ...string) string {
	var b strings.Builder
	b.Grow(len(scope) + len(kind) + 18)
	b.WriteString(scope)
	b.WriteByte(':')
	b.WriteString(kind)
	if len(extra) > 0 {
		b.WriteByte(':')
		b.WriteString(HashKey(strings.Join(extra, "\x00")))
	}
	return b.String()
}

// HashKey returns the fixed-width hex hash of key
func HashKey(key string) string {
	const hexDigits = "0123456789abcdef"
	sum := xxhash.Sum64String(key)
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[sum&0xf]
		sum >>= 4
	}
	return string(buf[:])
}
