package forest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/lazytree/internal/types"
)

// buildSuiteTree materializes root > s1 > (s2 > (c1, c2), c3), all complete
func buildSuiteTree(t *testing.T) *Forest[item] {
	t.Helper()
	f := New[item]()
	_, err := f.InsertPage(types.RootParentID, []item{folder("s1")}, page(1, 0, 1))
	require.NoError(t, err)
	_, err = f.InsertPage("s1", []item{folder("s2"), leaf("c3")}, page(1, 0, 2))
	require.NoError(t, err)
	_, err = f.InsertPage("s2", []item{leaf("c1"), leaf("c2")}, page(1, 0, 2))
	require.NoError(t, err)
	return f
}

func state(t *testing.T, f *Forest[item], id types.NodeID) types.NodeState {
	t.Helper()
	n, ok := f.Get(id)
	require.True(t, ok, "node %s", id)
	return n.State
}

func TestSetChecked_CompleteParent(t *testing.T) {
	f := buildSuiteTree(t)

	require.NoError(t, f.SetChecked("s1", true))

	for _, id := range []types.NodeID{"s1", "s2", "c1", "c2", "c3"} {
		s := state(t, f, id)
		assert.True(t, s.IsChecked, "%s checked", id)
		assert.False(t, s.IsHalfChecked, "%s not half", id)
	}
	assert.ElementsMatch(t, []types.NodeID{"s1", "s2", "c3", "c1", "c2"}, f.Checked())
}

func TestSetChecked_UncheckDescendantMarksAncestorsHalf(t *testing.T) {
	f := buildSuiteTree(t)
	require.NoError(t, f.SetChecked("s1", true))

	require.NoError(t, f.SetChecked("c1", false))

	for _, id := range []types.NodeID{"s2", "s1", types.RootParentID} {
		s := state(t, f, id)
		assert.False(t, s.IsChecked, "%s not checked", id)
		assert.True(t, s.IsHalfChecked, "%s half", id)
	}
	assert.True(t, state(t, f, "c2").IsChecked)
}

func TestSetChecked_UnfetchedChildrenStayHalf(t *testing.T) {
	f := New[item]()
	_, _ = f.InsertPage(types.RootParentID, []item{folder("A")}, page(1, 0, 1))

	require.NoError(t, f.SetChecked("A", true))
	s := state(t, f, "A")
	assert.True(t, s.IsHalfChecked)
	assert.False(t, s.IsChecked)

	// Children fetched later inherit the pending state
	_, err := f.InsertPage("A", []item{leaf("a1"), leaf("a2")}, page(1, 0, 2))
	require.NoError(t, err)
	f.RecomputeUp("A")

	assert.True(t, state(t, f, "a1").IsChecked)
	assert.True(t, state(t, f, "a2").IsChecked)
	s = state(t, f, "A")
	assert.True(t, s.IsChecked)
	assert.False(t, s.IsHalfChecked)
}

func TestSetChecked_PartialPagesNeverFullyChecked(t *testing.T) {
	f := New[item]()
	_, _ = f.InsertPage(types.RootParentID, []item{folder("A")}, page(1, 0, 1))
	_, _ = f.InsertPage("A", []item{leaf("a1"), leaf("a2")}, page(1, 2, 4))

	require.NoError(t, f.SetChecked("a1", true))
	require.NoError(t, f.SetChecked("a2", true))
	s := state(t, f, "A")
	assert.False(t, s.IsChecked, "children set is incomplete")
	assert.True(t, s.IsHalfChecked)

	// Checking every loaded child is not a check of A
	_, _ = f.InsertPage("A", []item{leaf("a3"), leaf("a4")}, page(2, 0, 4))
	f.RecomputeUp("A")
	assert.False(t, state(t, f, "a3").IsChecked)
	assert.False(t, state(t, f, "a4").IsChecked)
	s = state(t, f, "A")
	assert.False(t, s.IsChecked)
	assert.True(t, s.IsHalfChecked)
	assert.Equal(t, []types.NodeID{"a1", "a2"}, f.Checked())
}

func TestSetChecked_CheckedParentPagesInherit(t *testing.T) {
	f := New[item]()
	_, _ = f.InsertPage(types.RootParentID, []item{folder("A")}, page(1, 0, 1))
	_, _ = f.InsertPage("A", []item{leaf("a1")}, page(1, 2, 3))

	require.NoError(t, f.SetChecked("A", true))
	assert.True(t, state(t, f, "A").IsHalfChecked)

	_, _ = f.InsertPage("A", []item{leaf("a2")}, page(2, 3, 3))
	f.RecomputeUp("A")
	assert.True(t, state(t, f, "a2").IsChecked)

	// Unchecking one child stops later pages from inheriting
	require.NoError(t, f.SetChecked("a2", false))
	_, _ = f.InsertPage("A", []item{leaf("a3")}, page(3, 0, 3))
	f.RecomputeUp("A")
	assert.False(t, state(t, f, "a3").IsChecked)
	assert.True(t, state(t, f, "A").IsHalfChecked)
}

func TestSetChecked_NoStaleHalfAfterUncheck(t *testing.T) {
	f := buildSuiteTree(t)
	require.NoError(t, f.SetChecked("c1", true))
	assert.True(t, state(t, f, "s2").IsHalfChecked)

	require.NoError(t, f.SetChecked("c1", false))

	f.Walk(func(n types.Node[item]) bool {
		if n.State.IsLeaf || len(n.ChildrenIDs) == 0 {
			return true
		}
		anyChecked := false
		for _, c := range f.Children(n.ID) {
			anyChecked = anyChecked || c.State.IsChecked || c.State.IsHalfChecked
		}
		if !anyChecked {
			assert.False(t, n.State.IsHalfChecked, "%s keeps a stale half state", n.ID)
		}
		return true
	})
}

func TestSetChecked_UncheckContainerClearsSubtree(t *testing.T) {
	f := buildSuiteTree(t)
	require.NoError(t, f.SetChecked("s1", true))
	require.NoError(t, f.SetChecked("s2", false))

	assert.False(t, state(t, f, "c1").IsChecked)
	assert.False(t, state(t, f, "s2").IsHalfChecked)
	s1 := state(t, f, "s1")
	assert.True(t, s1.IsHalfChecked, "c3 is still checked")
}

func TestSetChecked_UnknownNode(t *testing.T) {
	f := New[item]()
	assert.Error(t, f.SetChecked("missing", true))
}
