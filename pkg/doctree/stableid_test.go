package doctree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingIdentityMap() *IdentityMap {
	n := 0
	return &IdentityMap{newID: func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}}
}

func TestEnsureIDAssignsOnce(t *testing.T) {
	m := NewIdentityMap()
	n := NewText("x")

	id := m.EnsureID(n)
	require.NotEmpty(t, id)
	assert.Equal(t, id, m.EnsureID(n), "a second call must not reassign")
	assert.Equal(t, id, n.StableID)
}

func TestAssignAllMissingOnlyFillsGaps(t *testing.T) {
	m := countingIdentityMap()
	root := NewContainer(TypeRoot,
		NewContainer(TypeParagraph, NewText("a")),
		NewContainer(TypeParagraph, NewText("b")),
	)
	root.Children[0].StableID = "existing"

	assigned := m.AssignAllMissing(root)
	assert.Equal(t, 4, assigned)
	assert.Equal(t, "existing", root.Children[0].StableID)

	assert.Equal(t, 0, m.AssignAllMissing(root), "everything already has an id")
}

func TestResolveFindsDescendant(t *testing.T) {
	m := NewIdentityMap()
	leaf := NewText("deep")
	root := NewContainer(TypeRoot, NewContainer(TypeQuote, NewContainer(TypeParagraph, leaf)))
	m.AssignAllMissing(root)

	got, ok := m.Resolve(root, leaf.StableID)
	require.True(t, ok)
	assert.Same(t, leaf, got)

	_, ok = m.Resolve(root, "no-such-id")
	assert.False(t, ok)
}
