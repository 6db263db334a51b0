package relationship

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/pkg/models"
)

func edgeOf(id, from, to string, relType models.RelationshipType) *models.Relationship {
	return &models.Relationship{
		ID:            id,
		FromID:        from,
		ToID:          to,
		Type:          relType,
		EstablishedAt: time.Now().UTC(),
	}
}

func TestGraphTraverseOrdering(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r2", "a", "c", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r3", "b", "d", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r4", "c", "d", models.RelationshipMemberOf))

	result := g.Traverse("a", TraversalOptions{}, time.Now())

	expected := [][]string{
		{"a", "b"},
		{"a", "c"},
		{"a", "b", "d"},
		{"a", "c", "d"},
	}
	assert.Equal(t, expected, result.Paths)
	assert.Equal(t, 4, result.Visited)
}

func TestGraphTraverseDeterministic(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r2", "a", "c", models.RelationshipManagerOf))
	g.AddEdge(edgeOf("r3", "b", "d", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r4", "c", "e", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r5", "d", "e", models.RelationshipMemberOf))

	now := time.Now()
	first := g.Traverse("a", TraversalOptions{}, now)

	for range 10 {
		assert.Equal(t, first, g.Traverse("a", TraversalOptions{}, now))
	}
}

func TestGraphTraverseMaxDepth(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r2", "b", "c", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r3", "c", "d", models.RelationshipMemberOf))

	result := g.Traverse("a", TraversalOptions{MaxDepth: 2}, time.Now())

	expected := [][]string{
		{"a", "b"},
		{"a", "b", "c"},
	}
	assert.Equal(t, expected, result.Paths)
}

func TestGraphTraverseTypeFilter(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipManagerOf))
	g.AddEdge(edgeOf("r2", "a", "c", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r3", "b", "d", models.RelationshipManagerOf))

	result := g.Traverse("a", TraversalOptions{
		TypeFilter: []models.RelationshipType{models.RelationshipManagerOf},
	}, time.Now())

	expected := [][]string{
		{"a", "b"},
		{"a", "b", "d"},
	}
	assert.Equal(t, expected, result.Paths)
}

func TestGraphTraverseTarget(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r2", "a", "c", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r3", "b", "d", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r4", "c", "d", models.RelationshipMemberOf))

	result := g.Traverse("a", TraversalOptions{Target: "d"}, time.Now())

	expected := [][]string{
		{"a", "b", "d"},
		{"a", "c", "d"},
	}
	assert.Equal(t, expected, result.Paths)
}

func TestGraphTraverseSkipsExpiredEdges(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	expired := edgeOf("r1", "a", "b", models.RelationshipMemberOf)
	expired.Rules.ExpiresAt = &past

	g := NewGraph()
	g.AddEdge(expired)
	g.AddEdge(edgeOf("r2", "a", "c", models.RelationshipMemberOf))

	result := g.Traverse("a", TraversalOptions{}, time.Now())

	assert.Equal(t, [][]string{{"a", "c"}}, result.Paths)
}

func TestGraphTraverseRespectsEdgeMaxDepth(t *testing.T) {
	shallow := 1

	bounded := edgeOf("r2", "b", "c", models.RelationshipDelegatesTo)
	bounded.Rules.MaxDepth = &shallow

	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipDelegatesTo))
	g.AddEdge(bounded)

	// The b->c edge only admits traversal within depth 1, and b sits at
	// depth 1 from a, so c is unreachable from a but reachable from b.
	fromA := g.Traverse("a", TraversalOptions{}, time.Now())
	assert.Equal(t, [][]string{{"a", "b"}}, fromA.Paths)

	fromB := g.Traverse("b", TraversalOptions{}, time.Now())
	assert.Equal(t, [][]string{{"b", "c"}}, fromB.Paths)
}

func TestGraphTraverseCycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r2", "b", "c", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r3", "c", "a", models.RelationshipMemberOf))

	result := g.Traverse("a", TraversalOptions{}, time.Now())

	expected := [][]string{
		{"a", "b"},
		{"a", "b", "c"},
	}
	assert.Equal(t, expected, result.Paths)
	assert.Equal(t, 3, result.Visited)
}

func TestGraphRemoveEdge(t *testing.T) {
	g := NewGraph()
	g.AddEdge(edgeOf("r1", "a", "b", models.RelationshipMemberOf))
	g.AddEdge(edgeOf("r2", "a", "c", models.RelationshipMemberOf))

	g.RemoveEdge("r1")

	require.Len(t, g.Forward("a"), 1)
	assert.Equal(t, "r2", g.Forward("a")[0].RelationshipID)
	assert.Empty(t, g.Reverse("b"))
	require.Len(t, g.Reverse("c"), 1)
}

func TestGraphAddEdgeIdempotent(t *testing.T) {
	rel := edgeOf("r1", "a", "b", models.RelationshipMemberOf)

	g := NewGraph()
	g.AddEdge(rel)
	g.AddEdge(rel)

	assert.Len(t, g.Forward("a"), 1)
	assert.Len(t, g.Reverse("b"), 1)
}
