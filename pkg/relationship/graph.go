// Package relationship maintains the identity relationship graph and its
// bounded traversal.
package relationship

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

// Edge is one directed labeled edge of the relationship graph.
type Edge struct {
	RelationshipID string                  `json:"relationship_id"`
	From           string                  `json:"from"`
	To             string                  `json:"to"`
	Type           models.RelationshipType `json:"type"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	MaxDepth       *int                    `json:"max_depth,omitempty"`
}

func (e Edge) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Graph holds forward and reverse adjacency lists over identities. Edges are
// kept in the order their relationships were recorded; both adjacency maps
// are updated in O(1) per edge and never rebuilt from scratch.
type Graph struct {
	mu      sync.RWMutex
	forward map[string][]Edge
	reverse map[string][]Edge
}

func NewGraph() *Graph {
	return &Graph{
		forward: make(map[string][]Edge),
		reverse: make(map[string][]Edge),
	}
}

// Load seeds the graph from the relationship repository, preserving recorded
// order.
func (g *Graph) Load(ctx context.Context, repo persistence.RelationshipRepository) error {
	relationships, err := repo.All(ctx)
	if err != nil {
		return err
	}

	for _, rel := range relationships {
		g.AddEdge(rel)
	}

	return nil
}

// AddEdge appends the relationship to both adjacency lists. Adding the same
// relationship twice is a no-op.
func (g *Graph) AddEdge(rel *models.Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.forward[rel.FromID] {
		if e.RelationshipID == rel.ID {
			return
		}
	}

	edge := Edge{
		RelationshipID: rel.ID,
		From:           rel.FromID,
		To:             rel.ToID,
		Type:           rel.Type,
		ExpiresAt:      rel.Rules.ExpiresAt,
		MaxDepth:       rel.Rules.MaxDepth,
	}

	g.forward[rel.FromID] = append(g.forward[rel.FromID], edge)
	g.reverse[rel.ToID] = append(g.reverse[rel.ToID], edge)
}

// RemoveEdge drops the relationship from both adjacency lists.
func (g *Graph) RemoveEdge(relationshipID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed *Edge

	for from, edges := range g.forward {
		for i, e := range edges {
			if e.RelationshipID == relationshipID {
				removed = &e
				g.forward[from] = slices.Delete(edges, i, i+1)

				break
			}
		}

		if removed != nil {
			break
		}
	}

	if removed == nil {
		return
	}

	edges := g.reverse[removed.To]
	for i, e := range edges {
		if e.RelationshipID == relationshipID {
			g.reverse[removed.To] = slices.Delete(edges, i, i+1)

			break
		}
	}
}

// Forward returns the outgoing edges of an identity in recorded order.
func (g *Graph) Forward(identityID string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return slices.Clone(g.forward[identityID])
}

// Reverse returns the incoming edges of an identity in recorded order.
func (g *Graph) Reverse(identityID string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return slices.Clone(g.reverse[identityID])
}

// TraversalOptions bound a graph traversal. MaxDepth 0 means unbounded; an
// empty TypeFilter admits every relationship type; Target, when set, keeps
// only paths ending at that identity.
type TraversalOptions struct {
	MaxDepth   int
	TypeFilter []models.RelationshipType
	Target     string
}

// TraversalResult is the outcome of one traversal.
type TraversalResult struct {
	Root    string     `json:"root"`
	Paths   [][]string `json:"paths"`
	Visited int        `json:"visited"`
}

type traversalItem struct {
	node  string
	path  []string
	depth int
}

// Traverse runs a breadth-first search from root. The queue is FIFO and
// edges are considered in recorded order, so repeated runs over the same
// graph return identical results. The visited set keeps every returned path
// simple. Expired edges are skipped; sweeping them out of the store is the
// expiry sweep's job.
func (g *Graph) Traverse(root string, opts TraversalOptions, now time.Time) TraversalResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]struct{})
	paths := make([][]string, 0)
	queue := []traversalItem{{node: root, path: []string{root}, depth: 0}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if opts.MaxDepth > 0 && item.depth >= opts.MaxDepth {
			continue
		}

		if _, ok := visited[item.node]; ok {
			continue
		}

		visited[item.node] = struct{}{}

		for _, edge := range g.forward[item.node] {
			if edge.expired(now) {
				continue
			}

			if len(opts.TypeFilter) > 0 && !slices.Contains(opts.TypeFilter, edge.Type) {
				continue
			}

			if edge.MaxDepth != nil && item.depth >= *edge.MaxDepth {
				continue
			}

			if _, ok := visited[edge.To]; ok {
				continue
			}

			path := append(slices.Clone(item.path), edge.To)

			if opts.Target == "" || edge.To == opts.Target {
				paths = append(paths, path)
			}

			queue = append(queue, traversalItem{node: edge.To, path: path, depth: item.depth + 1})
		}
	}

	return TraversalResult{Root: root, Paths: paths, Visited: len(visited)}
}
