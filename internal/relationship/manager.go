// Package relationship manages typed directed edges between episodes:
// uniqueness on (from, to, type), cycle rejection for the acyclic-required
// types, depth-bounded traversal, and edge-list export.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"episodic-memory/internal/memerr"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/types"
)

// EdgeListEntry is one labeled edge in an exported graph
type EdgeListEntry struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Manager owns the relationship graph. Cycle checks run on in-memory
// per-type graphs (one per acyclic-required type) so insertion never
// traverses the durable store; the store remains the source of truth and
// the graphs are rebuilt from it on startup.
type Manager struct {
	store  storage.Store
	log    *logrus.Logger
	mirror *Neo4jMirror // optional, best-effort
	clock  func() time.Time

	mu sync.Mutex
	// acyclic holds one cycle-preventing graph per acyclic-required type
	acyclic map[types.RelationType]graph.Graph[string, string]
	// adjacency over all edges for traversal
	outgoing map[string][]*types.Relationship
	incoming map[string][]*types.Relationship

	maxDepth int
}

// NewManager creates a relationship manager over the given store
func NewManager(store storage.Store, maxDepth int, mirror *Neo4jMirror, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxDepth < 1 {
		maxDepth = 5
	}
	m := &Manager{
		store:    store,
		log:      log,
		mirror:   mirror,
		clock:    time.Now,
		acyclic:  make(map[types.RelationType]graph.Graph[string, string]),
		outgoing: make(map[string][]*types.Relationship),
		incoming: make(map[string][]*types.Relationship),
		maxDepth: maxDepth,
	}
	for _, relType := range []types.RelationType{types.RelParentChild, types.RelDependsOn, types.RelBlocks} {
		m.acyclic[relType] = graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	}
	return m
}

// Load rebuilds the in-memory graphs from the durable store
func (m *Manager) Load(ctx context.Context) error {
	rels, err := m.store.ListRelationships(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rel := range rels {
		if err := m.indexLocked(rel); err != nil {
			// A stored edge that no longer passes the cycle check means the
			// durable graph predates the check; keep it traversable.
			m.log.WithError(err).WithField("relationship_id", rel.ID).
				Warn("stored relationship skipped by cycle graph")
		}
	}
	return nil
}

// indexLocked adds an edge to the in-memory structures. The edge is always
// added to the traversal adjacency; an error from the cycle graph is
// returned after that. Caller holds mu.
func (m *Manager) indexLocked(rel *types.Relationship) error {
	var graphErr error
	if g, ok := m.acyclic[rel.Type]; ok {
		_ = g.AddVertex(rel.FromEpisodeID)
		_ = g.AddVertex(rel.ToEpisodeID)
		if err := g.AddEdge(rel.FromEpisodeID, rel.ToEpisodeID); err != nil &&
			!errors.Is(err, graph.ErrEdgeAlreadyExists) {
			graphErr = err
		}
	}
	m.outgoing[rel.FromEpisodeID] = append(m.outgoing[rel.FromEpisodeID], rel)
	m.incoming[rel.ToEpisodeID] = append(m.incoming[rel.ToEpisodeID], rel)
	return graphErr
}

// unindexLocked removes an edge from the in-memory structures. Caller holds mu.
func (m *Manager) unindexLocked(from, to string, relType types.RelationType) {
	if g, ok := m.acyclic[relType]; ok {
		_ = g.RemoveEdge(from, to)
	}
	filter := func(rels []*types.Relationship) []*types.Relationship {
		out := rels[:0]
		for _, rel := range rels {
			if !(rel.FromEpisodeID == from && rel.ToEpisodeID == to && rel.Type == relType) {
				out = append(out, rel)
			}
		}
		return out
	}
	m.outgoing[from] = filter(m.outgoing[from])
	m.incoming[to] = filter(m.incoming[to])
}

// Add inserts a typed edge. Edges of acyclic-required types that would
// close a directed cycle are rejected with WouldFormCycle; duplicates of
// (from, to, type) are rejected by the store's uniqueness constraint.
func (m *Manager) Add(ctx context.Context, from, to string, relType types.RelationType, metadata map[string]interface{}) (*types.Relationship, error) {
	if !relType.Valid() {
		return nil, memerr.New(memerr.KindValidation, "relationship.add",
			fmt.Sprintf("invalid relationship type: %q", relType))
	}
	if from == "" || to == "" {
		return nil, memerr.New(memerr.KindValidation, "relationship.add", "episode ids required")
	}
	if from == to {
		return nil, memerr.New(memerr.KindValidation, "relationship.add", "self-edges are not allowed").WithEntity(from)
	}

	rel := &types.Relationship{
		ID:            uuid.NewString(),
		FromEpisodeID: from,
		ToEpisodeID:   to,
		Type:          relType,
		Metadata:      metadata,
		CreatedAt:     m.clock(),
	}

	m.mu.Lock()
	if g, ok := m.acyclic[relType]; ok {
		_ = g.AddVertex(from)
		_ = g.AddVertex(to)
		if err := g.AddEdge(from, to); err != nil {
			m.mu.Unlock()
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return nil, memerr.New(memerr.KindValidation, "relationship.add",
					fmt.Sprintf("would form cycle: %s -> %s (%s)", from, to, relType)).WithEntity(from)
			}
			if errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, memerr.New(memerr.KindValidation, "relationship.add",
					"relationship already exists").WithEntity(from)
			}
			return nil, memerr.Wrap(memerr.KindFatal, "relationship.add", err)
		}
	}
	m.mu.Unlock()

	if err := m.store.StoreRelationship(ctx, rel); err != nil {
		// Roll the graph edge back so in-memory and durable state agree
		m.mu.Lock()
		if g, ok := m.acyclic[relType]; ok {
			_ = g.RemoveEdge(from, to)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.outgoing[from] = append(m.outgoing[from], rel)
	m.incoming[to] = append(m.incoming[to], rel)
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.MirrorEdge(rel)
	}
	return rel, nil
}

// Remove deletes the edge identified by (from, to, type)
func (m *Manager) Remove(ctx context.Context, from, to string, relType types.RelationType) error {
	if err := m.store.RemoveRelationship(ctx, from, to, relType); err != nil {
		return err
	}
	m.mu.Lock()
	m.unindexLocked(from, to, relType)
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.RemoveEdge(from, to, relType)
	}
	return nil
}

// Get returns edges touching the episode, optionally filtered by type
func (m *Manager) Get(ctx context.Context, episodeID string, direction types.Direction, typeFilter types.RelationType) ([]*types.Relationship, error) {
	rels, err := m.store.GetRelationships(ctx, episodeID, direction)
	if err != nil {
		return nil, err
	}
	if typeFilter == "" {
		return rels, nil
	}
	filtered := rels[:0]
	for _, rel := range rels {
		if rel.Type == typeFilter {
			filtered = append(filtered, rel)
		}
	}
	return filtered, nil
}

// RelatedEpisode is a BFS traversal hit
type RelatedEpisode struct {
	EpisodeID string             `json:"episode_id"`
	Depth     int                `json:"depth"`
	Via       types.RelationType `json:"via"`
}

// FindRelated walks the graph breadth-first from the episode, bounded by
// depth, following the requested direction and optional type filter
func (m *Manager) FindRelated(ctx context.Context, episodeID string, maxDepth int, direction types.Direction, typeFilter types.RelationType) ([]RelatedEpisode, error) {
	if maxDepth <= 0 || maxDepth > m.maxDepth {
		maxDepth = m.maxDepth
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type frontier struct {
		id    string
		depth int
		via   types.RelationType
	}
	visited := map[string]bool{episodeID: true}
	queue := []frontier{{id: episodeID}}
	related := make([]RelatedEpisode, 0, 16)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		neighbors := make([]frontier, 0, 8)
		if direction == types.DirectionOutgoing || direction == types.DirectionBoth {
			for _, rel := range m.outgoing[current.id] {
				if typeFilter == "" || rel.Type == typeFilter {
					neighbors = append(neighbors, frontier{id: rel.ToEpisodeID, depth: current.depth + 1, via: rel.Type})
				}
			}
		}
		if direction == types.DirectionIncoming || direction == types.DirectionBoth {
			for _, rel := range m.incoming[current.id] {
				if typeFilter == "" || rel.Type == typeFilter {
					neighbors = append(neighbors, frontier{id: rel.FromEpisodeID, depth: current.depth + 1, via: rel.Type})
				}
			}
		}

		for _, n := range neighbors {
			if visited[n.id] {
				continue
			}
			visited[n.id] = true
			related = append(related, RelatedEpisode{EpisodeID: n.id, Depth: n.depth, Via: n.via})
			queue = append(queue, n)
		}
	}
	return related, nil
}

// ExportEdgeList returns every edge in labeled edge-list form, sorted for
// stable output (downstream visualisation)
func (m *Manager) ExportEdgeList(ctx context.Context) ([]EdgeListEntry, error) {
	rels, err := m.store.ListRelationships(ctx)
	if err != nil {
		return nil, err
	}
	edges := make([]EdgeListEntry, 0, len(rels))
	for _, rel := range rels {
		edges = append(edges, EdgeListEntry{
			From: rel.FromEpisodeID,
			To:   rel.ToEpisodeID,
			Type: string(rel.Type),
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Type < edges[j].Type
	})
	return edges, nil
}
