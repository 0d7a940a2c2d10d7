// Package ann maintains the approximate-nearest-neighbour side-index
// over episode embeddings. Each supported dimension gets its own chromem
// collection, mirroring the dimension-sharded tables of the durable
// store. The index is an accelerator: the durable store's brute-force
// scan remains the correctness fallback.
package ann

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Match is one ANN hit
type Match struct {
	OwnerID    string
	Similarity float64
}

// Index wraps a chromem DB with per-dimension collections
type Index struct {
	db *chromem.DB
	mu sync.Mutex
	// counts tracks documents per collection; chromem rejects queries
	// asking for more results than documents present
	counts map[int]int
}

// NewIndex creates an empty in-memory ANN index
func NewIndex() *Index {
	return &Index{
		db:     chromem.NewDB(),
		counts: make(map[int]int),
	}
}

func collectionName(dimension int) string {
	return fmt.Sprintf("episodes_%d", dimension)
}

// Add inserts or replaces a vector for an owner
func (ix *Index) Add(ctx context.Context, ownerID string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for owner %s", ownerID)
	}
	dimension := len(vector)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	collection := ix.db.GetCollection(collectionName(dimension), nil)
	if collection == nil {
		var err error
		collection, err = ix.db.CreateCollection(collectionName(dimension), nil, nil)
		if err != nil {
			return fmt.Errorf("failed to create ANN collection: %w", err)
		}
	}
	if err := collection.AddDocument(ctx, chromem.Document{
		ID:        ownerID,
		Content:   ownerID,
		Embedding: vector,
	}); err != nil {
		return fmt.Errorf("failed to add ANN document: %w", err)
	}
	ix.counts[dimension] = collection.Count()
	return nil
}

// TopK returns up to k nearest owners for the query vector. A dimension
// with no indexed vectors returns an empty slice, never an error.
func (ix *Index) TopK(ctx context.Context, query []float32, k int) ([]Match, error) {
	dimension := len(query)

	ix.mu.Lock()
	collection := ix.db.GetCollection(collectionName(dimension), nil)
	count := ix.counts[dimension]
	ix.mu.Unlock()

	if collection == nil || count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ANN query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{OwnerID: r.ID, Similarity: float64(r.Similarity)})
	}
	return matches, nil
}

// Size reports the number of indexed vectors for a dimension
func (ix *Index) Size(dimension int) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.counts[dimension]
}
