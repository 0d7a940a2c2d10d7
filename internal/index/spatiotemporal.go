// Package index provides the in-memory spatiotemporal index used to
// prune retrieval candidates: domain → task type → temporal cluster →
// ordered episode ids.
//
// Temporal clusters have adaptive granularity relative to the clock at
// insert time: weekly for episodes under a month old, monthly between one
// and six months, quarterly beyond. Inserts are O(log n) amortised
// (cluster lookup plus sorted insert); readers share an RWMutex and never
// block each other.
package index

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"episodic-memory/internal/types"
)

const (
	monthAge    = 30 * 24 * time.Hour
	sixMonthAge = 180 * 24 * time.Hour
)

// entry is one indexed episode
type entry struct {
	id string
	at time.Time
}

// cluster is a leaf: an ordered id vector covering one time span
type cluster struct {
	start   time.Time
	end     time.Time
	entries []entry
}

// Index is the three-level spatiotemporal index
type Index struct {
	mu      sync.RWMutex
	domains map[string]map[types.TaskType]map[string]*cluster
	clock   func() time.Time
	size    int
}

// New creates an empty index
func New() *Index {
	return &Index{
		domains: make(map[string]map[types.TaskType]map[string]*cluster),
		clock:   time.Now,
	}
}

// SetClock replaces the time source (tests only)
func (ix *Index) SetClock(clock func() time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.clock = clock
}

// clusterSpan computes the cluster key and bounds for an event time given
// its age at insert
func clusterSpan(at, now time.Time) (key string, start, end time.Time) {
	age := now.Sub(at)
	switch {
	case age < monthAge:
		// Weekly, anchored on Monday
		weekday := (int(at.Weekday()) + 6) % 7
		start = time.Date(at.Year(), at.Month(), at.Day()-weekday, 0, 0, 0, 0, at.Location())
		end = start.AddDate(0, 0, 7)
		year, week := at.ISOWeek()
		key = fmt.Sprintf("%d-W%02d", year, week)
	case age < sixMonthAge:
		start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
		end = start.AddDate(0, 1, 0)
		key = fmt.Sprintf("%d-%02d", at.Year(), int(at.Month()))
	default:
		quarter := (int(at.Month()) - 1) / 3
		start = time.Date(at.Year(), time.Month(quarter*3+1), 1, 0, 0, 0, 0, at.Location())
		end = start.AddDate(0, 3, 0)
		key = fmt.Sprintf("%d-Q%d", at.Year(), quarter+1)
	}
	return key, start, end
}

// Insert adds an episode to its (domain, task type, cluster) leaf,
// keeping the leaf sorted by event time then id
func (ix *Index) Insert(id, domain string, taskType types.TaskType, at time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	byType, ok := ix.domains[domain]
	if !ok {
		byType = make(map[types.TaskType]map[string]*cluster)
		ix.domains[domain] = byType
	}
	byCluster, ok := byType[taskType]
	if !ok {
		byCluster = make(map[string]*cluster)
		byType[taskType] = byCluster
	}

	key, start, end := clusterSpan(at, ix.clock())
	leaf, ok := byCluster[key]
	if !ok {
		leaf = &cluster{start: start, end: end}
		byCluster[key] = leaf
	}

	e := entry{id: id, at: at}
	pos := sort.Search(len(leaf.entries), func(i int) bool {
		if !leaf.entries[i].at.Equal(e.at) {
			return leaf.entries[i].at.After(e.at)
		}
		return leaf.entries[i].id >= e.id
	})
	if pos < len(leaf.entries) && leaf.entries[pos].id == id {
		return // already indexed
	}
	leaf.entries = append(leaf.entries, entry{})
	copy(leaf.entries[pos+1:], leaf.entries[pos:])
	leaf.entries[pos] = e
	ix.size++
}

// Query prunes to clusters matching the optional domain, task type and
// time range, returning the candidate ids and the number of clusters
// visited (observable for coverage assertions). maxClusters bounds the
// scan; 0 means unbounded.
func (ix *Index) Query(domain string, taskType types.TaskType, from, to time.Time, maxClusters int) (ids []string, visited int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids = make([]string, 0, 64)
	for d, byType := range ix.domains {
		if domain != "" && d != domain {
			continue
		}
		for t, byCluster := range byType {
			if taskType != "" && t != taskType {
				continue
			}
			for _, leaf := range byCluster {
				if !from.IsZero() && leaf.end.Before(from) {
					continue
				}
				if !to.IsZero() && leaf.start.After(to) {
					continue
				}
				if maxClusters > 0 && visited >= maxClusters {
					return ids, visited
				}
				visited++
				for _, e := range leaf.entries {
					if !from.IsZero() && e.at.Before(from) {
						continue
					}
					if !to.IsZero() && e.at.After(to) {
						continue
					}
					ids = append(ids, e.id)
				}
			}
		}
	}
	return ids, visited
}

// Size reports the number of indexed episodes
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.size
}
