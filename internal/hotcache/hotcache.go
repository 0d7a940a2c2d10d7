// Package hotcache provides the embedded hot-path cache over bbolt.
//
// The cache is a strict logical subset of the durable store: on any
// disagreement the durable store wins (the sync engine enforces this).
// All bbolt transactions run on one dedicated worker goroutine so the
// synchronous file I/O never stalls callers' schedulers; callers submit
// closures and wait on a reply channel. Entries carry cached_at and a
// TTL; expired entries read as misses and are deleted lazily. Writes
// above the per-bucket size cap are rejected to bound deserialisation.
package hotcache

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"episodic-memory/internal/memerr"
	"episodic-memory/internal/types"
)

// Bucket names
const (
	bucketEpisodes   = "episodes"
	bucketPatterns   = "patterns"
	bucketHeuristics = "heuristics"
	bucketEmbeddings = "embeddings"
	bucketMetadata   = "metadata"
)

// Config bounds the cache
type Config struct {
	Path             string
	MaxEpisodeSize   int
	MaxPatternSize   int
	MaxHeuristicSize int
	MaxEmbeddingSize int
	TTL              time.Duration
	Capacity         int // max entries per bucket (0 = unlimited)
}

// DefaultConfig returns the documented defaults
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		MaxEpisodeSize:   10 << 20,
		MaxPatternSize:   1 << 20,
		MaxHeuristicSize: 100 << 10,
		MaxEmbeddingSize: 1 << 20,
		TTL:              time.Hour,
		Capacity:         10000,
	}
}

// envelope wraps every cached payload with freshness metadata
type envelope struct {
	CachedAt int64           `json:"cached_at"`
	TTLSecs  int64           `json:"ttl_secs"`
	Payload  json.RawMessage `json:"payload"`
}

// Stats reports cache effectiveness
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRatio  float64 `json:"hit_ratio"`
	Rejected  int64   `json:"rejected"`
	Evictions int64   `json:"evictions"`
}

// Cache is the bbolt-backed hot cache
type Cache struct {
	db    *bolt.DB
	log   *logrus.Logger
	cfg   Config
	clock func() time.Time

	jobs   chan func()
	quit   chan struct{}
	closed chan struct{}

	hits      atomic.Int64
	misses    atomic.Int64
	rejected  atomic.Int64
	evictions atomic.Int64
}

// Open opens (or creates) the cache file and starts the worker
func Open(cfg Config, log *logrus.Logger) (*Cache, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEpisodes, bucketPatterns, bucketHeuristics, bucketEmbeddings, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Cache{
		db:     db,
		log:    log,
		cfg:    cfg,
		clock:  time.Now,
		jobs:   make(chan func(), 64),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.worker()
	return c, nil
}

// SetClock replaces the time source (tests only)
func (c *Cache) SetClock(clock func() time.Time) { c.clock = clock }

// worker owns every bbolt transaction
func (c *Cache) worker() {
	defer close(c.closed)
	for {
		select {
		case job := <-c.jobs:
			job()
		case <-c.quit:
			return
		}
	}
}

// submit runs fn on the worker and waits for its result
func (c *Cache) submit(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.jobs <- func() { errc <- fn() }:
	case <-c.quit:
		return memerr.New(memerr.KindFatal, "hotcache.submit", "cache closed")
	}
	select {
	case err := <-errc:
		return err
	case <-c.closed:
		return memerr.New(memerr.KindFatal, "hotcache.submit", "cache closed")
	}
}

// put validates the size cap and writes the envelope in one write tx
func (c *Cache) put(bucket, key string, value interface{}, maxSize int) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, "hotcache.put", err).WithEntity(key)
	}
	if maxSize > 0 && len(payload) > maxSize {
		c.rejected.Add(1)
		return memerr.New(memerr.KindValidation, "hotcache.put",
			fmt.Sprintf("entry exceeds %s size cap (%d > %d bytes)", bucket, len(payload), maxSize)).WithEntity(key)
	}

	env, err := json.Marshal(envelope{
		CachedAt: c.clock().UnixMilli(),
		TTLSecs:  int64(c.cfg.TTL.Seconds()),
		Payload:  payload,
	})
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, "hotcache.put", err).WithEntity(key)
	}

	return c.submit(func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucket))
			if c.cfg.Capacity > 0 && b.Stats().KeyN >= c.cfg.Capacity {
				c.evictOldest(b)
			}
			return b.Put([]byte(key), env)
		})
	})
}

// evictOldest drops the entry with the smallest cached_at. Runs inside
// the caller's write transaction.
func (c *Cache) evictOldest(b *bolt.Bucket) {
	var oldestKey []byte
	oldest := int64(1<<63 - 1)
	cursor := b.Cursor()
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			oldestKey = append([]byte(nil), k...)
			break
		}
		if env.CachedAt < oldest {
			oldest = env.CachedAt
			oldestKey = append([]byte(nil), k...)
		}
	}
	if oldestKey != nil {
		if err := b.Delete(oldestKey); err == nil {
			c.evictions.Add(1)
		}
	}
}

// get reads and freshness-checks an entry; stale entries count as misses
// and are deleted lazily
func (c *Cache) get(bucket, key string, dst interface{}) (bool, error) {
	var found bool
	var stale bool
	err := c.submit(func() error {
		return c.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
			if raw == nil {
				return nil
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				stale = true
				return nil
			}
			if env.TTLSecs > 0 {
				expiry := time.UnixMilli(env.CachedAt).Add(time.Duration(env.TTLSecs) * time.Second)
				if c.clock().After(expiry) {
					stale = true
					return nil
				}
			}
			if err := json.Unmarshal(env.Payload, dst); err != nil {
				stale = true
				return nil
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if stale {
		// Lazy delete outside the read tx
		_ = c.submit(func() error {
			return c.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket([]byte(bucket)).Delete([]byte(key))
			})
		})
	}
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return found, nil
}

func (c *Cache) delete(bucket, key string) error {
	return c.submit(func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucket)).Delete([]byte(key))
		})
	})
}

// PutEpisode caches an episode
func (c *Cache) PutEpisode(episode *types.Episode) error {
	return c.put(bucketEpisodes, episode.ID, episode, c.cfg.MaxEpisodeSize)
}

// GetEpisode returns a cached episode, or false on miss/expiry
func (c *Cache) GetEpisode(id string) (*types.Episode, bool, error) {
	episode := &types.Episode{}
	found, err := c.get(bucketEpisodes, id, episode)
	if err != nil || !found {
		return nil, false, err
	}
	return episode, true, nil
}

// InvalidateEpisode drops a cached episode
func (c *Cache) InvalidateEpisode(id string) error {
	return c.delete(bucketEpisodes, id)
}

// PutPattern caches a pattern
func (c *Cache) PutPattern(pattern *types.Pattern) error {
	return c.put(bucketPatterns, pattern.ID, pattern, c.cfg.MaxPatternSize)
}

// GetPattern returns a cached pattern, or false on miss/expiry
func (c *Cache) GetPattern(id string) (*types.Pattern, bool, error) {
	pattern := &types.Pattern{}
	found, err := c.get(bucketPatterns, id, pattern)
	if err != nil || !found {
		return nil, false, err
	}
	return pattern, true, nil
}

// PutHeuristic caches a heuristic
func (c *Cache) PutHeuristic(h *types.Heuristic) error {
	return c.put(bucketHeuristics, h.ID, h, c.cfg.MaxHeuristicSize)
}

// PutEmbedding caches an embedding keyed by owner
func (c *Cache) PutEmbedding(e *types.Embedding) error {
	return c.put(bucketEmbeddings, e.OwnerID, e, c.cfg.MaxEmbeddingSize)
}

// GetEmbedding returns a cached embedding, or false on miss/expiry
func (c *Cache) GetEmbedding(ownerID string) (*types.Embedding, bool, error) {
	e := &types.Embedding{}
	found, err := c.get(bucketEmbeddings, ownerID, e)
	if err != nil || !found {
		return nil, false, err
	}
	return e, true, nil
}

// PutMeta stores a version stamp used by the sync engine
func (c *Cache) PutMeta(key, value string) error {
	return c.put(bucketMetadata, key, value, 0)
}

// GetMeta reads a version stamp
func (c *Cache) GetMeta(key string) (string, bool, error) {
	var value string
	found, err := c.get(bucketMetadata, key, &value)
	return value, found, err
}

// Stats reports hit/miss counters
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := float64(0)
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		HitRatio:  ratio,
		Rejected:  c.rejected.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Close stops the worker and closes the file
func (c *Cache) Close() error {
	close(c.quit)
	<-c.closed
	return c.db.Close()
}
