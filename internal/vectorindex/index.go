package vectorindex

import (
	"context"
	"sort"
	"sync"
)

type vecEntry struct {
	payload map[string]any
	vector  []float32
}

// collectionIndex is an in-memory cache of one collection's vectors,
// avoiding a SQLite round trip on every search. Entries are loaded lazily
// on first search and updated incrementally on Upsert/Delete. Grounded on
// the teacher's vector.vecIndex.
type collectionIndex struct {
	metric Metric

	mu      sync.RWMutex
	entries map[string]vecEntry
	loaded  bool
}

func newCollectionIndex(metric Metric) *collectionIndex {
	return &collectionIndex{metric: metric, entries: make(map[string]vecEntry)}
}

// search performs an in-memory similarity search. Returns nil if the index
// has not been loaded yet (caller must loadFromDB first).
func (idx *collectionIndex) search(queryVec []float32, limit int, scoreThreshold float32, match func(payload map[string]any) bool) []ScoredPoint {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.loaded {
		return nil
	}

	type cand struct {
		id      string
		payload map[string]any
		score   float32
	}
	var candidates []cand
	for id, e := range idx.entries {
		if match != nil && !match(e.payload) {
			continue
		}
		s := score(idx.metric, queryVec, e.vector)
		if s < scoreThreshold {
			continue
		}
		candidates = append(candidates, cand{id: id, payload: e.payload, score: s})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	n := min(limit, len(candidates))
	result := make([]ScoredPoint, n)
	for i := 0; i < n; i++ {
		result[i] = ScoredPoint{ID: candidates[i].id, Score: candidates[i].score, Payload: candidates[i].payload}
	}
	return result
}

func (idx *collectionIndex) put(id string, vector []float32, payload map[string]any) {
	if vector == nil {
		return
	}
	idx.mu.Lock()
	idx.entries[id] = vecEntry{payload: payload, vector: vector}
	idx.mu.Unlock()
}

func (idx *collectionIndex) remove(id string) {
	idx.mu.Lock()
	delete(idx.entries, id)
	idx.mu.Unlock()
}

func (idx *collectionIndex) isLoaded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.loaded
}

func (idx *collectionIndex) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// snapshot returns a shallow copy of the entry map, used by callers that
// need to scan every entry (e.g. a filtered bulk delete) without holding
// the lock for the duration of the scan.
func (idx *collectionIndex) snapshot() map[string]vecEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]vecEntry, len(idx.entries))
	for id, e := range idx.entries {
		out[id] = e
	}
	return out
}

// loadFromDB populates the index from the store. Called once on first
// search; subsequent calls are no-ops.
func (idx *collectionIndex) loadFromDB(ctx context.Context, s *SQLiteAdapter, collection string) error {
	idx.mu.Lock()
	if idx.loaded {
		idx.mu.Unlock()
		return nil
	}
	idx.mu.Unlock()

	entries, err := s.scanAll(ctx, collection)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.loaded = true
	idx.mu.Unlock()

	if s.log != nil {
		s.log.Debug("vectorindex: index loaded", "collection", collection, "entries", idx.size())
	}
	return nil
}
