package database

import (
	"sync"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

// HNSWIndex is an approximate nearest-neighbour index over known face embeddings.
// It only proposes candidates; exact distances are recomputed by the caller.
type HNSWIndex struct {
	graph *hnsw.Graph[string]
	live  map[string]struct{} // ids present in the store; graph nodes of removed ids are ignored
	dead  int
	mu    sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{live: make(map[string]struct{})}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build replaces the index contents with the given entries.
func (h *HNSWIndex) Build(entries []facematch.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.dead = 0
	h.live = make(map[string]struct{}, len(entries))
	for i := range entries {
		h.addLocked(&entries[i])
	}
}

// Add inserts one entry.
func (h *HNSWIndex) Add(entry *facematch.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(entry)
}

func (h *HNSWIndex) addLocked(entry *facematch.Entry) {
	if len(entry.Embedding) == 0 {
		return
	}
	if h.graph == nil {
		h.graph = newGraph()
	}
	h.graph.Add(hnsw.MakeNode(entry.ID, entry.Embedding))
	h.live[entry.ID] = struct{}{}
}

// Delete removes an id from search results. The graph node stays until the next Build.
func (h *HNSWIndex) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[id]; ok {
		delete(h.live, id)
		h.dead++
	}
}

// Search returns up to k live ids near the query, closest first (approximate).
func (h *HNSWIndex) Search(query []float32, k int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || len(h.live) == 0 || k <= 0 {
		return nil
	}

	neighbors := h.graph.Search(query, (k+h.dead)*HNSWSearchMultiplier)
	ids := make([]string, 0, k)
	for _, n := range neighbors {
		if _, ok := h.live[n.Key]; !ok {
			continue
		}
		ids = append(ids, n.Key)
		if len(ids) == k {
			break
		}
	}
	return ids
}

// Count returns the number of live ids in the index.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.live)
}

// Stale reports whether removed nodes outnumber live ones, a hint to Build again.
func (h *HNSWIndex) Stale() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dead > len(h.live)
}
