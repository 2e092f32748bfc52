package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/face-identity/internal/face"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	EmbeddingCount int64     `json:"embedding_count"`
	MaxEmbeddingID int64     `json:"max_embedding_id"`
	BuildTime      time.Time `json:"build_time"`
	Version        int       `json:"version"`
}

const hnswMetadataVersion = 1

// HNSWIndex wraps the HNSW graph for embedding search.
// HNSW has no real deletion, so removed nodes stay in the graph and are
// filtered out through idToEmbedding until the next compaction.
type HNSWIndex struct {
	graph         *hnsw.Graph[int64]
	idToEmbedding map[int64]*StoredEmbedding
	deleted       int
	exactLimit    int // live count at or below which Search scans everything
	mu            sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		idToEmbedding: make(map[int64]*StoredEmbedding),
		exactLimit:    HNSWExactSearchLimit,
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / math.Log(float64(HNSWMaxNeighbors)) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Build replaces the index contents with the given embeddings.
func (h *HNSWIndex) Build(embeddings []StoredEmbedding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buildLocked(embeddings)
}

func (h *HNSWIndex) buildLocked(embeddings []StoredEmbedding) {
	h.idToEmbedding = make(map[int64]*StoredEmbedding, len(embeddings))
	h.deleted = 0
	if len(embeddings) == 0 {
		h.graph = nil
		return
	}

	g := newGraph()
	for i := range embeddings {
		e := embeddings[i]
		if len(e.Vector) == 0 {
			continue
		}
		e.Vector = append([]float32(nil), e.Vector...)
		g.Add(hnsw.MakeNode(e.ID, e.Vector))
		h.idToEmbedding[e.ID] = &e
	}
	h.graph = g
}

// Add inserts embeddings into the index.
func (h *HNSWIndex) Add(embeddings ...StoredEmbedding) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range embeddings {
		e := embeddings[i]
		if len(e.Vector) == 0 {
			continue
		}
		e.Vector = append([]float32(nil), e.Vector...)
		if h.graph == nil {
			h.graph = newGraph()
		}
		h.graph.Add(hnsw.MakeNode(e.ID, e.Vector))
		h.idToEmbedding[e.ID] = &e
	}
}

// Delete removes embeddings by ID and compacts the graph when too many
// dead nodes have accumulated.
func (h *HNSWIndex) Delete(ids ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		if _, ok := h.idToEmbedding[id]; ok {
			delete(h.idToEmbedding, id)
			h.deleted++
		}
	}

	if h.deleted > 0 && h.deleted > len(h.idToEmbedding)*HNSWCompactRatio {
		live := make([]StoredEmbedding, 0, len(h.idToEmbedding))
		for _, e := range h.idToEmbedding {
			live = append(live, *e)
		}
		h.buildLocked(live)
	}
}

// Search finds the k live embeddings nearest to query, best first.
// Small indexes are scanned exactly. Larger ones take a widened graph
// result and re-rank it against the stored vectors.
func (h *HNSWIndex) Search(query []float32, k int) ([]Candidate, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || len(h.idToEmbedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}

	if len(h.idToEmbedding) <= h.exactLimit {
		return h.scanLocked(query, k), nil
	}

	width := max(k*HNSWSearchMultiplier, HNSWMinCandidates)
	neighbors := h.graph.Search(query, width)

	cands := make([]Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		e, ok := h.idToEmbedding[n.Key]
		if !ok {
			continue
		}
		cands = append(cands, candidateFor(query, e))
	}
	return RankCandidates(cands, k), nil
}

func (h *HNSWIndex) scanLocked(query []float32, k int) []Candidate {
	cands := make([]Candidate, 0, len(h.idToEmbedding))
	for _, e := range h.idToEmbedding {
		cands = append(cands, candidateFor(query, e))
	}
	return RankCandidates(cands, k)
}

func candidateFor(query []float32, e *StoredEmbedding) Candidate {
	return Candidate{
		PersonID:    e.PersonID,
		EmbeddingID: e.ID,
		Similarity:  face.CosineSimilarity(query, e.Vector),
	}
}

// Get returns the embedding for a given ID.
func (h *HNSWIndex) Get(id int64) *StoredEmbedding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idToEmbedding[id]
}

// Count returns the number of live indexed embeddings.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToEmbedding)
}

// Metadata describes the current index contents.
func (h *HNSWIndex) Metadata() HNSWIndexMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var maxID int64
	for id := range h.idToEmbedding {
		maxID = max(maxID, id)
	}
	return HNSWIndexMetadata{
		EmbeddingCount: int64(len(h.idToEmbedding)),
		MaxEmbeddingID: maxID,
		BuildTime:      time.Now(),
		Version:        hnswMetadataVersion,
	}
}

// Save persists the graph, a .meta file and the embedding metadata (.emb) to disk.
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".emb")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing HNSW index file: %w", err)
	}

	var maxID int64
	embeddings := make([]StoredEmbedding, 0, len(h.idToEmbedding))
	for id, e := range h.idToEmbedding {
		maxID = max(maxID, id)
		embeddings = append(embeddings, *e)
	}

	metaData, err := json.Marshal(HNSWIndexMetadata{
		EmbeddingCount: int64(len(embeddings)),
		MaxEmbeddingID: maxID,
		BuildTime:      time.Now(),
		Version:        hnswMetadataVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(embeddings); err != nil {
		return fmt.Errorf("failed to encode embeddings: %w", err)
	}
	if err := os.WriteFile(path+".emb", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write embeddings file: %w", err)
	}
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// Load restores an index written by Save.
func (h *HNSWIndex) Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("HNSW index file not found: %w", err)
	}

	meta, err := LoadHNSWMetadata(path)
	if err != nil {
		return err
	}
	if meta.Version != hnswMetadataVersion {
		return fmt.Errorf("unsupported HNSW index version %d", meta.Version)
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	data, err := os.ReadFile(path + ".emb") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read embeddings file: %w", err)
	}
	var embeddings []StoredEmbedding
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&embeddings); err != nil {
		return fmt.Errorf("failed to decode embeddings: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	saved.Graph.Distance = hnsw.CosineDistance
	h.graph = saved.Graph
	h.idToEmbedding = make(map[int64]*StoredEmbedding, len(embeddings))
	for i := range embeddings {
		h.idToEmbedding[embeddings[i].ID] = &embeddings[i]
	}
	h.deleted = h.graph.Len() - len(h.idToEmbedding)
	return nil
}
