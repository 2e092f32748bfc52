package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to make up for deleted nodes still present in the graph.
	HNSWSearchMultiplier = 3

	// HNSWExactSearchLimit is the live embedding count up to which searches
	// scan every vector instead of walking the graph.
	HNSWExactSearchLimit = 5000

	// HNSWMinCandidates is the smallest graph result set that is re-ranked
	// by exact cosine similarity.
	HNSWMinCandidates = 64

	// HNSWCompactRatio triggers a rebuild once deleted nodes outnumber live ones by this factor.
	HNSWCompactRatio = 1
)
