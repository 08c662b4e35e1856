package model

// EmbeddingDim is the only vector width the chunk store accepts.
const EmbeddingDim = 1536

const MetricCosine = "cosine"

const (
	ChunkingGeneral     = "general"
	ChunkingParentChild = "parent_child"
)

type IngestionSetting struct {
	DocumentID         string `json:"document_id"`
	ChunkSize          int    `json:"chunk_size"`
	ChunkOverlap       int    `json:"chunk_overlap"`
	MaxChunks          int    `json:"max_chunks"`
	ChunkingMode       string `json:"chunking_mode"`
	SegmentSeparator   string `json:"segment_separator"`
	ParentChunkSize    int    `json:"parent_chunk_size"`
	ParentChunkOverlap int    `json:"parent_chunk_overlap"`
	EmbeddingProvider  string `json:"embedding_provider"`
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDim       int    `json:"embedding_dim"`
}

// IngestionOverride carries the fields a caller set explicitly. A present
// zero, such as "chunk_overlap": 0, still replaces the default.
type IngestionOverride struct {
	ChunkSize          *int    `json:"chunk_size,omitempty"`
	ChunkOverlap       *int    `json:"chunk_overlap,omitempty"`
	MaxChunks          *int    `json:"max_chunks,omitempty"`
	ChunkingMode       *string `json:"chunking_mode,omitempty"`
	SegmentSeparator   *string `json:"segment_separator,omitempty"`
	ParentChunkSize    *int    `json:"parent_chunk_size,omitempty"`
	ParentChunkOverlap *int    `json:"parent_chunk_overlap,omitempty"`
	EmbeddingProvider  *string `json:"embedding_provider,omitempty"`
	EmbeddingModel     *string `json:"embedding_model,omitempty"`
	EmbeddingDim       *int    `json:"embedding_dim,omitempty"`
}

// OverrideOf pins every field of s, so applying it reproduces s.
func OverrideOf(s IngestionSetting) *IngestionOverride {
	return &IngestionOverride{
		ChunkSize:          &s.ChunkSize,
		ChunkOverlap:       &s.ChunkOverlap,
		MaxChunks:          &s.MaxChunks,
		ChunkingMode:       &s.ChunkingMode,
		SegmentSeparator:   &s.SegmentSeparator,
		ParentChunkSize:    &s.ParentChunkSize,
		ParentChunkOverlap: &s.ParentChunkOverlap,
		EmbeddingProvider:  &s.EmbeddingProvider,
		EmbeddingModel:     &s.EmbeddingModel,
		EmbeddingDim:       &s.EmbeddingDim,
	}
}

// Apply returns base with every set field of o replaced.
func (o *IngestionOverride) Apply(base IngestionSetting) IngestionSetting {
	if o == nil {
		return base
	}
	setInt(&base.ChunkSize, o.ChunkSize)
	setInt(&base.ChunkOverlap, o.ChunkOverlap)
	setInt(&base.MaxChunks, o.MaxChunks)
	setString(&base.ChunkingMode, o.ChunkingMode)
	setString(&base.SegmentSeparator, o.SegmentSeparator)
	setInt(&base.ParentChunkSize, o.ParentChunkSize)
	setInt(&base.ParentChunkOverlap, o.ParentChunkOverlap)
	setString(&base.EmbeddingProvider, o.EmbeddingProvider)
	setString(&base.EmbeddingModel, o.EmbeddingModel)
	setInt(&base.EmbeddingDim, o.EmbeddingDim)
	return base
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

type SearchSetting struct {
	DocumentID      string  `json:"document_id"`
	TopK            int     `json:"top_k"`
	MinScore        float64 `json:"min_score"`
	Metric          string  `json:"metric"`
	RerankerEnabled bool    `json:"reranker_enabled"`
	RerankerModel   string  `json:"reranker_model"`
	RerankerTopN    int     `json:"reranker_top_n"`
}

// Normalize forces the fixed invariants onto a stored or defaulted row.
func (s SearchSetting) Normalize() SearchSetting {
	if s.TopK < 1 {
		s.TopK = 1
	}
	if s.MinScore < 0 {
		s.MinScore = 0
	}
	if s.MinScore > 1 {
		s.MinScore = 1
	}
	s.Metric = MetricCosine
	if s.RerankerTopN <= 0 || s.RerankerTopN > s.TopK {
		s.RerankerTopN = s.TopK
	}
	return s
}
