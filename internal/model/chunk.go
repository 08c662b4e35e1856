package model

const (
	ChunkKindLeaf   = "leaf"
	ChunkKindParent = "parent"
	ChunkKindChild  = "child"
)

// Chunk is the flat row form. Parents carry no vector and no chunk index;
// leaves and children always carry both.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Kind         string    `json:"kind"`
	SegmentIndex int       `json:"segment_index"`
	SegmentPos   int       `json:"segment_pos"`
	ChunkIndex   *int      `json:"chunk_index"`
	Text         string    `json:"text"`
	Vector       []float32 `json:"-"`
	Ctime        int64     `json:"ctime"`
}

type ParentChunk struct {
	ID           string
	DocumentID   string
	SegmentIndex int
	Text         string
}

type ChildChunk struct {
	ID           string
	DocumentID   string
	ParentID     string
	SegmentIndex int
	SegmentPos   int
	ChunkIndex   int
	Text         string
	Vector       []float32
}

func (c *Chunk) AsParent() (ParentChunk, bool) {
	if c.Kind != ChunkKindParent {
		return ParentChunk{}, false
	}
	return ParentChunk{ID: c.ID, DocumentID: c.DocumentID, SegmentIndex: c.SegmentIndex, Text: c.Text}, true
}

// AsChild projects leaves too; a leaf is a child without a parent.
func (c *Chunk) AsChild() (ChildChunk, bool) {
	if c.Kind == ChunkKindParent || c.ChunkIndex == nil {
		return ChildChunk{}, false
	}
	return ChildChunk{
		ID:           c.ID,
		DocumentID:   c.DocumentID,
		ParentID:     c.ParentID,
		SegmentIndex: c.SegmentIndex,
		SegmentPos:   c.SegmentPos,
		ChunkIndex:   *c.ChunkIndex,
		Text:         c.Text,
		Vector:       c.Vector,
	}, true
}

// ScoredChunk is a vector search hit.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

type EmbeddingCache struct {
	ModelName   string    `json:"model_name"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"embedding"`
	Ctime       int64     `json:"ctime"`
}
