package model

const (
	DocumentStatusUploading = "uploading"
	DocumentStatusEmbedding = "embedding"
	DocumentStatusReady     = "ready"
	DocumentStatusFailed    = "failed"
)

const (
	FormatText     = "txt"
	FormatMarkdown = "md"
	FormatPDF      = "pdf"
)

// Ingestion checkpoints. Progress only ever moves forward through these.
const (
	ProgressStart     = 0
	ProgressSaved     = 10
	ProgressExtracted = 25
	ProgressPages     = 40
	ProgressChunked   = 55
	ProgressEmbedded  = 85
	ProgressComplete  = 100
)

type Document struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Name         string `json:"name"`
	Format       string `json:"format"`
	Size         int64  `json:"size"`
	FileKey      string `json:"file_key"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	PageCount    int    `json:"page_count"`
	ChunkCount   int    `json:"chunk_count"`
	ErrorMessage string `json:"error_message"`
	Ctime        int64  `json:"ctime"`
	Mtime        int64  `json:"mtime"`
}

func (d *Document) Terminal() bool {
	return d.Status == DocumentStatusReady || d.Status == DocumentStatusFailed
}

type Page struct {
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}
