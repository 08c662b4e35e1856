package model

const (
	UsageKindEmbedding  = "embedding"
	UsageKindCompletion = "completion"
	UsageKindTitle      = "title"
)

type UsageEvent struct {
	ID               string  `json:"id"`
	IdempotencyKey   string  `json:"idempotency_key"`
	Kind             string  `json:"kind"`
	OwnerID          string  `json:"owner_id"`
	SessionID        string  `json:"session_id"`
	DocumentID       string  `json:"document_id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	LatencyMs        int64   `json:"latency_ms"`
	Cost             float64 `json:"cost"`
	Ctime            int64   `json:"ctime"`
}
