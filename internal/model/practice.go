package model

const (
	StylePresetNeutral  = "neutral"
	StylePresetTutor    = "tutor"
	StylePresetConcise  = "concise"
	StylePresetSocratic = "socratic"
)

const (
	ResponseStatusDone  = "done"
	ResponseStatusError = "error"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Merge overlays non-nil fields from o onto p.
func (p GenerationParams) Merge(o *GenerationParams) GenerationParams {
	if o == nil {
		return p
	}
	if o.Temperature != nil {
		p.Temperature = o.Temperature
	}
	if o.TopP != nil {
		p.TopP = o.TopP
	}
	if o.MaxTokens != nil {
		p.MaxTokens = o.MaxTokens
	}
	return p
}

type SessionSettings struct {
	Generation       GenerationParams `json:"generation"`
	StylePreset      string           `json:"style_preset"`
	PolicyRules      []string         `json:"policy_rules"`
	RetrievalEnabled bool             `json:"retrieval_enabled"`
	Search           *SearchSetting   `json:"search,omitempty"`
}

type PracticeSession struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	ClassID     string          `json:"class_id"`
	ProjectID   string          `json:"project_id"`
	Title       string          `json:"title"`
	Models      []string        `json:"models"`
	Settings    SessionSettings `json:"settings"`
	DocumentIDs []string        `json:"document_ids"`
	FewShotIDs  []string        `json:"few_shot_ids"`
	Ctime       int64           `json:"ctime"`
	Mtime       int64           `json:"mtime"`
}

type PracticeResponse struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	TurnID           string `json:"turn_id"`
	TurnIndex        int    `json:"turn_index"`
	ModelName        string `json:"model_name"`
	Prompt           string `json:"prompt"`
	Response         string `json:"response"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message"`
	Ctime            int64  `json:"ctime"`
}

type FewShotExample struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Input   string `json:"input"`
	Output  string `json:"output"`
	Ctime   int64  `json:"ctime"`
}
