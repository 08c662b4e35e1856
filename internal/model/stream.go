package model

const (
	StreamEventToken = "token"
	StreamEventDone  = "done"
	StreamEventError = "error"
)

// StreamEvent is one frame of a multi-model turn stream.
type StreamEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	ModelName string `json:"model_name"`
	Payload   string `json:"payload"`
}

func (e StreamEvent) Terminal() bool {
	return e.Event == StreamEventDone || e.Event == StreamEventError
}
