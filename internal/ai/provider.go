package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrUnavailable = errors.New("ai provider unavailable")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatParams struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Completion struct {
	Text  string
	Usage Usage
}

// DeltaFunc receives streamed text in order. Returning an error aborts the stream.
type DeltaFunc func(delta string) error

// IProvider is one configured backend account. Model names are upstream names.
type IProvider interface {
	Name() string
	Chat(ctx context.Context, model string, messages []Message, params ChatParams) (*Completion, error)
	ChatStream(ctx context.Context, model string, messages []Message, params ChatParams, onDelta DeltaFunc) (*Completion, error)
	Embed(ctx context.Context, model string, texts []string, dim int) ([][]float32, error)
}

type IChatModel interface {
	Chat(ctx context.Context, messages []Message, params ChatParams) (*Completion, error)
	ChatStream(ctx context.Context, messages []Message, params ChatParams, onDelta DeltaFunc) (*Completion, error)
	ModelName() string
	ProviderName() string
}

type IGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type IEmbedClient interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	ProviderName() string
}

type chatModel struct {
	provider IProvider
	model    string
}

func NewChatModel(p IProvider, model string) IChatModel {
	return &chatModel{provider: p, model: model}
}

func (m *chatModel) Chat(ctx context.Context, messages []Message, params ChatParams) (*Completion, error) {
	return m.provider.Chat(ctx, m.model, messages, params)
}

func (m *chatModel) ChatStream(ctx context.Context, messages []Message, params ChatParams, onDelta DeltaFunc) (*Completion, error) {
	return m.provider.ChatStream(ctx, m.model, messages, params, onDelta)
}

func (m *chatModel) ModelName() string {
	return m.model
}

func (m *chatModel) ProviderName() string {
	return m.provider.Name()
}

type generator struct {
	model IChatModel
}

// NewGenerator adapts a chat model to single prompt generation.
func NewGenerator(m IChatModel) IGenerator {
	return &generator{model: m}
}

func (g *generator) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := g.model.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, ChatParams{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

type embedClient struct {
	provider IProvider
	model    string
	dim      int
}

func NewEmbedClient(p IProvider, model string, dim int) IEmbedClient {
	return &embedClient{provider: p, model: model, dim: dim}
}

func (e *embedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.provider.Embed(ctx, e.model, texts, e.dim)
}

func (e *embedClient) ModelName() string {
	return e.model
}

func (e *embedClient) ProviderName() string {
	return e.provider.Name()
}

type ProviderFactory func(args interface{}) (IProvider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func NewProvider(name string, args interface{}) (IProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai provider type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported ai provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}
