package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openAIConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	OrgID       string `json:"org_id"`
	HTTPReferer string `json:"http_referer"`
	XTitle      string `json:"x_title"`
}

type openAIProvider struct {
	name   string
	apiKey string
	client *openai.Client
}

func newOpenAICompatible(name, defaultBaseURL string, cfg *openAIConfig) *openAIProvider {
	apiKey := strings.TrimSpace(cfg.APIKey)
	conf := openai.DefaultConfig(apiKey)
	conf.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if conf.BaseURL == "" {
		conf.BaseURL = defaultBaseURL
	}
	if cfg.OrgID != "" {
		conf.OrgID = cfg.OrgID
	}
	headers := map[string]string{}
	if cfg.HTTPReferer != "" {
		headers["HTTP-Referer"] = cfg.HTTPReferer
	}
	if cfg.XTitle != "" {
		headers["X-Title"] = cfg.XTitle
	}
	if len(headers) > 0 {
		conf.HTTPClient = &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: headers}}
	}
	return &openAIProvider{
		name:   name,
		apiKey: apiKey,
		client: openai.NewClientWithConfig(conf),
	}
}

func (p *openAIProvider) Name() string {
	return p.name
}

func (p *openAIProvider) Chat(ctx context.Context, model string, messages []Message, params ChatParams) (*Completion, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(model, messages, params))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", p.name)
	}
	return &Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *openAIProvider) ChatStream(ctx context.Context, model string, messages []Message, params ChatParams, onDelta DeltaFunc) (*Completion, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	req := p.buildRequest(model, messages, params)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var sb strings.Builder
	res := &Completion{}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Usage != nil {
			res.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			sb.WriteString(choice.Delta.Content)
			if err := onDelta(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
	}
	res.Text = sb.String()
	return res, nil
}

func (p *openAIProvider) Embed(ctx context.Context, model string, texts []string, dim int) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	}
	if dim > 0 {
		req.Dimensions = dim
	}
	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("%s embedding index %d out of range", p.name, item.Index)
		}
		out[item.Index] = item.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("%s returned no embedding for input %d", p.name, i)
		}
	}
	return out, nil
}

func (p *openAIProvider) buildRequest(model string, messages []Message, params ChatParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	return req
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

func createOpenAIFactory(args interface{}) (IProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return newOpenAICompatible("openai", defaultOpenAIBaseURL, cfg), nil
}

func init() {
	Register("openai", createOpenAIFactory)
}
