package ai

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter speaks the OpenAI wire format; only the defaults differ.
func createOpenRouterFactory(args interface{}) (IProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.XTitle == "" {
		cfg.XTitle = "mpractice"
	}
	return newOpenAICompatible("openrouter", defaultOpenRouterBaseURL, cfg), nil
}

func init() {
	Register("openrouter", createOpenRouterFactory)
}
