package llm

// NewOpenRouter creates a provider backed by OpenRouter, used when the
// validator must run on a different model family than the reader.
func NewOpenRouter(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api"
	}
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}
