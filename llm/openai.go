package llm

// NewOpenAI creates a provider backed by the OpenAI API.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}
