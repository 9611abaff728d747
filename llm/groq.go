package llm

// NewGroq creates a provider backed by the Groq API.
func NewGroq(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai"
	}
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}
