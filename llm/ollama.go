package llm

// NewOllama creates a provider backed by a local Ollama instance via its
// OpenAI-compatible endpoint. Used for offline corpus indexing.
func NewOllama(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}
