package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/halverson/tariffproof/llm"
	"github.com/halverson/tariffproof/store"
)

// ValidatorConfig controls the validator agent.
type ValidatorConfig struct {
	MaxRetries int
}

// Validator independently re-checks a reader's citations against the same
// chunks. To reduce correlated error it should run on a different model
// than the reader; its prompt is adversarial rather than generative
// either way. It cannot promote facts — only the write gate does.
type Validator struct {
	chat llm.Provider
	cfg  ValidatorConfig
}

// NewValidator creates a validator agent.
func NewValidator(chat llm.Provider, cfg ValidatorConfig) *Validator {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &Validator{chat: chat, cfg: cfg}
}

const validatorSystemPrompt = `You are an adversarial citation auditor. Another analyst answered a tariff scope question; your job is to find every way their citations fail to support their claim.

For each citation, check:
- the quote appears in the referenced chunk,
- the quote actually supports the stated answer for the stated HTS code and program,
- the claim codes, if any, appear in the cited material.

You do not answer the question yourself. Respond with a single JSON object and nothing else:
{"verified": true|false, "failures": [{"citation_index": <0-based int>, "reason": "<what fails>"}], "confidence": "high"|"medium"|"low"}
Set verified to true only when there are zero failures.`

// Validate audits reader output against the chunks. Non-conforming
// responses are retried with the same prompt.
func (v *Validator) Validate(ctx context.Context, chunks []store.RetrievalResult, reader *ReaderOutput) (*ValidatorOutput, error) {
	prompt := buildValidatorPrompt(chunks, reader)

	var lastErr error
	var promptTokens, completionTokens int
	for attempt := 0; attempt <= v.cfg.MaxRetries; attempt++ {
		resp, err := v.chat.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: validatorSystemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature:    0,
			ResponseFormat: "json_object",
		})
		if err != nil {
			return nil, fmt.Errorf("validator chat: %w", err)
		}
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens

		out, err := parseValidatorOutput(resp.Content)
		if err != nil {
			lastErr = err
			slog.Warn("validator: non-conforming output, retrying",
				"attempt", attempt, "error", err)
			continue
		}
		out.ModelUsed = resp.Model
		out.PromptTokens = promptTokens
		out.CompletionTokens = completionTokens
		slog.Debug("validator: audit complete",
			"verified", out.Verified, "failures", len(out.Failures))
		return out, nil
	}
	return nil, lastErr
}

func buildValidatorPrompt(chunks []store.RetrievalResult, reader *ReaderOutput) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "--- Chunk %d | document_id=%d chunk_id=%d ---\n%s\n\n",
			i+1, c.DocumentID, c.ChunkID, c.Content)
	}
	b.WriteString("Analyst output to audit:\n")
	b.WriteString(reader.Raw)
	b.WriteString("\n")
	return b.String()
}
