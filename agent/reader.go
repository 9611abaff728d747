package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halverson/tariffproof/llm"
	"github.com/halverson/tariffproof/store"
)

// ReaderConfig controls the reader agent.
type ReaderConfig struct {
	// MaxRetries is how many times a non-conforming response is retried
	// with the same prompt before giving up.
	MaxRetries int
}

// Reader answers scope questions strictly from retrieved chunks, with
// verbatim citations. Its format is enforced here; its truth is enforced
// by the write gate.
type Reader struct {
	chat llm.Provider
	cfg  ReaderConfig
}

// NewReader creates a reader agent.
func NewReader(chat llm.Provider, cfg ReaderConfig) *Reader {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &Reader{chat: chat, cfg: cfg}
}

const readerSystemPrompt = `You are a tariff scope analyst. You answer whether an HTS code is within the scope of a tariff program using ONLY the numbered source chunks provided.

Rules:
1. Use only the supplied chunks. Outside knowledge is forbidden.
2. Every quote must be copied verbatim, character for character, from one chunk. Never paraphrase, never repair, never merge text from two chunks.
3. If the chunks do not entail a yes-or-no answer, set in_scope to "unknown".
4. Respond with a single JSON object and nothing else, in exactly this shape:
{
  "answer": {"in_scope": "true"|"false"|"unknown", "program": "<program id>", "hts": "<hts code>", "claim_codes": ["9903.xx.yy", ...], "confidence": "high"|"medium"|"low"},
  "citations": [{"document_id": <int>, "chunk_id": <int>, "quote": "<verbatim text>", "why_this_supports": "<one sentence>"}],
  "missing_info": ["..."],
  "contradictions": ["..."]
}`

// Read answers the query from the supplied chunks. Non-conforming
// responses are retried with the same prompt; on exhaustion the last
// schema error is returned wrapped in ErrSchemaViolation.
func (r *Reader) Read(ctx context.Context, query string, chunks []store.RetrievalResult) (*ReaderOutput, error) {
	prompt := buildReaderPrompt(query, chunks)

	var lastErr error
	var promptTokens, completionTokens int
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		start := time.Now()
		resp, err := r.chat.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: readerSystemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature:    0,
			ResponseFormat: "json_object",
		})
		if err != nil {
			return nil, fmt.Errorf("reader chat: %w", err)
		}
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens

		out, err := parseReaderOutput(resp.Content)
		if err != nil {
			lastErr = err
			slog.Warn("reader: non-conforming output, retrying",
				"attempt", attempt, "error", err,
				"elapsed", time.Since(start).Round(time.Millisecond))
			continue
		}
		out.ModelUsed = resp.Model
		out.PromptTokens = promptTokens
		out.CompletionTokens = completionTokens
		slog.Debug("reader: answer produced",
			"in_scope", out.Answer.InScope, "citations", len(out.Citations),
			"confidence", out.Answer.Confidence,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return out, nil
	}
	return nil, lastErr
}

// buildReaderPrompt renders the chunks with their addressable IDs so the
// reader can cite them, followed by the question.
func buildReaderPrompt(query string, chunks []store.RetrievalResult) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "--- Chunk %d | document_id=%d chunk_id=%d | %s %s",
			i+1, c.DocumentID, c.ChunkID, c.SourceKind, c.CanonicalID)
		if c.Section != "" {
			fmt.Fprintf(&b, " | %s", c.Section)
		}
		if c.EffectiveStart != "" {
			fmt.Fprintf(&b, " | effective %s", c.EffectiveStart)
		}
		b.WriteString(" ---\n")
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", query)
	return b.String()
}
