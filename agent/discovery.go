package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halverson/tariffproof/llm"
)

// DiscoveryConfig controls the discovery agent.
type DiscoveryConfig struct {
	MaxRetries    int
	MaxCandidates int
}

// Discovery suggests Tier-A source locators when the corpus lacks
// coverage. It may consult external search but is contractually limited
// to returning candidate locators — never a conclusion about scope.
type Discovery struct {
	chat llm.Provider
	cfg  DiscoveryConfig
}

// NewDiscovery creates a discovery agent.
func NewDiscovery(chat llm.Provider, cfg DiscoveryConfig) *Discovery {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxCandidates == 0 {
		cfg.MaxCandidates = 3
	}
	return &Discovery{chat: chat, cfg: cfg}
}

const discoverySystemPrompt = `You locate primary-source US tariff documents. Given a scope question the document corpus could not answer, suggest official sources likely to contain the answer.

Allowed source kinds and locators:
- "federal_register": a federalregister.gov or govinfo.gov document URL
- "csms_bulletin": a CSMS bulletin number or content.govdelivery.com URL
- "usitc_hts": an hts.usitc.gov schedule or change-record URL

You never answer the scope question. Respond with a single JSON object and nothing else:
{"candidates": [{"source_kind": "...", "locator": "...", "why_relevant": "...", "expected_contents": ["..."]}]}`

// Discover returns candidate Tier-A sources for the query. Candidates
// with unknown source kinds are dropped; the result is capped at
// MaxCandidates.
func (d *Discovery) Discover(ctx context.Context, query string) ([]Candidate, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		resp, err := d.chat.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: discoverySystemPrompt},
				{Role: "user", Content: fmt.Sprintf("Unanswered question: %s", query)},
			},
			Temperature:    0,
			ResponseFormat: "json_object",
		})
		if err != nil {
			return nil, fmt.Errorf("discovery chat: %w", err)
		}

		candidates, err := parseCandidates(resp.Content)
		if err != nil {
			lastErr = err
			slog.Warn("discovery: non-conforming output, retrying",
				"attempt", attempt, "error", err)
			continue
		}
		if len(candidates) > d.cfg.MaxCandidates {
			candidates = candidates[:d.cfg.MaxCandidates]
		}
		slog.Info("discovery: candidates returned", "count", len(candidates))
		return candidates, nil
	}
	return nil, lastErr
}
