// Package agent implements the reader, validator, and discovery agents.
// Agents produce untyped structured text; the boundary here is a strict
// schema check that rejects non-conforming output rather than coercing
// it. Nothing an agent says is trusted — the write gate re-verifies every
// claim mechanically.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/halverson/tariffproof/store"
)

// ErrSchemaViolation is returned when agent output does not conform to
// its JSON contract.
var ErrSchemaViolation = errors.New("agent: output schema violation")

// Confidence is the agent's self-reported confidence level.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ReaderAnswer is the structured answer object inside a reader response.
type ReaderAnswer struct {
	InScope    store.Scope `json:"in_scope"` // tri-valued: true / false / unknown
	Program    string      `json:"program"`
	HTS        string      `json:"hts"`
	ClaimCodes []string    `json:"claim_codes"`
	Confidence Confidence  `json:"confidence"`
}

// Citation points at one chunk and carries the verbatim quote the reader
// claims supports its answer.
type Citation struct {
	DocumentID      int64  `json:"document_id"`
	ChunkID         int64  `json:"chunk_id"`
	Quote           string `json:"quote"`
	WhyThisSupports string `json:"why_this_supports"`
}

// ReaderOutput is the schema-validated result of a reader call.
type ReaderOutput struct {
	Answer         ReaderAnswer `json:"answer"`
	Citations      []Citation   `json:"citations"`
	MissingInfo    []string     `json:"missing_info,omitempty"`
	Contradictions []string     `json:"contradictions,omitempty"`

	// Transcript metadata, not part of the agent contract.
	Raw              string `json:"-"`
	ModelUsed        string `json:"-"`
	PromptTokens     int    `json:"-"`
	CompletionTokens int    `json:"-"`
}

// ValidatorFailure describes one citation the validator could not confirm.
type ValidatorFailure struct {
	CitationIndex int    `json:"citation_index"`
	Reason        string `json:"reason"`
}

// ValidatorOutput is the schema-validated result of a validator call.
type ValidatorOutput struct {
	Verified   bool               `json:"verified"`
	Failures   []ValidatorFailure `json:"failures"`
	Confidence Confidence         `json:"confidence"`

	Raw              string `json:"-"`
	ModelUsed        string `json:"-"`
	PromptTokens     int    `json:"-"`
	CompletionTokens int    `json:"-"`
}

// Candidate is a Tier-A source suggestion from the discovery agent. The
// agent is contractually limited to locators — never conclusions about
// scope.
type Candidate struct {
	SourceKind       string   `json:"source_kind"`
	Locator          string   `json:"locator"`
	WhyRelevant      string   `json:"why_relevant"`
	ExpectedContents []string `json:"expected_contents"`
}

// --- strict parsing ---

// extractJSON strips a surrounding markdown code fence, which chat models
// add even when asked for bare JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func validScope(s store.Scope) bool {
	return s == store.ScopeTrue || s == store.ScopeFalse || s == store.ScopeUnknown
}

func validConfidence(c Confidence) bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// parseReaderOutput decodes and validates a reader response. Every enum
// is checked; booleans or sentinels in place of the tri-valued scope are
// rejected, not coerced.
func parseReaderOutput(raw string) (*ReaderOutput, error) {
	var out ReaderOutput
	dec := json.NewDecoder(strings.NewReader(extractJSON(raw)))
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if !validScope(out.Answer.InScope) {
		return nil, fmt.Errorf("%w: in_scope %q not one of true/false/unknown", ErrSchemaViolation, out.Answer.InScope)
	}
	if !validConfidence(out.Answer.Confidence) {
		return nil, fmt.Errorf("%w: confidence %q not one of high/medium/low", ErrSchemaViolation, out.Answer.Confidence)
	}
	if out.Answer.Program == "" {
		return nil, fmt.Errorf("%w: answer.program missing", ErrSchemaViolation)
	}
	for i, c := range out.Citations {
		if c.DocumentID == 0 || c.ChunkID == 0 {
			return nil, fmt.Errorf("%w: citation %d missing document_id/chunk_id", ErrSchemaViolation, i)
		}
		if strings.TrimSpace(c.Quote) == "" {
			return nil, fmt.Errorf("%w: citation %d has empty quote", ErrSchemaViolation, i)
		}
	}
	// A yes-or-no answer with no citation can never pass the gate; fail
	// fast at the schema boundary.
	if out.Answer.InScope != store.ScopeUnknown && len(out.Citations) == 0 {
		return nil, fmt.Errorf("%w: %s answer carries no citations", ErrSchemaViolation, out.Answer.InScope)
	}
	out.Raw = raw
	return &out, nil
}

// parseValidatorOutput decodes and validates a validator response.
func parseValidatorOutput(raw string) (*ValidatorOutput, error) {
	var out ValidatorOutput
	dec := json.NewDecoder(strings.NewReader(extractJSON(raw)))
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if !validConfidence(out.Confidence) {
		return nil, fmt.Errorf("%w: confidence %q not one of high/medium/low", ErrSchemaViolation, out.Confidence)
	}
	if out.Verified && len(out.Failures) > 0 {
		return nil, fmt.Errorf("%w: verified=true with %d outstanding failures", ErrSchemaViolation, len(out.Failures))
	}
	for i, f := range out.Failures {
		if strings.TrimSpace(f.Reason) == "" {
			return nil, fmt.Errorf("%w: failure %d has no reason", ErrSchemaViolation, i)
		}
	}
	out.Raw = raw
	return &out, nil
}

// knownSourceKinds gates discovery candidates to dispatchable connectors.
var knownSourceKinds = map[string]bool{
	string(store.SourceFederalRegister): true,
	string(store.SourceCSMSBulletin):    true,
	string(store.SourceUSITCHTS):        true,
}

// parseCandidates decodes discovery output, dropping candidates with
// unknown source kinds or missing locators.
func parseCandidates(raw string) ([]Candidate, error) {
	var wire struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	var out []Candidate
	for _, c := range wire.Candidates {
		if !knownSourceKinds[c.SourceKind] || strings.TrimSpace(c.Locator) == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
