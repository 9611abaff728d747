// Package gate implements the deterministic write gate. It is the only
// path by which an agent's answer becomes a verified assertion: every
// citation must resolve to a stored Tier-A chunk containing the quote as
// an exact substring, the HTS and claim codes must be locatable in the
// evidence, and the validator must have signed off. Anything less is a
// rejection — there is no repair of almost-matching quotes.
package gate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/halverson/tariffproof/agent"
	"github.com/halverson/tariffproof/hts"
	"github.com/halverson/tariffproof/store"
)

// Config controls gate behaviour.
type Config struct {
	// HTSWindow is how many characters around the quote, inside the same
	// chunk, are searched for the HTS code when the quote itself does not
	// contain it.
	HTSWindow int
}

// Gate performs the promotion checks against the document store.
type Gate struct {
	store *store.Store
	cfg   Config
}

// New creates a write gate.
func New(s *store.Store, cfg Config) *Gate {
	if cfg.HTSWindow == 0 {
		cfg.HTSWindow = 400
	}
	return &Gate{store: s, cfg: cfg}
}

// Request carries everything the gate needs to judge one candidate fact.
type Request struct {
	Program  string
	HTS      hts.HTS
	Material string
	Kind     store.AssertionKind

	Reader    *agent.ReaderOutput
	Validator *agent.ValidatorOutput

	// EffectiveStart for the new assertion; normally the cited
	// document's own effective date.
	EffectiveStart string
}

// Decision is the gate's verdict. All checks must pass to accept.
type Decision struct {
	Accepted bool
	Reasons  []store.BlockReason
	Details  []string
}

func (d *Decision) reject(reason store.BlockReason, format string, args ...any) {
	d.Accepted = false
	d.Reasons = append(d.Reasons, reason)
	d.Details = append(d.Details, fmt.Sprintf(format, args...))
}

// Check runs every promotion check and returns the combined decision.
// Checks are exhaustive rather than short-circuiting so a review entry
// carries every reason at once. The returned error covers store access
// failures only; a failed check is a rejection, not an error.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	d := Decision{Accepted: true}

	if req.Reader == nil || req.Validator == nil {
		d.reject(store.ReasonSchemaViolation, "reader or validator output missing")
		return d, nil
	}

	// Check 6: validator verdict.
	if !req.Validator.Verified || len(req.Validator.Failures) > 0 {
		d.reject(store.ReasonValidatorFailed,
			"validator verified=%v with %d failures", req.Validator.Verified, len(req.Validator.Failures))
	}

	inScopeTrue := req.Kind == store.KindInScope && req.Reader.Answer.InScope == store.ScopeTrue

	var citedDocs []int64
	for i, c := range req.Reader.Citations {
		// Check 1: citation targets resolve.
		chunk, err := g.store.GetChunk(ctx, c.ChunkID)
		if err != nil {
			if isNotFound(err) {
				d.reject(store.ReasonMissingCitationTarget, "citation %d: chunk %d not found", i, c.ChunkID)
				continue
			}
			return d, fmt.Errorf("loading chunk %d: %w", c.ChunkID, err)
		}
		if chunk.DocumentID != c.DocumentID {
			d.reject(store.ReasonMissingCitationTarget,
				"citation %d: chunk %d belongs to document %d, not %d", i, c.ChunkID, chunk.DocumentID, c.DocumentID)
			continue
		}
		doc, err := g.store.GetDocument(ctx, c.DocumentID)
		if err != nil {
			if isNotFound(err) {
				d.reject(store.ReasonMissingCitationTarget, "citation %d: document %d not found", i, c.DocumentID)
				continue
			}
			return d, fmt.Errorf("loading document %d: %w", c.DocumentID, err)
		}
		citedDocs = append(citedDocs, doc.ID)

		// Check 2: Tier A only.
		if doc.Tier != store.TierA {
			d.reject(store.ReasonTierNotA, "citation %d: document %d is tier %s", i, doc.ID, doc.Tier)
		}

		// Check 3: verbatim substring under normalized whitespace. An
		// almost-matching quote is a hard rejection; the legal-grade
		// property depends on exact match.
		chunkNorm := store.NormalizeWhitespace(chunk.Content)
		quoteNorm := store.NormalizeWhitespace(c.Quote)
		if quoteNorm == "" || !strings.Contains(chunkNorm, quoteNorm) {
			d.reject(store.ReasonQuoteNotSubstring, "citation %d: quote is not a substring of chunk %d", i, c.ChunkID)
			continue
		}

		// Check 4: the HTS must be locatable in the quote or within the
		// configured window of it in the same chunk. Hard failure for
		// in_scope=true answers.
		if inScopeTrue && !g.htsNearQuote(chunkNorm, quoteNorm, req.HTS) {
			d.reject(store.ReasonHTSNotInWindow,
				"citation %d: HTS %s not found in quote or within %d chars", i, req.HTS.Dotted(), g.cfg.HTSWindow)
		}
	}

	if len(req.Reader.Citations) == 0 {
		d.reject(store.ReasonMissingCitationTarget, "no citations supplied")
	}

	// Check 5: in-scope facts must carry a claim code present somewhere
	// in a cited document.
	if inScopeTrue {
		code := primaryClaimCode(req.Reader)
		if code == "" {
			d.reject(store.ReasonClaimCodeMissing, "in_scope=true with no claim code")
		} else {
			found := false
			for _, docID := range dedupe(citedDocs) {
				ok, err := g.store.SubstringPresent(ctx, docID, code)
				if err != nil {
					return d, fmt.Errorf("searching claim code in document %d: %w", docID, err)
				}
				if ok {
					found = true
					break
				}
			}
			if !found {
				d.reject(store.ReasonClaimCodeNotInDoc, "claim code %s absent from cited documents", code)
			}
		}
	}

	// Check 7: supersession plan. Rejection when the new effective start
	// is not later than the in-force row's — an earlier start would
	// rewrite history, an equal one collides with the existing row. The
	// close-and-insert itself happens in Promote's transaction.
	existing, err := g.store.CurrentAssertion(ctx, req.Program, req.HTS.Digits, req.Material, req.Kind)
	if err != nil {
		return d, fmt.Errorf("loading current assertion: %w", err)
	}
	if existing != nil && req.EffectiveStart <= existing.EffectiveStart {
		d.reject(store.ReasonSupersessionConflict,
			"effective start %s does not supersede in-force start %s", req.EffectiveStart, existing.EffectiveStart)
	}

	if !d.Accepted {
		slog.Info("gate: rejected", "program", req.Program, "hts", req.HTS.Digits,
			"reasons", d.Reasons)
	}
	return d, nil
}

// Promote runs Check and, on acceptance, atomically writes the assertion,
// its evidence quote, and any supersession close. The first citation is
// the primary evidence.
func (g *Gate) Promote(ctx context.Context, req Request) (*store.PromoteResult, Decision, error) {
	d, err := g.Check(ctx, req)
	if err != nil || !d.Accepted {
		return nil, d, err
	}

	primary := req.Reader.Citations[0]
	chunk, err := g.store.GetChunk(ctx, primary.ChunkID)
	if err != nil {
		return nil, d, fmt.Errorf("loading primary chunk: %w", err)
	}

	quote := store.EvidenceQuote{
		ChunkID:   primary.ChunkID,
		QuoteText: primary.Quote,
		QuoteSHA:  quoteSHA(primary.Quote),
	}
	if start := strings.Index(chunk.Content, primary.Quote); start >= 0 {
		quote.CharStart = start
		quote.CharEnd = start + len(primary.Quote)
	}

	assertion := store.VerifiedAssertion{
		Program:             req.Program,
		HTS:                 req.HTS.Digits,
		Material:            req.Material,
		Kind:                req.Kind,
		Scope:               req.Reader.Answer.InScope,
		ClaimCode:           primaryClaimCode(req.Reader),
		EffectiveStart:      req.EffectiveStart,
		DocumentID:          primary.DocumentID,
		ReaderTranscript:    req.Reader.Raw,
		ValidatorTranscript: req.Validator.Raw,
	}

	res, err := g.store.PromoteAssertion(ctx, assertion, quote)
	if err != nil {
		if errors.Is(err, store.ErrSupersessionConflict) {
			// A concurrent writer won the race between Check and Promote.
			d.reject(store.ReasonSupersessionConflict, "concurrent supersession: %v", err)
			return nil, d, nil
		}
		return nil, d, fmt.Errorf("promoting assertion: %w", err)
	}

	slog.Info("gate: promoted assertion",
		"program", req.Program, "hts", req.HTS.Digits, "material", req.Material,
		"assertion_id", res.AssertionID, "closed_id", res.ClosedID)
	return res, d, nil
}

// htsNearQuote reports whether either HTS form occurs in the quote, or in
// the chunk within the window around the quote's position.
func (g *Gate) htsNearQuote(chunkNorm, quoteNorm string, h hts.HTS) bool {
	forms := []string{h.Dotted(), h.Undotted()}
	for _, f := range forms {
		if strings.Contains(quoteNorm, f) {
			return true
		}
	}
	pos := strings.Index(chunkNorm, quoteNorm)
	if pos < 0 {
		return false
	}
	lo := pos - g.cfg.HTSWindow
	if lo < 0 {
		lo = 0
	}
	hi := pos + len(quoteNorm) + g.cfg.HTSWindow
	if hi > len(chunkNorm) {
		hi = len(chunkNorm)
	}
	window := chunkNorm[lo:hi]
	for _, f := range forms {
		if strings.Contains(window, f) {
			return true
		}
	}
	return false
}

// primaryClaimCode returns the first claim code in the reader's answer.
func primaryClaimCode(r *agent.ReaderOutput) string {
	for _, c := range r.Answer.ClaimCodes {
		if strings.TrimSpace(c) != "" {
			return strings.TrimSpace(c)
		}
	}
	return ""
}

// quoteSHA hashes the normalized quote: lowercased, whitespace-collapsed.
func quoteSHA(quote string) string {
	norm := strings.ToLower(store.NormalizeWhitespace(quote))
	h := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(h[:])
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
