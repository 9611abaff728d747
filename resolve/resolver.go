package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/tariffproof/agent"
	"github.com/halverson/tariffproof/gate"
	"github.com/halverson/tariffproof/hts"
	"github.com/halverson/tariffproof/metrics"
	"github.com/halverson/tariffproof/retrieval"
	"github.com/halverson/tariffproof/store"
)

// Retriever is the corpus index surface the resolver consumes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, f retrieval.Filters, k int) ([]store.RetrievalResult, *retrieval.Trace, error)
}

// Reader is the reader-agent surface.
type Reader interface {
	Read(ctx context.Context, query string, chunks []store.RetrievalResult) (*agent.ReaderOutput, error)
}

// Validator is the validator-agent surface.
type Validator interface {
	Validate(ctx context.Context, chunks []store.RetrievalResult, reader *agent.ReaderOutput) (*agent.ValidatorOutput, error)
}

// Gatekeeper is the write-gate surface.
type Gatekeeper interface {
	Promote(ctx context.Context, req gate.Request) (*store.PromoteResult, gate.Decision, error)
}

// Config controls resolver behaviour.
type Config struct {
	// K is the number of chunks requested from the corpus index.
	K int
	// LLMTimeout bounds each agent call. On expiry the resolution aborts
	// with a Timeout error; no partial promotion can occur.
	LLMTimeout time.Duration
	// ForceInterval is the per-operator minimum spacing of force-refresh
	// requests.
	ForceInterval time.Duration
	// CostInMicroPerK / CostOutMicroPerK estimate spend per 1000 tokens.
	CostInMicroPerK  int64
	CostOutMicroPerK int64
	// Now is the clock; tests may pin it.
	Now func() time.Time
}

// Request identifies one scope question.
type Request struct {
	Program  string
	HTS      string
	Material string
	AsOf     string // YYYY-MM-DD; empty = current
	Force    bool   // skip L1 and re-run L2 against the current corpus
	Operator string // rate-limit key for force requests
}

// Resolver orchestrates L1 -> L2 -> L3.
type Resolver struct {
	store     *store.Store
	view      *store.CurrentView
	retriever Retriever
	reader    Reader
	validator Validator
	gate      Gatekeeper
	discovery *Discovery // nil disables L3
	cfg       Config

	forceMu   sync.Mutex
	lastForce map[string]time.Time
}

// New creates a resolver. discovery may be nil to disable L3.
func New(s *store.Store, view *store.CurrentView, retriever Retriever, reader Reader, validator Validator, g Gatekeeper, discovery *Discovery, cfg Config) *Resolver {
	if cfg.K == 0 {
		cfg.K = retrieval.DefaultK
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = 90 * time.Second
	}
	if cfg.ForceInterval == 0 {
		cfg.ForceInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		store:     s,
		view:      view,
		retriever: retriever,
		reader:    reader,
		validator: validator,
		gate:      g,
		discovery: discovery,
		cfg:       cfg,
		lastForce: make(map[string]time.Time),
	}
}

// Resolve answers "is HTS X within scope of program Y for material M"
// from the truth store, the corpus, or newly discovered documents — in
// that order. Unknown is a first-class result, never an error; the write
// path is fail-closed and the read path ends in Unknown rather than a
// guess.
func (r *Resolver) Resolve(ctx context.Context, req Request) Resolution {
	start := r.cfg.Now()
	traceID := uuid.NewString()

	h, err := hts.Normalize(req.HTS)
	if err != nil {
		return resolveError(ErrKindInvalidInput, err.Error())
	}
	if req.Program == "" {
		return resolveError(ErrKindInvalidInput, "program required")
	}
	if req.Force {
		if wait := r.forceBudget(req.Operator); wait > 0 {
			return resolveError(ErrKindRateLimited,
				fmt.Sprintf("force refresh for operator %q throttled for %s", req.Operator, wait.Round(time.Second)))
		}
	}

	query := composeQuery(req.Program, h, req.Material)
	audit := store.AuditEntry{TraceID: traceID, Query: query}
	res := r.resolveLayers(ctx, req, h, query, &audit)

	audit.Outcome = string(res.Outcome)
	if res.Layer != "" {
		audit.LayerServed = res.Layer
	}
	audit.LatencyMS = r.cfg.Now().Sub(start).Milliseconds()
	audit.CostMicroUSD = int64(audit.TokensIn)*r.cfg.CostInMicroPerK/1000 +
		int64(audit.TokensOut)*r.cfg.CostOutMicroPerK/1000
	if err := r.store.AppendAudit(ctx, audit); err != nil {
		slog.Warn("resolve: audit append failed", "trace_id", traceID, "error", err)
	}
	metrics.ObserveResolve(res.Layer, string(res.Outcome), time.Duration(audit.LatencyMS)*time.Millisecond)
	return res
}

func (r *Resolver) resolveLayers(ctx context.Context, req Request, h hts.HTS, query string, audit *store.AuditEntry) Resolution {
	// L1: truth store. No LLM call on a hit.
	if !req.Force {
		if res, hit := r.lookupL1(ctx, req, h); hit {
			return res
		}
	}

	// L2: corpus RAG.
	res, hadChunks := r.resolveL2(ctx, req, h, query, audit)
	if res.Known() || res.Outcome == OutcomeError {
		return res
	}
	// Chunks existed but did not prove the point: do not fall through to
	// L3 — the corpus had coverage and the evidence was insufficient.
	if hadChunks {
		return res
	}

	// L3: discovery.
	if r.discovery == nil {
		return unknown(UnknownNoChunks)
	}
	ingested, err := r.discovery.Run(ctx, query)
	if err != nil {
		if errors.Is(err, ErrDiscoveryCapped) {
			return unknown(UnknownDiscoveryCapped)
		}
		return resolveError(ErrKindConnectorFailure, err.Error())
	}
	if ingested == 0 {
		r.recordReview(ctx, query, nil, nil, []store.BlockReason{store.ReasonNoCoverage})
		return unknown(UnknownDiscoveryEmpty)
	}

	res, _ = r.resolveL2(ctx, req, h, query, audit)
	if res.Known() {
		res.Layer = "l3"
		return res
	}
	if res.Outcome == OutcomeError {
		return res
	}
	res.Layer = "l3"
	return res
}

// lookupL1 consults the compiled view (or the store for as-of queries).
// Exact key first; a 10-digit query falls back to its 8-digit prefix.
// Both scope kinds are served: a verified out-of-scope fact is as much
// an answer as an in-scope one.
func (r *Resolver) lookupL1(ctx context.Context, req Request, h hts.HTS) (Resolution, bool) {
	keys := []string{h.Digits}
	if h.Len == 10 {
		keys = append(keys, h.Prefix8())
	}
	kinds := []store.AssertionKind{store.KindInScope, store.KindOutOfScope}
	for _, key := range keys {
		for _, kind := range kinds {
			if req.AsOf != "" {
				a, err := r.store.AssertionAsOf(ctx, req.Program, key, req.Material, kind, req.AsOf)
				if err != nil {
					slog.Warn("resolve: l1 as-of lookup failed", "error", err)
					return Resolution{}, false
				}
				if a != nil {
					return known(a, "l1"), true
				}
				continue
			}
			if r.view != nil {
				if a, ok := r.view.Lookup(req.Program, key, req.Material, kind); ok {
					return known(&a, "l1"), true
				}
				continue
			}
			a, err := r.store.CurrentAssertion(ctx, req.Program, key, req.Material, kind)
			if err != nil {
				slog.Warn("resolve: l1 lookup failed", "error", err)
				return Resolution{}, false
			}
			if a != nil {
				return known(a, "l1"), true
			}
		}
	}
	return Resolution{}, false
}

// resolveL2 runs retrieve -> reader -> validator -> gate. hadChunks
// reports whether the corpus produced candidates, which controls whether
// the caller may escalate to discovery.
func (r *Resolver) resolveL2(ctx context.Context, req Request, h hts.HTS, query string, audit *store.AuditEntry) (res Resolution, hadChunks bool) {
	chunks, _, err := r.retriever.Retrieve(ctx, query, retrieval.Filters{
		ProgramHint: req.Program,
		HTS:         &h,
	}, r.cfg.K)
	if err != nil {
		return resolveError(ErrKindIndexUnavailable, err.Error()), false
	}
	if len(chunks) == 0 {
		return unknown(UnknownNoChunks), false
	}

	readerCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	readerOut, err := r.reader.Read(readerCtx, query, chunks)
	cancel()
	if err != nil {
		return r.agentFailure(ctx, query, err, nil), true
	}
	audit.TokensIn += readerOut.PromptTokens
	audit.TokensOut += readerOut.CompletionTokens
	audit.ModelUsed = readerOut.ModelUsed
	metrics.AddTokens("reader", readerOut.PromptTokens, readerOut.CompletionTokens)

	if readerOut.Answer.InScope == store.ScopeUnknown {
		r.recordReview(ctx, query, readerOut, nil, nil)
		return unknown(UnknownReaderUncertain), true
	}

	validatorCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	validatorOut, err := r.validator.Validate(validatorCtx, chunks, readerOut)
	cancel()
	if err != nil {
		return r.agentFailure(ctx, query, err, readerOut), true
	}
	audit.TokensIn += validatorOut.PromptTokens
	audit.TokensOut += validatorOut.CompletionTokens
	metrics.AddTokens("validator", validatorOut.PromptTokens, validatorOut.CompletionTokens)

	kind := store.KindInScope
	if readerOut.Answer.InScope == store.ScopeFalse {
		kind = store.KindOutOfScope
	}
	effectiveStart := r.effectiveStartFor(ctx, readerOut, req)

	promoted, decision, err := r.gate.Promote(ctx, gate.Request{
		Program:        req.Program,
		HTS:            h,
		Material:       req.Material,
		Kind:           kind,
		Reader:         readerOut,
		Validator:      validatorOut,
		EffectiveStart: effectiveStart,
	})
	if err != nil {
		return resolveError(ErrKindInternal, err.Error()), true
	}
	metrics.ObserveGate(decision.Accepted)
	if !decision.Accepted {
		r.recordReview(ctx, query, readerOut, validatorOut, decision.Reasons)
		return unknown(UnknownGateRejected), true
	}

	assertion, err := r.store.GetAssertion(ctx, promoted.AssertionID)
	if err != nil {
		return resolveError(ErrKindInternal, fmt.Sprintf("loading promoted assertion: %v", err)), true
	}
	r.rebuildView(ctx)
	return known(assertion, "l2"), true
}

// agentFailure maps agent errors to the right result shape: schema
// violations land in the review queue as Unknown, timeouts and transport
// failures surface as Error.
func (r *Resolver) agentFailure(ctx context.Context, query string, err error, readerOut *agent.ReaderOutput) Resolution {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return resolveError(ErrKindTimeout, err.Error())
	case errors.Is(err, agent.ErrSchemaViolation):
		r.recordReview(ctx, query, readerOut, nil, []store.BlockReason{store.ReasonSchemaViolation})
		return unknown(UnknownSchemaViolation)
	default:
		return resolveError(ErrKindLLMFailure, err.Error())
	}
}

// effectiveStartFor derives the new assertion's effective start: the
// primary cited document's own effective date, else its publication
// date, else the query's as-of date, else today.
func (r *Resolver) effectiveStartFor(ctx context.Context, readerOut *agent.ReaderOutput, req Request) string {
	if len(readerOut.Citations) > 0 {
		if doc, err := r.store.GetDocument(ctx, readerOut.Citations[0].DocumentID); err == nil {
			if doc.EffectiveStart != "" {
				return doc.EffectiveStart
			}
			if !doc.PublishedAt.IsZero() {
				return doc.PublishedAt.UTC().Format("2006-01-02")
			}
		}
	}
	if req.AsOf != "" {
		return req.AsOf
	}
	return r.cfg.Now().UTC().Format("2006-01-02")
}

func (r *Resolver) recordReview(ctx context.Context, query string, readerOut *agent.ReaderOutput, validatorOut *agent.ValidatorOutput, reasons []store.BlockReason) {
	entry := store.ReviewEntry{Query: query, Reasons: reasons}
	if readerOut != nil {
		entry.ReaderOutput = readerOut.Raw
	}
	if validatorOut != nil {
		entry.ValidatorOutput = validatorOut.Raw
	}
	if _, err := r.store.InsertReview(ctx, entry); err != nil {
		slog.Warn("resolve: review insert failed", "error", err)
	}
}

// rebuildView refreshes the compiled current table after a write. The
// view is a derived projection; it is always rebuilt from the truth
// store, never patched in place.
func (r *Resolver) rebuildView(ctx context.Context) {
	if r.view == nil {
		return
	}
	date := r.cfg.Now().UTC().Format("2006-01-02")
	if err := r.view.Rebuild(ctx, r.store, date); err != nil {
		slog.Warn("resolve: current view rebuild failed", "error", err)
	}
}

// forceBudget enforces per-operator spacing on force refreshes. Returns
// the remaining wait, or zero when the request may proceed.
func (r *Resolver) forceBudget(operator string) time.Duration {
	r.forceMu.Lock()
	defer r.forceMu.Unlock()
	now := r.cfg.Now()
	if last, ok := r.lastForce[operator]; ok {
		if remaining := r.cfg.ForceInterval - now.Sub(last); remaining > 0 {
			return remaining
		}
	}
	r.lastForce[operator] = now
	return 0
}

// composeQuery renders the scope question sent to retrieval and the
// agents.
func composeQuery(program string, h hts.HTS, material string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Is HTS %s within the scope of %s", h.Dotted(), strings.ReplaceAll(program, "_", " "))
	if material != "" {
		fmt.Fprintf(&b, " for %s content", material)
	}
	b.WriteString("?")
	return b.String()
}
