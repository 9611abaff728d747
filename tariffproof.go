// Package tariffproof is a legal-grade tariff scope verification engine:
// it answers "is HTS code X within the scope of tariff program Y for
// material M" with answers backed by verbatim quotations from ingested
// primary-source regulatory documents, and computes line-by-line tariff
// filings from the verified facts.
package tariffproof

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halverson/tariffproof/agent"
	"github.com/halverson/tariffproof/chunker"
	"github.com/halverson/tariffproof/connector"
	"github.com/halverson/tariffproof/gate"
	"github.com/halverson/tariffproof/llm"
	"github.com/halverson/tariffproof/resolve"
	"github.com/halverson/tariffproof/retrieval"
	"github.com/halverson/tariffproof/stacking"
	"github.com/halverson/tariffproof/store"
)

// Engine is the main entry point: resolution, stacking, and ingest over
// one shared store.
type Engine struct {
	cfg      Config
	store    *store.Store
	view     *store.CurrentView
	embedder llm.Provider
	chunkr   *chunker.Chunker
	registry *connector.Registry
	resolver *resolve.Resolver
	stacker  *stacking.Engine
}

// New creates an engine with the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 1536
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	readerLLM, err := llm.NewProvider(cfg.Reader)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating reader provider: %w", err)
	}
	validatorLLM, err := llm.NewProvider(cfg.Validator)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating validator provider: %w", err)
	}
	discoveryLLM, err := llm.NewProvider(cfg.Discovery)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating discovery provider: %w", err)
	}
	embedder, err := llm.NewProvider(cfg.Embedding)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	view := store.NewCurrentView()
	if err := view.Rebuild(context.Background(), s, time.Now().UTC().Format("2006-01-02")); err != nil {
		s.Close()
		return nil, fmt.Errorf("building current view: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    s,
		view:     view,
		embedder: embedder,
		chunkr:   chunker.New(chunker.Config{}),
		registry: connector.NewRegistry(
			connector.NewFederalRegister(connector.FederalRegisterConfig{}),
			connector.NewCSMS(connector.CSMSConfig{}),
			connector.NewUSITC(connector.USITCConfig{}),
		),
	}

	retriever := retrieval.New(s, embedder, retrieval.Config{
		WeightDense:   cfg.WeightDense,
		WeightLexical: cfg.WeightLexical,
	})
	reader := agent.NewReader(readerLLM, agent.ReaderConfig{MaxRetries: cfg.AgentRetries})
	validator := agent.NewValidator(validatorLLM, agent.ValidatorConfig{MaxRetries: cfg.AgentRetries})
	discoveryAgent := agent.NewDiscovery(discoveryLLM, agent.DiscoveryConfig{
		MaxRetries:    cfg.AgentRetries,
		MaxCandidates: cfg.DiscoveryMaxCandidates,
	})
	discovery := resolve.NewDiscovery(discoveryAgent, e.registry, e, resolve.DiscoveryConfig{
		MaxPerHour: cfg.DiscoveryMaxPerHour,
		Timeout:    time.Duration(cfg.DiscoveryTimeoutSeconds) * time.Second,
	})
	g := gate.New(s, gate.Config{HTSWindow: cfg.HTSWindow})
	e.resolver = resolve.New(s, view, retriever, reader, validator, g, discovery, resolve.Config{
		K:                cfg.RetrievalK,
		LLMTimeout:       time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		CostInMicroPerK:  cfg.CostInMicroPerK,
		CostOutMicroPerK: cfg.CostOutMicroPerK,
	})
	e.stacker = stacking.New(e.resolver, stacking.DefaultCatalog(), s)

	return e, nil
}

// Resolve answers one scope question through the L1/L2/L3 pipeline.
func (e *Engine) Resolve(ctx context.Context, req resolve.Request) resolve.Resolution {
	return e.resolver.Resolve(ctx, req)
}

// Stack computes the entry slices, chapter-99 stacks, and duties for one
// line item.
func (e *Engine) Stack(ctx context.Context, in stacking.Input) (*stacking.Result, error) {
	return e.stacker.Stack(ctx, in)
}

// Ingest fetches a document through the trusted connector for its source
// kind and ingests it into the corpus.
func (e *Engine) Ingest(ctx context.Context, kind store.SourceKind, locator string) (int64, bool, error) {
	conn := e.registry.Get(kind)
	if conn == nil {
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownSourceKind, kind)
	}
	doc, err := conn.Fetch(ctx, locator)
	if err != nil {
		return 0, false, err
	}
	return e.IngestDocument(ctx, doc)
}

// IngestDocument stores a fetched document, chunks it, and indexes the
// chunks. Idempotent by the document's raw-byte hash: re-ingesting the
// same bytes is a no-op. Implements the discovery orchestrator's
// ingestor contract.
func (e *Engine) IngestDocument(ctx context.Context, doc *store.Document) (int64, bool, error) {
	docID, created, err := e.store.CreateDocumentIfNew(ctx, *doc)
	if err != nil {
		return 0, false, fmt.Errorf("storing document: %w", err)
	}
	if !created {
		slog.Info("ingest: document already present", "canonical_id", doc.CanonicalID, "doc_id", docID)
		return docID, false, nil
	}

	start := time.Now()
	chunks := e.chunkr.Chunk(docID, doc.ExtractedText)
	chunkIDs, err := e.store.InsertChunks(ctx, chunks)
	if err != nil {
		return docID, true, fmt.Errorf("inserting chunks: %w", err)
	}

	if err := e.embedChunks(ctx, chunks, chunkIDs); err != nil {
		// Lexical retrieval still works; log and continue.
		slog.Warn("ingest: embedding failed, chunks remain lexical-only",
			"doc_id", docID, "error", err)
	}

	slog.Info("ingest: document ready",
		"source_kind", doc.SourceKind, "canonical_id", doc.CanonicalID,
		"doc_id", docID, "chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return docID, true, nil
}

// embedChunks generates embeddings in batches. Individual batch failures
// fall back to per-text embedding so one oversized chunk does not lose
// the whole batch.
func (e *Engine) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = chunks[j].Content
		}

		embeddings, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			slog.Warn("ingest: embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedder.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunkIDs[i+j], single[0]); serr != nil {
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if len(emb) == 0 {
				failed++
				continue
			}
			if err := e.store.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("ingest: storing embedding failed", "chunk_id", chunkIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) && len(chunks) > 0 {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("ingest: some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}

// SeedResult reports one seed locator's ingest outcome.
type SeedResult struct {
	Locator    string `json:"locator"`
	DocumentID int64  `json:"document_id"`
	Created    bool   `json:"created"`
	Err        error  `json:"error,omitempty"`
}

// Seed ingests a program's configured bootstrap locators through the
// normal connector path.
func (e *Engine) Seed(ctx context.Context, program string) ([]SeedResult, error) {
	seeds, ok := e.cfg.Seeds[program]
	if !ok {
		return nil, fmt.Errorf("%w: no seeds configured for program %q", ErrInvalidInput, program)
	}
	results := make([]SeedResult, 0, len(seeds))
	for _, seed := range seeds {
		id, created, err := e.Ingest(ctx, store.SourceKind(seed.SourceKind), seed.Locator)
		results = append(results, SeedResult{Locator: seed.Locator, DocumentID: id, Created: created, Err: err})
	}
	return results, nil
}

// Stats aggregates corpus and audit counters.
type Stats struct {
	Corpus *store.CorpusStats `json:"corpus"`
	Audit  *store.AuditStats  `json:"audit"`
}

// Stats returns the operational counters backing the dashboards.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	corpus, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	audit, err := e.store.AuditSummary(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Corpus: corpus, Audit: audit}, nil
}

// PendingReviews lists review-queue entries awaiting a decision.
func (e *Engine) PendingReviews(ctx context.Context, limit int) ([]store.ReviewEntry, error) {
	return e.store.PendingReviews(ctx, limit)
}

// ResolveReview records an operator decision on a review entry. status
// is "approved" or "rejected"; the operator id is kept for audit.
func (e *Engine) ResolveReview(ctx context.Context, id int64, status, operatorID string) error {
	if status != "approved" && status != "rejected" {
		return fmt.Errorf("%w: review status %q", ErrInvalidInput, status)
	}
	return e.store.ResolveReview(ctx, id, status, operatorID)
}

// Store returns the underlying store for diagnostic access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Close cleanly shuts down the engine.
func (e *Engine) Close() error {
	return e.store.Close()
}
