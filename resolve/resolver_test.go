//go:build cgo

package resolve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/halverson/tariffproof/agent"
	"github.com/halverson/tariffproof/chunker"
	"github.com/halverson/tariffproof/connector"
	"github.com/halverson/tariffproof/gate"
	"github.com/halverson/tariffproof/llm"
	"github.com/halverson/tariffproof/retrieval"
	"github.com/halverson/tariffproof/store"
)

const copperBulletin = "GUIDANCE: Section 232 Copper Products. Products classified under 8544.42.9090 containing copper are subject to the additional duty and shall report heading 9903.78.01 for the copper content. Effective August 1, 2025."

// --- fakes -----------------------------------------------------------------

type fakeRetriever struct {
	chunks []store.RetrievalResult
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, _ retrieval.Filters, k int) ([]store.RetrievalResult, *retrieval.Trace, error) {
	f.calls++
	return f.chunks, &retrieval.Trace{}, f.err
}

// fakeReader cites the first chunk it is given, quoting its leading text.
type fakeReader struct {
	scope store.Scope
	err   error
}

func (f *fakeReader) Read(ctx context.Context, query string, chunks []store.RetrievalResult) (*agent.ReaderOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &agent.ReaderOutput{
		Answer: agent.ReaderAnswer{
			InScope:    f.scope,
			Program:    "section_232_copper",
			HTS:        "8544.42.9090",
			ClaimCodes: []string{"9903.78.01"},
			Confidence: agent.ConfidenceHigh,
		},
		Raw:          `{"reader":"transcript"}`,
		ModelUsed:    "fake-reader",
		PromptTokens: 1000, CompletionTokens: 100,
	}
	if f.scope != store.ScopeUnknown && len(chunks) > 0 {
		c := chunks[0]
		quote := c.Content
		if len(quote) > 120 {
			quote = quote[:120]
		}
		out.Citations = []agent.Citation{{
			DocumentID: c.DocumentID, ChunkID: c.ChunkID,
			Quote: quote, WhyThisSupports: "states scope",
		}}
	}
	return out, nil
}

type fakeValidator struct {
	verified bool
	err      error
}

func (f *fakeValidator) Validate(ctx context.Context, chunks []store.RetrievalResult, r *agent.ReaderOutput) (*agent.ValidatorOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &agent.ValidatorOutput{Verified: f.verified, Confidence: agent.ConfidenceHigh, Raw: `{"validator":"transcript"}`}
	if !f.verified {
		out.Failures = []agent.ValidatorFailure{{CitationIndex: 0, Reason: "does not entail"}}
	}
	return out, nil
}

type fakeDiscoveryAgent struct {
	candidates []agent.Candidate
	calls      int
}

func (f *fakeDiscoveryAgent) Discover(ctx context.Context, query string) ([]agent.Candidate, error) {
	f.calls++
	return f.candidates, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{}, nil
}
func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

// storeIngestor is the minimal ingest pipeline: document + chunks, no
// embeddings (lexical search covers retrieval in tests).
type storeIngestor struct {
	s  *store.Store
	ch *chunker.Chunker
}

func (si *storeIngestor) IngestDocument(ctx context.Context, doc *store.Document) (int64, bool, error) {
	id, created, err := si.s.CreateDocumentIfNew(ctx, *doc)
	if err != nil || !created {
		return id, created, err
	}
	chunks := si.ch.Chunk(id, doc.ExtractedText)
	_, err = si.s.InsertChunks(ctx, chunks)
	return id, created, err
}

// --- fixtures --------------------------------------------------------------

func newResolverStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "resolve.db"), 4)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCorpusDoc(t *testing.T, s *store.Store, text string) (int64, []store.RetrievalResult) {
	t.Helper()
	ctx := context.Background()
	docID, _, err := s.CreateDocumentIfNew(ctx, store.Document{
		SourceKind: store.SourceCSMSBulletin, Tier: store.TierA,
		CanonicalID: "CSMS #65236645", URL: "https://content.govdelivery.com/x",
		PublishedAt: time.Date(2025, 7, 30, 0, 0, 0, 0, time.UTC), EffectiveStart: "2025-08-01",
		SHA256Raw: "resolve-" + t.Name(), ExtractedText: text,
	})
	if err != nil {
		t.Fatalf("seeding doc: %v", err)
	}
	ids, err := s.InsertChunks(ctx, []store.Chunk{{
		DocumentID: docID, ChunkIndex: 0, Content: text, CharEnd: len(text),
	}})
	if err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}
	return docID, []store.RetrievalResult{{
		ChunkID: ids[0], DocumentID: docID, Content: text,
		SourceKind: "csms_bulletin", CanonicalID: "CSMS #65236645", EffectiveStart: "2025-08-01",
	}}
}

func newResolver(s *store.Store, retriever Retriever, reader Reader, validator Validator, disc *Discovery) *Resolver {
	return New(s, nil, retriever, reader, validator, gate.New(s, gate.Config{}), disc, Config{})
}

// --- tests -----------------------------------------------------------------

func TestResolveInvalidInput(t *testing.T) {
	s := newResolverStore(t)
	r := newResolver(s, &fakeRetriever{}, &fakeReader{}, &fakeValidator{}, nil)

	res := r.Resolve(context.Background(), Request{Program: "section_232_copper", HTS: "854442"})
	if res.Outcome != OutcomeError || res.Err.Kind != ErrKindInvalidInput {
		t.Fatalf("res = %+v", res)
	}

	res = r.Resolve(context.Background(), Request{HTS: "8544429090"})
	if res.Outcome != OutcomeError || res.Err.Kind != ErrKindInvalidInput {
		t.Fatalf("missing program: res = %+v", res)
	}
}

func TestResolveL2PromotesThenL1Hits(t *testing.T) {
	s := newResolverStore(t)
	_, chunks := seedCorpusDoc(t, s, copperBulletin)
	retriever := &fakeRetriever{chunks: chunks}
	r := newResolver(s, retriever, &fakeReader{scope: store.ScopeTrue}, &fakeValidator{verified: true}, nil)
	ctx := context.Background()

	req := Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper"}
	res := r.Resolve(ctx, req)
	if !res.Known() || res.Layer != "l2" {
		t.Fatalf("first resolve = %+v", res)
	}
	if res.Assertion.Scope != store.ScopeTrue || res.Assertion.EffectiveStart != "2025-08-01" {
		t.Errorf("assertion = %+v", res.Assertion)
	}

	// Back-to-back call: same answer, served from L1 with no LLM work.
	res2 := r.Resolve(ctx, req)
	if !res2.Known() || res2.Layer != "l1" {
		t.Fatalf("second resolve = %+v", res2)
	}
	if res2.Assertion.ID != res.Assertion.ID {
		t.Errorf("answers differ: %d vs %d", res2.Assertion.ID, res.Assertion.ID)
	}
	if retriever.calls != 1 {
		t.Errorf("retriever called %d times, want 1", retriever.calls)
	}

	// Audit: one l2 row, one l1 row.
	summary, err := s.AuditSummary(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if summary.Resolves != 2 || summary.L1Hits != 1 || summary.L2Promotions != 1 {
		t.Errorf("audit summary = %+v", summary)
	}
}

func TestResolveL1PrefixMatch(t *testing.T) {
	s := newResolverStore(t)
	docID, chunks := seedCorpusDoc(t, s, copperBulletin)
	_ = docID

	// Promote an 8-digit assertion through the normal pipeline.
	r := newResolver(s, &fakeRetriever{chunks: chunks}, &fakeReader{scope: store.ScopeTrue}, &fakeValidator{verified: true}, nil)
	ctx := context.Background()
	res := r.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.90", Material: "copper"})
	if !res.Known() {
		t.Fatalf("seed resolve = %+v", res)
	}

	// A 10-digit query is served by the 8-digit row at L1.
	empty := &fakeRetriever{}
	r2 := newResolver(s, empty, &fakeReader{scope: store.ScopeUnknown}, &fakeValidator{}, nil)
	res10 := r2.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper"})
	if !res10.Known() || res10.Layer != "l1" {
		t.Fatalf("10-digit resolve = %+v", res10)
	}
	if empty.calls != 0 {
		t.Error("L1 hit must not touch the corpus index")
	}

	// An 8-digit query with a different subheading does not match the
	// stored row: it misses and, with an empty corpus response, is Unknown.
	resMiss := r2.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.91", Material: "copper"})
	if resMiss.Known() {
		t.Fatalf("miss = %+v", resMiss)
	}
	if resMiss.Reason != UnknownNoChunks {
		t.Errorf("reason = %q", resMiss.Reason)
	}
}

func TestResolveGateRejectionDoesNotFallToDiscovery(t *testing.T) {
	s := newResolverStore(t)
	_, chunks := seedCorpusDoc(t, s, copperBulletin)

	disco := &fakeDiscoveryAgent{}
	discovery := NewDiscovery(disco, connector.NewRegistry(), &storeIngestor{s: s, ch: chunker.New(chunker.Config{})}, DiscoveryConfig{})

	// Validator refuses: the gate must reject and the resolver must stop.
	r := newResolver(s, &fakeRetriever{chunks: chunks}, &fakeReader{scope: store.ScopeTrue}, &fakeValidator{verified: false}, discovery)
	ctx := context.Background()

	res := r.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper"})
	if res.Outcome != OutcomeUnknown || res.Reason != UnknownGateRejected {
		t.Fatalf("res = %+v", res)
	}
	if disco.calls != 0 {
		t.Error("L2 had chunks; discovery must not run")
	}

	// No assertion was written by the Unknown call.
	stats, _ := s.Stats(ctx)
	if stats.Assertions != 0 {
		t.Errorf("assertions = %d, want 0", stats.Assertions)
	}
	// The rejection landed in the review queue with transcripts.
	pending, _ := s.PendingReviews(ctx, 10)
	if len(pending) != 1 || pending[0].ReaderOutput == "" || pending[0].ValidatorOutput == "" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestResolveReaderUnknown(t *testing.T) {
	s := newResolverStore(t)
	_, chunks := seedCorpusDoc(t, s, copperBulletin)
	r := newResolver(s, &fakeRetriever{chunks: chunks}, &fakeReader{scope: store.ScopeUnknown}, &fakeValidator{verified: true}, nil)

	res := r.Resolve(context.Background(), Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper"})
	if res.Outcome != OutcomeUnknown || res.Reason != UnknownReaderUncertain {
		t.Fatalf("res = %+v", res)
	}
	stats, _ := s.Stats(context.Background())
	if stats.Assertions != 0 {
		t.Errorf("assertions = %d, want 0", stats.Assertions)
	}
}

func TestResolveDiscoveryBootstrap(t *testing.T) {
	s := newResolverStore(t)
	ctx := context.Background()

	// A CSMS bulletin served over HTTP, not yet in the corpus.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "<html><body><h1>CSMS # 65236645</h1><p>%s</p></body></html>", copperBulletin)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	csms := connector.NewCSMS(connector.CSMSConfig{Allowlist: []string{u.Hostname()}})
	disco := &fakeDiscoveryAgent{candidates: []agent.Candidate{{
		SourceKind: "csms_bulletin", Locator: srv.URL + "/bulletins/65236645",
		WhyRelevant: "copper scope guidance",
	}}}
	discovery := NewDiscovery(disco, connector.NewRegistry(csms),
		&storeIngestor{s: s, ch: chunker.New(chunker.Config{})}, DiscoveryConfig{})

	// Real retrieval over the real store: empty corpus at first, so the
	// resolver escalates to discovery, then the re-run finds the chunk.
	retriever := retrieval.New(s, fakeEmbedder{}, retrieval.Config{})
	r := newResolver(s, retriever, &fakeReader{scope: store.ScopeTrue}, &fakeValidator{verified: true}, discovery)

	res := r.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper"})
	if !res.Known() || res.Layer != "l3" {
		t.Fatalf("res = %+v", res)
	}
	if disco.calls != 1 {
		t.Errorf("discovery calls = %d", disco.calls)
	}

	// Second resolve is an L1 hit.
	res2 := r.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper"})
	if !res2.Known() || res2.Layer != "l1" {
		t.Fatalf("second res = %+v", res2)
	}
}

func TestResolveUnprovableQueryNoIngestStorm(t *testing.T) {
	s := newResolverStore(t)
	ctx := context.Background()

	disco := &fakeDiscoveryAgent{} // returns no candidates
	discovery := NewDiscovery(disco, connector.NewRegistry(),
		&storeIngestor{s: s, ch: chunker.New(chunker.Config{})},
		DiscoveryConfig{MaxPerHour: 2})

	r := newResolver(s, &fakeRetriever{}, &fakeReader{scope: store.ScopeUnknown}, &fakeValidator{}, discovery)

	req := Request{Program: "section_232_copper", HTS: "9999.99.9999", Material: "copper"}
	for i := 0; i < 2; i++ {
		res := r.Resolve(ctx, req)
		if res.Outcome != OutcomeUnknown || res.Reason != UnknownDiscoveryEmpty {
			t.Fatalf("call %d: res = %+v", i, res)
		}
	}
	// Hourly cap: further calls stop invoking discovery entirely.
	res := r.Resolve(ctx, req)
	if res.Outcome != OutcomeUnknown || res.Reason != UnknownDiscoveryCapped {
		t.Fatalf("capped res = %+v", res)
	}
	if disco.calls != 2 {
		t.Errorf("discovery agent calls = %d, want 2", disco.calls)
	}

	stats, _ := s.Stats(ctx)
	if stats.Documents != 0 || stats.Assertions != 0 {
		t.Errorf("unprovable query must ingest nothing: %+v", stats)
	}
}

func TestResolveForceRateLimited(t *testing.T) {
	s := newResolverStore(t)
	_, chunks := seedCorpusDoc(t, s, copperBulletin)
	r := newResolver(s, &fakeRetriever{chunks: chunks}, &fakeReader{scope: store.ScopeTrue}, &fakeValidator{verified: true}, nil)
	ctx := context.Background()

	req := Request{Program: "section_232_copper", HTS: "8544.42.9090", Material: "copper", Force: true, Operator: "op-1"}
	if res := r.Resolve(ctx, req); !res.Known() {
		t.Fatalf("first force = %+v", res)
	}
	res := r.Resolve(ctx, req)
	if res.Outcome != OutcomeError || res.Err.Kind != ErrKindRateLimited {
		t.Fatalf("second force = %+v", res)
	}
	// A different operator has its own budget; its L2 re-run hits the
	// supersession check (same effective date) and lands in review.
	req.Operator = "op-2"
	res = r.Resolve(ctx, req)
	if res.Outcome != OutcomeUnknown || res.Reason != UnknownGateRejected {
		t.Fatalf("other operator force = %+v", res)
	}
}

func TestResolveIndexUnavailable(t *testing.T) {
	s := newResolverStore(t)
	r := newResolver(s, &fakeRetriever{err: fmt.Errorf("index down")}, &fakeReader{}, &fakeValidator{}, nil)

	res := r.Resolve(context.Background(), Request{Program: "section_232_copper", HTS: "8544.42.9090"})
	if res.Outcome != OutcomeError || res.Err.Kind != ErrKindIndexUnavailable {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveSchemaViolationGoesToReview(t *testing.T) {
	s := newResolverStore(t)
	_, chunks := seedCorpusDoc(t, s, copperBulletin)
	r := newResolver(s, &fakeRetriever{chunks: chunks},
		&fakeReader{err: fmt.Errorf("%w: bad json", agent.ErrSchemaViolation)},
		&fakeValidator{verified: true}, nil)
	ctx := context.Background()

	res := r.Resolve(ctx, Request{Program: "section_232_copper", HTS: "8544.42.9090"})
	if res.Outcome != OutcomeUnknown || res.Reason != UnknownSchemaViolation {
		t.Fatalf("res = %+v", res)
	}
	pending, _ := s.PendingReviews(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("pending = %+v", pending)
	}
}
