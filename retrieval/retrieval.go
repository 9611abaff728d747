// Package retrieval implements the hybrid corpus index: dense-vector
// similarity over sqlite-vec fused with FTS5 lexical matching, restricted
// to Tier-A chunks. Retrieval is deterministic for a given corpus
// snapshot.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/halverson/tariffproof/hts"
	"github.com/halverson/tariffproof/llm"
	"github.com/halverson/tariffproof/store"
)

// DefaultK is the default number of chunks returned per query.
const DefaultK = 8

// Config holds retrieval engine configuration. The weights form the
// convex combination of dense and lexical scores and are renormalized to
// sum to 1 at query time.
type Config struct {
	WeightDense   float64
	WeightLexical float64
	// Fetch multiplier: each underlying search retrieves k*FetchFactor
	// candidates before fusion so the fused ranking is stable.
	FetchFactor int
}

// Filters narrows a retrieval request. Tier A is always a hard filter at
// the store layer; the HTS, when present, contributes its dotted and
// undotted forms as equivalent lexical terms.
type Filters struct {
	ProgramHint string
	HTS         *hts.HTS
}

// Trace records the breakdown of one hybrid retrieval.
type Trace struct {
	DenseResults   int     `json:"dense_results"`
	LexicalResults int     `json:"lexical_results"`
	FusedResults   int     `json:"fused_results"`
	WeightDense    float64 `json:"weight_dense"`
	WeightLexical  float64 `json:"weight_lexical"`
	FTSQuery       string  `json:"fts_query"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

// Engine performs hybrid retrieval over the document corpus.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a retrieval engine.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	if cfg.WeightDense == 0 && cfg.WeightLexical == 0 {
		cfg.WeightDense, cfg.WeightLexical = 0.6, 0.4
	}
	if cfg.FetchFactor == 0 {
		cfg.FetchFactor = 4
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Retrieve returns up to k Tier-A chunks ranked by the convex combination
// of dense cosine similarity and lexical match score. An empty result is
// not an error; callers treat it as a corpus-coverage miss.
func (e *Engine) Retrieve(ctx context.Context, query string, f Filters, k int) ([]store.RetrievalResult, *Trace, error) {
	if k <= 0 {
		k = DefaultK
	}
	wd, wl := normalizeWeights(e.cfg.WeightDense, e.cfg.WeightLexical)

	ftsQuery := buildFTSQuery(query, f)
	trace := &Trace{
		WeightDense:   wd,
		WeightLexical: wl,
		FTSQuery:      ftsQuery,
	}

	fetch := k * e.cfg.FetchFactor
	start := time.Now()

	type result struct {
		results []store.RetrievalResult
		err     error
	}
	denseCh := make(chan result, 1)
	lexCh := make(chan result, 1)

	go func() {
		r, err := e.denseSearch(ctx, query, fetch)
		denseCh <- result{r, err}
	}()
	go func() {
		if ftsQuery == "" {
			lexCh <- result{nil, nil}
			return
		}
		r, err := e.store.FTSSearch(ctx, ftsQuery, fetch)
		lexCh <- result{r, err}
	}()

	dense := <-denseCh
	lex := <-lexCh

	// Lexical failure is fatal: the index is the authority for exact HTS
	// matches. Dense failure degrades to lexical-only with a warning, so
	// an unreachable embedder does not take resolution down.
	if lex.err != nil {
		return nil, trace, fmt.Errorf("lexical search: %w", lex.err)
	}
	if dense.err != nil {
		slog.Warn("retrieval: dense search failed, using lexical only", "error", dense.err)
		dense.results = nil
		wd, wl = 0, 1
	}

	trace.DenseResults = len(dense.results)
	trace.LexicalResults = len(lex.results)

	fused := fuseConvex(dense.results, lex.results, wd, wl, k)
	trace.FusedResults = len(fused)
	trace.ElapsedMs = time.Since(start).Milliseconds()

	slog.Debug("retrieval: hybrid search complete",
		"dense", trace.DenseResults, "lexical", trace.LexicalResults,
		"fused", trace.FusedResults, "elapsed_ms", trace.ElapsedMs)

	return fused, trace, nil
}

func (e *Engine) denseSearch(ctx context.Context, query string, k int) ([]store.RetrievalResult, error) {
	if e.embedder == nil {
		return nil, nil
	}
	embs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	return e.store.VectorSearch(ctx, embs[0], k)
}

func normalizeWeights(wd, wl float64) (float64, float64) {
	sum := wd + wl
	if sum <= 0 {
		return 0.5, 0.5
	}
	return wd / sum, wl / sum
}

// ftsTokenPattern keeps word and number tokens; FTS5 operators and
// punctuation are stripped so user text can never break the MATCH syntax.
var ftsTokenPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// ftsStopwords are query-composition words that carry no lexical signal.
var ftsStopwords = map[string]bool{
	"is": true, "the": true, "a": true, "an": true, "of": true, "for": true,
	"to": true, "in": true, "under": true, "within": true, "scope": true,
}

// buildFTSQuery produces the OR-query sent to FTS5. HTS codes contribute
// both their dotted (as a quoted phrase, since FTS treats '.' as a
// separator) and undotted forms as equivalent terms; the program hint
// contributes its words.
func buildFTSQuery(query string, f Filters) string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}

	if f.HTS != nil {
		add(`"` + strings.ReplaceAll(f.HTS.Dotted(), ".", " ") + `"`)
		add(f.HTS.Undotted())
	}
	for _, tok := range ftsTokenPattern.FindAllString(query, -1) {
		lower := strings.ToLower(tok)
		if len(lower) < 2 || ftsStopwords[lower] {
			continue
		}
		add(lower)
	}
	if f.ProgramHint != "" {
		for _, w := range strings.Split(f.ProgramHint, "_") {
			if len(w) >= 2 {
				add(strings.ToLower(w))
			}
		}
	}
	return strings.Join(terms, " OR ")
}
