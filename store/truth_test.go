//go:build cgo

package store

import (
	"context"
	"errors"
	"testing"
)

func seedEvidence(t *testing.T, s *Store) (docID, chunkID int64) {
	t.Helper()
	ctx := context.Background()
	docID, _, err := s.CreateDocumentIfNew(ctx, sampleDoc("truth-"+t.Name()))
	if err != nil {
		t.Fatalf("creating document: %v", err)
	}
	ids := insertTestChunks(t, s, docID,
		"Products of 8544.42.9090 containing copper are subject to the additional duty under heading 9903.78.01.")
	return docID, ids[0]
}

func sampleAssertion(docID int64, start string) VerifiedAssertion {
	return VerifiedAssertion{
		Program:        "section_232_copper",
		HTS:            "8544429090",
		Material:       "copper",
		Kind:           KindInScope,
		Scope:          ScopeTrue,
		ClaimCode:      "9903.78.01",
		EffectiveStart: start,
		DocumentID:     docID,
	}
}

func sampleQuote(chunkID int64) EvidenceQuote {
	return EvidenceQuote{
		ChunkID:   chunkID,
		QuoteText: "Products of 8544.42.9090 containing copper are subject to the additional duty",
		QuoteSHA:  "deadbeef",
	}
}

// ---------------------------------------------------------------------------
// Promotion, supersession, temporal integrity
// ---------------------------------------------------------------------------

func TestPromoteAndCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, chunkID := seedEvidence(t, s)

	res, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-03-12"), sampleQuote(chunkID))
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if res.AssertionID == 0 || res.QuoteID == 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.ClosedID != 0 {
		t.Errorf("nothing should have been superseded, got ClosedID=%d", res.ClosedID)
	}

	cur, err := s.CurrentAssertion(ctx, "section_232_copper", "8544429090", "copper", KindInScope)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur == nil || !cur.InForce() || cur.Scope != ScopeTrue {
		t.Fatalf("current = %+v", cur)
	}
	if cur.EvidenceQuoteID != res.QuoteID {
		t.Errorf("EvidenceQuoteID = %d, want %d", cur.EvidenceQuoteID, res.QuoteID)
	}

	q, err := s.GetEvidenceQuote(ctx, cur.EvidenceQuoteID)
	if err != nil || q.ChunkID != chunkID {
		t.Errorf("evidence quote = %+v, %v", q, err)
	}
}

func TestSupersessionClosesExactlyOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, chunkID := seedEvidence(t, s)

	first, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-03-12"), sampleQuote(chunkID))
	if err != nil {
		t.Fatalf("first promote: %v", err)
	}

	second, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-08-01"), sampleQuote(chunkID))
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}
	if second.ClosedID != first.AssertionID {
		t.Errorf("ClosedID = %d, want %d", second.ClosedID, first.AssertionID)
	}

	history, err := s.AssertionHistory(ctx, "section_232_copper", "8544429090", "copper", KindInScope)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d rows, want 2", len(history))
	}
	// Non-overlapping, totally ordered ranges: old row closed at new start.
	if history[0].EffectiveEnd != "2025-08-01" {
		t.Errorf("old row effective_end = %q, want 2025-08-01", history[0].EffectiveEnd)
	}
	if !history[1].InForce() {
		t.Error("new row should be in force")
	}

	// As-of queries see the correct row for each period.
	asOf, err := s.AssertionAsOf(ctx, "section_232_copper", "8544429090", "copper", KindInScope, "2025-05-01")
	if err != nil || asOf == nil || asOf.ID != first.AssertionID {
		t.Errorf("as-of 2025-05-01 = %+v, %v; want first row", asOf, err)
	}
	asOf, _ = s.AssertionAsOf(ctx, "section_232_copper", "8544429090", "copper", KindInScope, "2025-09-01")
	if asOf == nil || asOf.ID != second.AssertionID {
		t.Errorf("as-of 2025-09-01 = %+v; want second row", asOf)
	}
	asOf, _ = s.AssertionAsOf(ctx, "section_232_copper", "8544429090", "copper", KindInScope, "2025-01-01")
	if asOf != nil {
		t.Errorf("as-of before first start = %+v; want nil", asOf)
	}
}

func TestSupersessionConflictRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, chunkID := seedEvidence(t, s)

	if _, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-08-01"), sampleQuote(chunkID)); err != nil {
		t.Fatalf("promote: %v", err)
	}

	// Earlier effective_start than the in-force row: history is never rewritten.
	_, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-03-12"), sampleQuote(chunkID))
	if !errors.Is(err, ErrSupersessionConflict) {
		t.Fatalf("err = %v, want ErrSupersessionConflict", err)
	}

	// The conflict must not have closed the in-force row or added a row.
	history, _ := s.AssertionHistory(ctx, "section_232_copper", "8544429090", "copper", KindInScope)
	if len(history) != 1 || !history[0].InForce() {
		t.Errorf("history after conflict = %+v", history)
	}
}

func TestAssertionsInForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, chunkID := seedEvidence(t, s)

	if _, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-03-12"), sampleQuote(chunkID)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	steel := sampleAssertion(docID, "2025-06-04")
	steel.Program = "section_232_steel"
	steel.Material = "steel"
	if _, err := s.PromoteAssertion(ctx, steel, sampleQuote(chunkID)); err != nil {
		t.Fatalf("promote steel: %v", err)
	}

	rows, err := s.AssertionsInForce(ctx, "2025-07-01")
	if err != nil {
		t.Fatalf("in force: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	rows, _ = s.AssertionsInForce(ctx, "2025-04-01")
	if len(rows) != 1 {
		t.Errorf("got %d rows in force on 2025-04-01, want 1", len(rows))
	}
}

// ---------------------------------------------------------------------------
// Compiled current view
// ---------------------------------------------------------------------------

func TestCurrentViewRebuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, chunkID := seedEvidence(t, s)

	view := NewCurrentView()
	if _, ok := view.Lookup("section_232_copper", "8544429090", "copper", KindInScope); ok {
		t.Fatal("empty view should miss")
	}

	if _, err := s.PromoteAssertion(ctx, sampleAssertion(docID, "2025-03-12"), sampleQuote(chunkID)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := view.Rebuild(ctx, s, "2025-08-01"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	a, ok := view.Lookup("section_232_copper", "8544429090", "copper", KindInScope)
	if !ok || a.Scope != ScopeTrue {
		t.Fatalf("lookup = %+v, %v", a, ok)
	}
}
