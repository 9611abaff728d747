package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Scope is the tri-valued answer to "is this HTS within scope".
type Scope string

const (
	ScopeTrue    Scope = "true"
	ScopeFalse   Scope = "false"
	ScopeUnknown Scope = "unknown"
)

// AssertionKind distinguishes the fact classes the truth store carries.
type AssertionKind string

const (
	KindInScope    AssertionKind = "in_scope"
	KindOutOfScope AssertionKind = "out_of_scope"
	KindRate       AssertionKind = "rate"
)

// ErrSupersessionConflict is returned when a new assertion's effective
// start is earlier than or equal to that of an existing in-force row.
var ErrSupersessionConflict = errors.New("store: supersession conflict")

// VerifiedAssertion is a fact the system stands behind, always backed by
// an evidence quote inside a Tier-A document.
type VerifiedAssertion struct {
	ID                  int64         `json:"id"`
	Program             string        `json:"program"`
	HTS                 string        `json:"hts"` // digits-only, 8 or 10
	Material            string        `json:"material,omitempty"`
	Kind                AssertionKind `json:"kind"`
	Scope               Scope         `json:"scope"`
	RateBPS             int64         `json:"rate_bps,omitempty"` // four-decimal fixed point: rate x 10000
	ClaimCode           string        `json:"claim_code,omitempty"`
	DisclaimCode        string        `json:"disclaim_code,omitempty"`
	EffectiveStart      string        `json:"effective_start"`         // YYYY-MM-DD
	EffectiveEnd        string        `json:"effective_end,omitempty"` // empty = currently in force
	DocumentID          int64         `json:"document_id"`
	EvidenceQuoteID     int64         `json:"evidence_quote_id"`
	ReaderTranscript    string        `json:"-"`
	ValidatorTranscript string        `json:"-"`
	CreatedAt           string        `json:"created_at"`
}

// InForce reports whether the assertion has no effective end.
func (a *VerifiedAssertion) InForce() bool { return a.EffectiveEnd == "" }

const assertionCols = `id, program, hts, material, kind, scope,
	COALESCE(rate_bps, 0), COALESCE(claim_code, ''), COALESCE(disclaim_code, ''),
	CAST(effective_start AS TEXT), COALESCE(effective_end, ''), document_id, evidence_quote_id,
	COALESCE(reader_transcript, ''), COALESCE(validator_transcript, ''), created_at`

func scanAssertion(row interface{ Scan(...any) error }) (*VerifiedAssertion, error) {
	a := &VerifiedAssertion{}
	err := row.Scan(&a.ID, &a.Program, &a.HTS, &a.Material, &a.Kind, &a.Scope,
		&a.RateBPS, &a.ClaimCode, &a.DisclaimCode,
		&a.EffectiveStart, &a.EffectiveEnd, &a.DocumentID, &a.EvidenceQuoteID,
		&a.ReaderTranscript, &a.ValidatorTranscript, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CurrentAssertion returns the in-force assertion for the exact key, or
// nil when none exists. Callers handle the 10-digit-query / 8-digit-row
// prefix fallback by calling again with the 8-digit prefix.
func (s *Store) CurrentAssertion(ctx context.Context, program, htsDigits, material string, kind AssertionKind) (*VerifiedAssertion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assertionCols+` FROM assertions
		WHERE program = ? AND hts = ? AND material = ? AND kind = ?
		  AND effective_end IS NULL
	`, program, htsDigits, material, string(kind))
	a, err := scanAssertion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// GetAssertion retrieves an assertion by ID.
func (s *Store) GetAssertion(ctx context.Context, id int64) (*VerifiedAssertion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assertionCols+` FROM assertions WHERE id = ?`, id)
	return scanAssertion(row)
}

// AssertionAsOf returns the assertion whose effective range covered the
// given date (YYYY-MM-DD), or nil.
func (s *Store) AssertionAsOf(ctx context.Context, program, htsDigits, material string, kind AssertionKind, date string) (*VerifiedAssertion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assertionCols+` FROM assertions
		WHERE program = ? AND hts = ? AND material = ? AND kind = ?
		  AND effective_start <= ?
		  AND (effective_end IS NULL OR effective_end > ?)
		ORDER BY effective_start DESC
		LIMIT 1
	`, program, htsDigits, material, string(kind), date, date)
	a, err := scanAssertion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// AssertionsInForce enumerates every assertion in force on the given date,
// used to rebuild the compiled current view.
func (s *Store) AssertionsInForce(ctx context.Context, date string) ([]VerifiedAssertion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assertionCols+` FROM assertions
		WHERE effective_start <= ?
		  AND (effective_end IS NULL OR effective_end > ?)
		ORDER BY program, hts, material, kind
	`, date, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerifiedAssertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AssertionHistory returns all rows for a key ordered by effective start.
func (s *Store) AssertionHistory(ctx context.Context, program, htsDigits, material string, kind AssertionKind) ([]VerifiedAssertion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assertionCols+` FROM assertions
		WHERE program = ? AND hts = ? AND material = ? AND kind = ?
		ORDER BY effective_start
	`, program, htsDigits, material, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerifiedAssertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// PromoteResult reports what a promotion wrote.
type PromoteResult struct {
	AssertionID int64
	QuoteID     int64
	ClosedID    int64 // 0 when nothing was superseded
}

// PromoteAssertion atomically writes an accepted result: the evidence
// quote, the new assertion row, and the close of any superseded row, in a
// single transaction. Partial states where both rows are open or both
// closed are never observable. The assertion's EvidenceQuoteID is
// assigned from the inserted quote. A new effective_start earlier than or
// equal to that of an existing in-force row fails with
// ErrSupersessionConflict — history is never rewritten.
func (s *Store) PromoteAssertion(ctx context.Context, a VerifiedAssertion, quote EvidenceQuote) (*PromoteResult, error) {
	res := &PromoteResult{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Supersession plan: find the in-force row for this key, if any.
		var existingID int64
		var existingStart string
		row := tx.QueryRowContext(ctx, `
			SELECT id, CAST(effective_start AS TEXT) FROM assertions
			WHERE program = ? AND hts = ? AND material = ? AND kind = ?
			  AND effective_end IS NULL
		`, a.Program, a.HTS, a.Material, string(a.Kind))
		switch err := row.Scan(&existingID, &existingStart); {
		case err == nil:
			if a.EffectiveStart < existingStart {
				return fmt.Errorf("%w: new start %s predates in-force start %s",
					ErrSupersessionConflict, a.EffectiveStart, existingStart)
			}
			if a.EffectiveStart == existingStart {
				return fmt.Errorf("%w: assertion already in force from %s",
					ErrSupersessionConflict, existingStart)
			}
		case errors.Is(err, sql.ErrNoRows):
			existingID = 0
		default:
			return err
		}

		quoteID, err := insertEvidenceQuoteTx(ctx, tx, quote)
		if err != nil {
			return fmt.Errorf("inserting evidence quote: %w", err)
		}
		res.QuoteID = quoteID

		if existingID != 0 {
			// Close the superseded row exactly once.
			if _, err := tx.ExecContext(ctx, `
				UPDATE assertions SET effective_end = ?
				WHERE id = ? AND effective_end IS NULL
			`, a.EffectiveStart, existingID); err != nil {
				return fmt.Errorf("closing superseded assertion: %w", err)
			}
			res.ClosedID = existingID
		}

		ins, err := tx.ExecContext(ctx, `
			INSERT INTO assertions (program, hts, material, kind, scope, rate_bps,
				claim_code, disclaim_code, effective_start, document_id,
				evidence_quote_id, reader_transcript, validator_transcript)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.Program, a.HTS, a.Material, string(a.Kind), string(a.Scope), a.RateBPS,
			nullIfEmpty(a.ClaimCode), nullIfEmpty(a.DisclaimCode), a.EffectiveStart,
			a.DocumentID, quoteID, a.ReaderTranscript, a.ValidatorTranscript)
		if err != nil {
			return fmt.Errorf("inserting assertion: %w", err)
		}
		res.AssertionID, err = ins.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Compiled current view ---

// CurrentView is a derived projection of the in-force assertions, rebuilt
// from the truth store after every write for O(1) hot-path lookups by the
// stacking engine. It is never maintained incrementally by hand.
type CurrentView struct {
	mu   sync.RWMutex
	byKey map[currentKey]VerifiedAssertion
}

type currentKey struct {
	program, hts, material string
	kind                   AssertionKind
}

// NewCurrentView returns an empty view; call Rebuild before use.
func NewCurrentView() *CurrentView {
	return &CurrentView{byKey: make(map[currentKey]VerifiedAssertion)}
}

// Rebuild replaces the view's contents from the store's in-force rows.
func (v *CurrentView) Rebuild(ctx context.Context, s *Store, date string) error {
	rows, err := s.AssertionsInForce(ctx, date)
	if err != nil {
		return err
	}
	m := make(map[currentKey]VerifiedAssertion, len(rows))
	for _, a := range rows {
		m[currentKey{a.Program, a.HTS, a.Material, a.Kind}] = a
	}
	v.mu.Lock()
	v.byKey = m
	v.mu.Unlock()
	return nil
}

// Lookup returns the compiled in-force assertion for the exact key.
func (v *CurrentView) Lookup(program, htsDigits, material string, kind AssertionKind) (VerifiedAssertion, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.byKey[currentKey{program, htsDigits, material, kind}]
	return a, ok
}
