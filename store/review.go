package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// BlockReason is a structured write-gate rejection reason.
type BlockReason string

const (
	ReasonMissingCitationTarget BlockReason = "missing_citation_target"
	ReasonTierNotA              BlockReason = "tier_not_a"
	ReasonQuoteNotSubstring     BlockReason = "quote_not_substring"
	ReasonHTSNotInWindow        BlockReason = "hts_absent_from_quote"
	ReasonClaimCodeMissing      BlockReason = "claim_code_missing"
	ReasonClaimCodeNotInDoc     BlockReason = "claim_code_not_in_document"
	ReasonValidatorFailed       BlockReason = "validator_failed"
	ReasonSupersessionConflict  BlockReason = "supersession_conflict"
	ReasonSchemaViolation       BlockReason = "schema_violation"
	ReasonNoCoverage            BlockReason = "no_corpus_coverage"
	ReasonVariantConflict       BlockReason = "variant_priority_conflict"
)

// ReviewEntry is a blocked or ambiguous promotion attempt awaiting an
// operator decision.
type ReviewEntry struct {
	ID              int64         `json:"id"`
	Query           string        `json:"query"`
	ReaderOutput    string        `json:"reader_output,omitempty"`
	ValidatorOutput string        `json:"validator_output,omitempty"`
	Reasons         []BlockReason `json:"reasons"`
	Status          string        `json:"status"`
	OperatorID      string        `json:"operator_id,omitempty"`
	CreatedAt       string        `json:"created_at"`
	ResolvedAt      string        `json:"resolved_at,omitempty"`
}

// InsertReview appends a review-queue entry and returns its ID.
func (s *Store) InsertReview(ctx context.Context, e ReviewEntry) (int64, error) {
	reasons, _ := json.Marshal(e.Reasons)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO review_queue (query, reader_output, validator_output, reasons)
		VALUES (?, ?, ?, ?)
	`, e.Query, e.ReaderOutput, e.ValidatorOutput, string(reasons))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingReviews lists entries still awaiting a decision, oldest first.
func (s *Store) PendingReviews(ctx context.Context, limit int) ([]ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, COALESCE(reader_output, ''), COALESCE(validator_output, ''),
			reasons, status, COALESCE(operator_id, ''), created_at, COALESCE(resolved_at, '')
		FROM review_queue WHERE status = 'pending' ORDER BY created_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ReviewEntry
	for rows.Next() {
		var e ReviewEntry
		var reasons string
		if err := rows.Scan(&e.ID, &e.Query, &e.ReaderOutput, &e.ValidatorOutput,
			&reasons, &e.Status, &e.OperatorID, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(reasons), &e.Reasons)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetReview retrieves a single review entry.
func (s *Store) GetReview(ctx context.Context, id int64) (*ReviewEntry, error) {
	e := &ReviewEntry{}
	var reasons string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, query, COALESCE(reader_output, ''), COALESCE(validator_output, ''),
			reasons, status, COALESCE(operator_id, ''), created_at, COALESCE(resolved_at, '')
		FROM review_queue WHERE id = ?
	`, id).Scan(&e.ID, &e.Query, &e.ReaderOutput, &e.ValidatorOutput,
		&reasons, &e.Status, &e.OperatorID, &e.CreatedAt, &e.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(reasons), &e.Reasons)
	return e, nil
}

// ResolveReview records an operator decision. status must be "approved"
// or "rejected"; the operator id is retained for the audit trail.
func (s *Store) ResolveReview(ctx context.Context, id int64, status, operatorID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE review_queue SET status = ?, operator_id = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, operatorID, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// --- Audit log ---

// AuditEntry records one resolution, ingest, or promote event.
type AuditEntry struct {
	ID           int64  `json:"id"`
	TraceID      string `json:"trace_id"`
	Query        string `json:"query"`
	LayerServed  string `json:"layer_served,omitempty"` // l1, l2, l3
	Outcome      string `json:"outcome"`                // known, unknown, error, ingested, promoted
	LatencyMS    int64  `json:"latency_ms"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	CostMicroUSD int64  `json:"cost_microusd"`
	ModelUsed    string `json:"model_used,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// AppendAudit writes an audit row. Append-only; no coordination required.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, query, layer_served, outcome, latency_ms,
			tokens_in, tokens_out, cost_microusd, model_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TraceID, e.Query, e.LayerServed, e.Outcome, e.LatencyMS,
		e.TokensIn, e.TokensOut, e.CostMicroUSD, e.ModelUsed)
	return err
}

// AuditStats aggregates the audit log for dashboards: cache-hit rate (L1
// hits), discovery rate (L3 runs), unknown and error counts, and spend.
// Validator failures have no counter of their own.
type AuditStats struct {
	Resolves       int   `json:"resolves"`
	L1Hits         int   `json:"l1_hits"`
	L2Promotions   int   `json:"l2_promotions"`
	L3Runs         int   `json:"l3_runs"`
	Unknowns       int   `json:"unknowns"`
	Errors         int   `json:"errors"`
	TotalTokensIn  int64 `json:"total_tokens_in"`
	TotalTokensOut int64 `json:"total_tokens_out"`
	CostMicroUSD   int64 `json:"cost_microusd"`
}

// AuditSummary computes aggregate counters over the audit log.
func (s *Store) AuditSummary(ctx context.Context) (*AuditStats, error) {
	st := &AuditStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN layer_served = 'l1' THEN 1 ELSE 0 END),
			SUM(CASE WHEN layer_served = 'l2' AND outcome = 'known' THEN 1 ELSE 0 END),
			SUM(CASE WHEN layer_served = 'l3' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'unknown' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_microusd), 0)
		FROM audit_log
	`).Scan(&st.Resolves, &nullInt{&st.L1Hits}, &nullInt{&st.L2Promotions},
		&nullInt{&st.L3Runs}, &nullInt{&st.Unknowns}, &nullInt{&st.Errors},
		&st.TotalTokensIn, &st.TotalTokensOut, &st.CostMicroUSD)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// nullInt scans a SUM() that is NULL on an empty table into an int.
type nullInt struct{ dest *int }

func (n *nullInt) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*n.dest = 0
	case int64:
		*n.dest = int(x)
	case float64:
		*n.dest = int(x)
	}
	return nil
}
