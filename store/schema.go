package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Tier-A document registry. Rows are append-only: documents are never
-- mutated after ingest, superseded documents remain queryable.
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    source_kind TEXT NOT NULL,
    tier TEXT NOT NULL CHECK (tier IN ('A','B','C')),
    canonical_id TEXT NOT NULL,
    url TEXT NOT NULL,
    published_at DATETIME,
    effective_start DATE,
    sha256_raw TEXT NOT NULL UNIQUE,
    raw BLOB,
    extracted_text TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Contiguous fragments of a document's extracted text, written once at
-- ingest. Ordered concatenation spans the extracted text.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id),
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    page_number INTEGER,
    section TEXT,
    char_start INTEGER NOT NULL,
    char_end INTEGER NOT NULL,
    UNIQUE(document_id, chunk_index)
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    section,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content, section) VALUES (new.id, new.content, new.section);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, section) VALUES ('delete', old.id, old.content, old.section);
END;

-- Verbatim evidence excerpts. quote_text must be an exact substring of the
-- owning chunk under normalized-whitespace comparison; the write gate is
-- the only writer.
CREATE TABLE IF NOT EXISTS evidence_quotes (
    id INTEGER PRIMARY KEY,
    chunk_id INTEGER NOT NULL REFERENCES chunks(id),
    quote_text TEXT NOT NULL,
    char_start INTEGER,
    char_end INTEGER,
    quote_sha256 TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Temporally versioned verified assertions. Insertion is the only
-- mutation; closing sets effective_end exactly once.
CREATE TABLE IF NOT EXISTS assertions (
    id INTEGER PRIMARY KEY,
    program TEXT NOT NULL,
    hts TEXT NOT NULL,
    material TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL CHECK (kind IN ('in_scope','out_of_scope','rate')),
    scope TEXT NOT NULL CHECK (scope IN ('true','false','unknown')),
    rate_bps INTEGER,
    claim_code TEXT,
    disclaim_code TEXT,
    effective_start DATE NOT NULL,
    effective_end DATE,
    document_id INTEGER NOT NULL REFERENCES documents(id),
    evidence_quote_id INTEGER NOT NULL REFERENCES evidence_quotes(id),
    reader_transcript TEXT,
    validator_transcript TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(program, hts, material, kind, effective_start)
);

-- Blocked or ambiguous promotion attempts awaiting operator review.
CREATE TABLE IF NOT EXISTS review_queue (
    id INTEGER PRIMARY KEY,
    query TEXT NOT NULL,
    reader_output TEXT,
    validator_output TEXT,
    reasons TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','approved','rejected')),
    operator_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME
);

-- One row per resolution attempt; source of truth for cost and cache-hit
-- dashboards.
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY,
    trace_id TEXT NOT NULL,
    query TEXT NOT NULL,
    layer_served TEXT,
    outcome TEXT NOT NULL,
    latency_ms INTEGER,
    tokens_in INTEGER DEFAULT 0,
    tokens_out INTEGER DEFAULT 0,
    cost_microusd INTEGER DEFAULT 0,
    model_used TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(sha256_raw);
CREATE INDEX IF NOT EXISTS idx_documents_kind ON documents(source_kind);
CREATE INDEX IF NOT EXISTS idx_assertions_key ON assertions(program, hts, material, kind);
CREATE INDEX IF NOT EXISTS idx_assertions_open ON assertions(program, hts) WHERE effective_end IS NULL;
CREATE INDEX IF NOT EXISTS idx_review_status ON review_queue(status);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`, embeddingDim)
}
