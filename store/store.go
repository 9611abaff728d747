// Package store wraps the SQLite database holding the document corpus,
// the truth store of verified assertions, the review queue, and the audit
// log. All writes that can produce a fact are serialized through
// single-writer transactions here.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SourceKind identifies the origin class of a Tier-A document.
type SourceKind string

const (
	SourceFederalRegister SourceKind = "federal_register"
	SourceCSMSBulletin    SourceKind = "csms_bulletin"
	SourceUSITCHTS        SourceKind = "usitc_hts"
)

// Tier classifies document trustworthiness. Only Tier A documents may
// back verified assertions.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// Document represents a row in the documents table. Immutable once written.
type Document struct {
	ID             int64      `json:"id"`
	SourceKind     SourceKind `json:"source_kind"`
	Tier           Tier       `json:"tier"`
	CanonicalID    string     `json:"canonical_id"`
	URL            string     `json:"url"`
	PublishedAt    time.Time  `json:"published_at"`
	EffectiveStart string     `json:"effective_start"` // YYYY-MM-DD, from the document's own text
	SHA256Raw      string     `json:"sha256_raw"`
	Raw            []byte     `json:"-"`
	ExtractedText  string     `json:"extracted_text"`
	CreatedAt      string     `json:"created_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	PageNumber int    `json:"page_number"`
	Section    string `json:"section"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
}

// EvidenceQuote is a verbatim excerpt pulled from exactly one chunk.
type EvidenceQuote struct {
	ID         int64  `json:"id"`
	ChunkID    int64  `json:"chunk_id"`
	QuoteText  string `json:"quote_text"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
	QuoteSHA   string `json:"quote_sha256"`
}

// RetrievalResult holds a chunk with its retrieval scores and document info.
type RetrievalResult struct {
	ChunkID        int64   `json:"chunk_id"`
	DocumentID     int64   `json:"document_id"`
	ChunkIndex     int     `json:"chunk_index"`
	Content        string  `json:"content"`
	Section        string  `json:"section"`
	PageNumber     int     `json:"page_number"`
	SourceKind     string  `json:"source_kind"`
	CanonicalID    string  `json:"canonical_id"`
	EffectiveStart string  `json:"effective_start"`
	Score          float64 `json:"score"`
	LexicalScore   float64 `json:"lexical_score"`
}

// Store wraps the SQLite database for all tariffproof persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// CreateDocumentIfNew inserts a document unless one with the same raw-byte
// hash already exists, and returns the row ID either way. created reports
// whether a new row was written. sha256_raw is computed by the connector
// over the exact fetched bytes and never recomputed here.
func (s *Store) CreateDocumentIfNew(ctx context.Context, doc Document) (id int64, created bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT id FROM documents WHERE sha256_raw = ?", doc.SHA256Raw)
		switch scanErr := row.Scan(&id); scanErr {
		case nil:
			return nil // already ingested
		case sql.ErrNoRows:
			// fall through to insert
		default:
			return scanErr
		}

		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO documents (source_kind, tier, canonical_id, url, published_at,
				effective_start, sha256_raw, raw, extracted_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, string(doc.SourceKind), string(doc.Tier), doc.CanonicalID, doc.URL,
			doc.PublishedAt.UTC().Format(time.RFC3339), doc.EffectiveStart,
			doc.SHA256Raw, doc.Raw, doc.ExtractedText)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		created = true
		return execErr
	})
	return id, created, err
}

// GetDocument retrieves a document by ID (without raw bytes).
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	var publishedAt, effectiveStart sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_kind, tier, canonical_id, url, published_at,
			CAST(effective_start AS TEXT), sha256_raw, extracted_text, created_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.SourceKind, &doc.Tier, &doc.CanonicalID, &doc.URL,
		&publishedAt, &effectiveStart, &doc.SHA256Raw, &doc.ExtractedText, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if publishedAt.Valid {
		doc.PublishedAt, _ = time.Parse(time.RFC3339, publishedAt.String)
	}
	doc.EffectiveStart = effectiveStart.String
	return doc, nil
}

// GetDocumentByHash retrieves a document by its raw-byte hash.
func (s *Store) GetDocumentByHash(ctx context.Context, sha string) (*Document, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM documents WHERE sha256_raw = ?", sha).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, id)
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_kind, tier, canonical_id, url, COALESCE(published_at, ''),
			COALESCE(effective_start, ''), sha256_raw, created_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var publishedAt string
		if err := rows.Scan(&d.ID, &d.SourceKind, &d.Tier, &d.CanonicalID, &d.URL,
			&publishedAt, &d.EffectiveStart, &d.SHA256Raw, &d.CreatedAt); err != nil {
			return nil, err
		}
		if publishedAt != "" {
			d.PublishedAt, _ = time.Parse(time.RFC3339, publishedAt)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Chunk operations ---

// InsertChunks inserts a document's chunks in one transaction and returns
// their IDs. Chunks are written once per document at ingest.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_index, content, page_number, section, char_start, char_end)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			res, err := stmt.ExecContext(ctx,
				c.DocumentID, c.ChunkIndex, c.Content, c.PageNumber, c.Section,
				c.CharStart, c.CharEnd)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// GetChunk retrieves a single chunk by ID.
func (s *Store) GetChunk(ctx context.Context, id int64) (*Chunk, error) {
	c := &Chunk{}
	var section sql.NullString
	var page sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, chunk_index, content, page_number, section, char_start, char_end
		FROM chunks WHERE id = ?
	`, id).Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &page, &section,
		&c.CharStart, &c.CharEnd)
	if err != nil {
		return nil, err
	}
	c.Section = section.String
	c.PageNumber = int(page.Int64)
	return c, nil
}

// ChunksByDocument returns all chunks for a document in order.
func (s *Store) ChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, page_number, section, char_start, char_end
		FROM chunks WHERE document_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var section sql.NullString
		var page sql.NullInt64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&page, &section, &c.CharStart, &c.CharEnd); err != nil {
			return nil, err
		}
		c.Section = section.String
		c.PageNumber = int(page.Int64)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// NormalizeWhitespace lowercases nothing but collapses every run of
// whitespace to a single space and trims the ends. Both sides of every
// quote comparison go through this exact function.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SubstringPresent reports whether text appears verbatim inside any chunk
// of the document, under normalized-whitespace comparison. This is the
// only authoritative way to check a quote.
func (s *Store) SubstringPresent(ctx context.Context, docID int64, text string) (bool, error) {
	needle := NormalizeWhitespace(text)
	if needle == "" {
		return false, nil
	}
	chunks, err := s.ChunksByDocument(ctx, docID)
	if err != nil {
		return false, err
	}
	for _, c := range chunks {
		if strings.Contains(NormalizeWhitespace(c.Content), needle) {
			return true, nil
		}
	}
	return false, nil
}

// ChunkContains reports whether text appears verbatim inside the given
// chunk under normalized-whitespace comparison.
func (s *Store) ChunkContains(ctx context.Context, chunkID int64, text string) (bool, error) {
	c, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return false, err
	}
	needle := NormalizeWhitespace(text)
	if needle == "" {
		return false, nil
	}
	return strings.Contains(NormalizeWhitespace(c.Content), needle), nil
}

// --- Embedding and search operations ---

// InsertEmbedding stores a vector embedding for a chunk. The ingestion
// path is the only writer; upsert keeps re-indexing idempotent.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// VectorSearch performs a KNN search over Tier-A chunks, returning the
// top-k nearest with cosine similarity scores.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.content, c.section, c.page_number, c.chunk_index, c.document_id,
			d.source_kind, d.canonical_id, COALESCE(d.effective_start, '')
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ? AND d.tier = 'A'
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRetrievalRows(rows, func(r *RetrievalResult, rank float64) {
		r.Score = 1.0 - rank // cosine distance -> similarity
	})
}

// FTSSearch performs a full-text search over Tier-A chunks using FTS5
// BM25 ranking.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			c.content, c.section, c.page_number, c.chunk_index, c.document_id,
			d.source_kind, d.canonical_id, COALESCE(d.effective_start, '')
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.tier = 'A'
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRetrievalRows(rows, func(r *RetrievalResult, rank float64) {
		// FTS5 rank is negative (lower = better); flip to a positive score.
		r.Score = -rank
		r.LexicalScore = -rank
	})
}

func scanRetrievalRows(rows *sql.Rows, setScore func(*RetrievalResult, float64)) ([]RetrievalResult, error) {
	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		var section sql.NullString
		var page sql.NullInt64
		if err := rows.Scan(&r.ChunkID, &rank,
			&r.Content, &section, &page, &r.ChunkIndex, &r.DocumentID,
			&r.SourceKind, &r.CanonicalID, &r.EffectiveStart); err != nil {
			return nil, err
		}
		r.Section = section.String
		r.PageNumber = int(page.Int64)
		setScore(&r, rank)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Evidence quotes ---

// insertEvidenceQuoteTx stores a verified quote. Called only from the write
// gate's promote transaction.
func insertEvidenceQuoteTx(ctx context.Context, tx *sql.Tx, q EvidenceQuote) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO evidence_quotes (chunk_id, quote_text, char_start, char_end, quote_sha256)
		VALUES (?, ?, ?, ?, ?)
	`, q.ChunkID, q.QuoteText, q.CharStart, q.CharEnd, q.QuoteSHA)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetEvidenceQuote retrieves an evidence quote by ID.
func (s *Store) GetEvidenceQuote(ctx context.Context, id int64) (*EvidenceQuote, error) {
	q := &EvidenceQuote{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chunk_id, quote_text, COALESCE(char_start, 0), COALESCE(char_end, 0), quote_sha256
		FROM evidence_quotes WHERE id = ?
	`, id).Scan(&q.ID, &q.ChunkID, &q.QuoteText, &q.CharStart, &q.CharEnd, &q.QuoteSHA)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// --- Stats ---

// CorpusStats holds counts of key corpus objects.
type CorpusStats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Embeddings int `json:"embeddings"`
	Assertions int `json:"assertions"`
	InForce    int `json:"in_force"`
	Reviews    int `json:"pending_reviews"`
	AuditRows  int `json:"audit_rows"`
}

// Stats returns counts of documents, chunks, embeddings, assertions,
// pending reviews, and audit rows.
func (s *Store) Stats(ctx context.Context) (*CorpusStats, error) {
	stats := &CorpusStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM assertions", &stats.Assertions},
		{"SELECT COUNT(*) FROM assertions WHERE effective_end IS NULL", &stats.InForce},
		{"SELECT COUNT(*) FROM review_queue WHERE status = 'pending'", &stats.Reviews},
		{"SELECT COUNT(*) FROM audit_log", &stats.AuditRows},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
