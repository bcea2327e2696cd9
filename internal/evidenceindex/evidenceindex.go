// Package evidenceindex implements the Evidence Index: durable storage of
// parsed documents, chunks, and extracted facts, with full-text search over
// both and an optional vector index for semantic retrieval.
package evidenceindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spec-harvester/convergence/internal/embedding"
	"github.com/spec-harvester/convergence/internal/hashid"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

// Index is the Evidence Index's single-writer entry point. Every Index call
// that mutates documents/chunks/facts must come from one goroutine per the
// single-writer-per-document discipline; concurrent readers are safe.
type Index struct {
	db  *store.DB
	eng embedding.EmbeddingEngine // nil when no embedding provider is configured
}

// New wraps a shared store.DB. eng may be nil; vector search degrades to
// FTS-only in that case.
func New(db *store.DB, eng embedding.EmbeddingEngine) *Index {
	return &Index{db: db, eng: eng}
}

// IndexResult reports what IndexDocument did, for the
// evidence_index_result event.
type IndexResult struct {
	DocID      string
	DedupeHit  bool
	ChunkCount int
	FactCount  int
}

// IndexDocument upserts a parsed document and its chunks/facts. If a prior
// document with the same (content_hash, parser_version, chunker_version)
// already exists, this is a dedupe hit and no new rows are written, keeping
// re-indexing idempotent.
func (idx *Index) IndexDocument(ctx context.Context, doc types.Document, chunks []types.Chunk, facts []types.Fact) (IndexResult, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "IndexDocument")
	defer timer.Stop()

	var existing string
	row := idx.db.Conn.QueryRow(
		`SELECT doc_id FROM documents WHERE content_hash = ? AND parser_version = ? AND chunker_version = ?`,
		doc.ContentHash, doc.ParserVersion, doc.ChunkerVersion)
	switch err := row.Scan(&existing); err {
	case nil:
		logging.Get(logging.CategoryIndex).Debug("dedupe hit for content_hash=%s", doc.ContentHash)
		return IndexResult{DocID: existing, DedupeHit: true}, nil
	case sql.ErrNoRows:
	default:
		return IndexResult{}, err
	}

	tx, err := idx.db.Conn.Begin()
	if err != nil {
		return IndexResult{}, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO documents (doc_id, source_id, content_hash, parser_version, chunker_version, parsed_ok, indexed_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.DocID, doc.SourceID, doc.ContentHash, doc.ParserVersion, doc.ChunkerVersion, boolToInt(doc.ParsedOK), doc.IndexedAtUnixMS,
	); err != nil {
		return IndexResult{}, fmt.Errorf("insert document: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.Exec(
			`INSERT INTO chunks (snippet_id, doc_id, text, start_offset, end_offset, text_hash, surface)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.SnippetID, c.DocID, c.Text, c.StartOffset, c.EndOffset, c.TextHash, string(c.Surface),
		); err != nil {
			return IndexResult{}, fmt.Errorf("insert chunk: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO chunks_fts (rowid, snippet_id, text) VALUES ((SELECT rowid FROM chunks WHERE snippet_id = ?), ?, ?)`,
			c.SnippetID, c.SnippetID, c.Text,
		); err != nil {
			return IndexResult{}, fmt.Errorf("insert chunk fts: %w", err)
		}
	}

	for _, fact := range facts {
		if _, err := tx.Exec(
			`INSERT INTO facts (fact_id, doc_id, table_id, row_id, raw_key, raw_value, normalized_key, normalized_value, unit_hint, snippet_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fact.FactID, fact.DocID, fact.TableID, fact.RowID, fact.RawKey, fact.RawValue, fact.NormalizedKey, fact.NormalizedValue, fact.UnitHint, fact.SnippetID,
		); err != nil {
			return IndexResult{}, fmt.Errorf("insert fact: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO facts_fts (rowid, fact_id, normalized_key, raw_value) VALUES ((SELECT rowid FROM facts WHERE fact_id = ?), ?, ?, ?)`,
			fact.FactID, fact.FactID, fact.NormalizedKey, fact.RawValue,
		); err != nil {
			return IndexResult{}, fmt.Errorf("insert fact fts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return IndexResult{}, err
	}

	if idx.eng != nil {
		idx.indexEmbeddings(ctx, chunks)
	}

	return IndexResult{DocID: doc.DocID, ChunkCount: len(chunks), FactCount: len(facts)}, nil
}

func (idx *Index) indexEmbeddings(ctx context.Context, chunks []types.Chunk) {
	if !idx.db.VecExt {
		return
	}
	for _, c := range chunks {
		vec, err := idx.eng.Embed(ctx, c.Text)
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("embed chunk %s failed: %v", c.SnippetID, err)
			continue
		}
		if err := idx.upsertVector(c.SnippetID, vec); err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("upsert vector for %s failed: %v", c.SnippetID, err)
		}
	}
}

// SearchChunksFTS runs a full-text query over chunk text across every
// indexed document.
func (idx *Index) SearchChunksFTS(query string, limit int) ([]types.Chunk, error) {
	rows, err := idx.db.Conn.Query(`
		SELECT c.snippet_id, c.doc_id, c.text, c.start_offset, c.end_offset, c.text_hash, c.surface
		FROM chunks_fts f JOIN chunks c ON c.snippet_id = f.snippet_id
		WHERE chunks_fts MATCH ?
		ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks fts: %w", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var surface string
		if err := rows.Scan(&c.SnippetID, &c.DocID, &c.Text, &c.StartOffset, &c.EndOffset, &c.TextHash, &surface); err != nil {
			return nil, err
		}
		c.Surface = types.Surface(surface)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchFactsFTS runs a full-text query over normalized_key/raw_value.
func (idx *Index) SearchFactsFTS(query string, limit int) ([]types.Fact, error) {
	rows, err := idx.db.Conn.Query(`
		SELECT f.fact_id, f.doc_id, f.table_id, f.row_id, f.raw_key, f.raw_value, f.normalized_key, f.normalized_value, f.unit_hint, f.snippet_id
		FROM facts_fts ff JOIN facts f ON f.fact_id = ff.fact_id
		WHERE facts_fts MATCH ?
		ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search facts fts: %w", err)
	}
	defer rows.Close()

	var out []types.Fact
	for rows.Next() {
		var f types.Fact
		if err := rows.Scan(&f.FactID, &f.DocID, &f.TableID, &f.RowID, &f.RawKey, &f.RawValue, &f.NormalizedKey, &f.NormalizedValue, &f.UnitHint, &f.SnippetID); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetByFieldAnchor returns facts whose normalized_key exactly matches a
// learned field anchor, used by the Tier-Aware Retriever before falling
// back to FTS/vector search.
func (idx *Index) GetByFieldAnchor(normalizedKey string, limit int) ([]types.Fact, error) {
	rows, err := idx.db.Conn.Query(`
		SELECT fact_id, doc_id, table_id, row_id, raw_key, raw_value, normalized_key, normalized_value, unit_hint, snippet_id
		FROM facts WHERE normalized_key = ? LIMIT ?`, normalizedKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Fact
	for rows.Next() {
		var f types.Fact
		if err := rows.Scan(&f.FactID, &f.DocID, &f.TableID, &f.RowID, &f.RawKey, &f.RawValue, &f.NormalizedKey, &f.NormalizedValue, &f.UnitHint, &f.SnippetID); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PutSource upserts one fetched document's source record. The Fetch
// Scheduler calls this once per fetch, before IndexDocument runs.
func (idx *Index) PutSource(src types.Source) error {
	_, err := idx.db.Conn.Exec(`
		INSERT INTO sources (source_id, url, final_url, host, root_domain, tier, doc_kind, content_type,
			content_hash, bytes, fetched_at_unix_ms, fetch_mode, status_code, identity_match_level,
			target_match_score, page_product_cluster_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			final_url = excluded.final_url,
			identity_match_level = excluded.identity_match_level,
			target_match_score = excluded.target_match_score,
			page_product_cluster_id = excluded.page_product_cluster_id`,
		src.SourceID, src.URL, src.FinalURL, src.Host, src.RootDomain, int(src.Tier), string(src.DocKind),
		src.ContentType, src.ContentHash, src.Bytes, src.FetchedAt.UnixMilli(), string(src.FetchMode),
		src.StatusCode, string(src.IdentityMatchLevel), src.TargetMatchScore, src.PageProductClusterID,
	)
	if err != nil {
		return fmt.Errorf("put source: %w", err)
	}
	return nil
}

// GetSource looks up one source record by ID.
func (idx *Index) GetSource(sourceID string) (types.Source, error) {
	return scanSource(idx.db.Conn.QueryRow(`
		SELECT source_id, url, final_url, host, root_domain, tier, doc_kind, content_type, content_hash,
			bytes, fetched_at_unix_ms, fetch_mode, status_code, identity_match_level, target_match_score,
			page_product_cluster_id
		FROM sources WHERE source_id = ?`, sourceID))
}

// GetSourceByDoc resolves a chunk's or fact's doc_id back to the source it
// was fetched from, since tier/doc_kind/identity metadata lives on the
// source record, not on the chunk/fact row.
func (idx *Index) GetSourceByDoc(docID string) (types.Source, error) {
	return scanSource(idx.db.Conn.QueryRow(`
		SELECT s.source_id, s.url, s.final_url, s.host, s.root_domain, s.tier, s.doc_kind, s.content_type,
			s.content_hash, s.bytes, s.fetched_at_unix_ms, s.fetch_mode, s.status_code, s.identity_match_level,
			s.target_match_score, s.page_product_cluster_id
		FROM sources s JOIN documents d ON d.source_id = s.source_id
		WHERE d.doc_id = ?`, docID))
}

func scanSource(row *sql.Row) (types.Source, error) {
	var s types.Source
	var tier int
	var docKind, fetchMode, identityLevel string
	var fetchedAtMS int64
	if err := row.Scan(&s.SourceID, &s.URL, &s.FinalURL, &s.Host, &s.RootDomain, &tier, &docKind, &s.ContentType,
		&s.ContentHash, &s.Bytes, &fetchedAtMS, &fetchMode, &s.StatusCode, &identityLevel, &s.TargetMatchScore,
		&s.PageProductClusterID); err != nil {
		return types.Source{}, err
	}
	s.Tier = types.Tier(tier)
	s.DocKind = types.DocKind(docKind)
	s.FetchMode = types.FetchMode(fetchMode)
	s.IdentityMatchLevel = types.IdentityMatchLevel(identityLevel)
	s.FetchedAt = time.UnixMilli(fetchedAtMS)
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewChunk builds a types.Chunk with its deterministic snippet ID already
// computed, so callers never hand-roll the hash.
func NewChunk(finalURL, docID, text string, start, end int, surface types.Surface, parserVersion, chunkerVersion string) types.Chunk {
	th := hashid.TextHash(text)
	return types.Chunk{
		SnippetID:   hashid.SnippetID(finalURL, start, end, th, parserVersion, chunkerVersion),
		DocID:       docID,
		Text:        text,
		StartOffset: start,
		EndOffset:   end,
		TextHash:    th,
		Surface:     surface,
	}
}
