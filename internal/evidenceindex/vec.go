package evidenceindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// vecInit guards the lazy creation of the vec0 virtual table: it is created
// on first use, with its embedding column sized to the length of the first
// vector written rather than to a hardcoded dimension.
var vecInit sync.Once
var vecInitErr error

func (idx *Index) ensureVecTable(dim int) error {
	vecInit.Do(func() {
		stmt := fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(snippet_id TEXT PRIMARY KEY, embedding float[%d])", dim)
		_, vecInitErr = idx.db.Conn.Exec(stmt)
	})
	return vecInitErr
}

func (idx *Index) upsertVector(snippetID string, vec []float32) error {
	if err := idx.ensureVecTable(len(vec)); err != nil {
		return fmt.Errorf("ensure vec table: %w", err)
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	_, err = idx.db.Conn.Exec(
		`INSERT INTO vec_chunks (snippet_id, embedding) VALUES (?, ?)
		 ON CONFLICT(snippet_id) DO UPDATE SET embedding = excluded.embedding`,
		snippetID, string(b))
	return err
}

// SearchVector returns the snippet_ids nearest to the query embedding. It
// degrades to an empty result (not an error) when no vector index is
// available, since the Tier-Aware Retriever treats vector search as an
// enrichment over FTS, never a hard dependency.
func (idx *Index) SearchVector(query []float32, limit int) ([]string, error) {
	if !idx.db.VecExt {
		return nil, nil
	}
	b, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	rows, err := idx.db.Conn.Query(
		`SELECT snippet_id FROM vec_chunks WHERE embedding MATCH ? ORDER BY distance LIMIT ?`,
		string(b), limit)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
