// Package store opens and migrates the single SQLite database shared by the
// URL Frontier, Evidence Index, Automation Queue, and Learning Stores: WAL
// mode, a busy_timeout/synchronous=NORMAL pragma sequence, and a
// detect-then-degrade sqlite-vec probe.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spec-harvester/convergence/internal/logging"
)

// DB wraps the shared *sql.DB plus whether the sqlite-vec extension loaded.
type DB struct {
	Conn      *sql.DB
	mu        sync.Mutex
	VecExt    bool
	path      string
}

// Open opens (creating parent directories as needed) the shared SQLite
// database and runs the base schema. With requireVec set, Open fails fast
// when the sqlite-vec extension did not load, for callers that need ANN
// search.
func Open(path string, requireVec bool) (*DB, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			logging.Get(logging.CategoryStore).Debug("pragma failed: %s: %v", pragma, err)
		}
	}

	db := &DB{Conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	db.detectVecExtension()
	if requireVec && !db.VecExt {
		conn.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available; vector retrieval requires a build with vec0 support")
	}

	return db, nil
}

// detectVecExtension probes for vec0 support by attempting to create a
// throwaway virtual table and sets VecExt when that succeeds.
func (db *DB) detectVecExtension() {
	_, err := db.Conn.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])")
	if err == nil {
		db.VecExt = true
		_, _ = db.Conn.Exec("DROP TABLE IF EXISTS vec_probe")
		logging.Get(logging.CategoryStore).Info("sqlite-vec extension detected")
		return
	}
	logging.Get(logging.CategoryStore).Warn("sqlite-vec extension unavailable, vector retrieval disabled: %v", err)
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.Conn.Close()
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS frontier_urls (
	url TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	path_signature TEXT NOT NULL,
	fail_count INTEGER NOT NULL DEFAULT 0,
	blocked_count INTEGER NOT NULL DEFAULT 0,
	cooldown_until INTEGER NOT NULL DEFAULT 0,
	dead_pattern INTEGER NOT NULL DEFAULT 0,
	last_fetched_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_frontier_urls_domain ON frontier_urls(domain);

CREATE TABLE IF NOT EXISTS domain_health (
	domain TEXT PRIMARY KEY,
	budget_score REAL NOT NULL DEFAULT 1.0,
	budget_state TEXT NOT NULL DEFAULT 'ok',
	cooldown_until INTEGER NOT NULL DEFAULT 0,
	blocked_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sources (
	source_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	final_url TEXT NOT NULL,
	host TEXT NOT NULL,
	root_domain TEXT NOT NULL,
	tier INTEGER NOT NULL,
	doc_kind TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	bytes INTEGER NOT NULL DEFAULT 0,
	fetched_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	fetch_mode TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	identity_match_level TEXT NOT NULL DEFAULT 'unlocked',
	target_match_score REAL NOT NULL DEFAULT 0,
	page_product_cluster_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sources_host ON sources(host);

CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	parser_version TEXT NOT NULL,
	chunker_version TEXT NOT NULL,
	parsed_ok INTEGER NOT NULL,
	indexed_at_unix_ms INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_dedupe
	ON documents(content_hash, parser_version, chunker_version);

CREATE TABLE IF NOT EXISTS chunks (
	snippet_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	text_hash TEXT NOT NULL,
	surface TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	snippet_id UNINDEXED,
	text,
	content='chunks',
	content_rowid='rowid'
);

CREATE TABLE IF NOT EXISTS facts (
	fact_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	table_id TEXT NOT NULL,
	row_id TEXT NOT NULL,
	raw_key TEXT NOT NULL,
	raw_value TEXT NOT NULL,
	normalized_key TEXT NOT NULL,
	normalized_value TEXT NOT NULL,
	unit_hint TEXT NOT NULL DEFAULT '',
	snippet_id TEXT NOT NULL REFERENCES chunks(snippet_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_facts_normalized_key ON facts(normalized_key);

CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
	fact_id UNINDEXED,
	normalized_key,
	raw_value,
	content='facts',
	content_rowid='rowid'
);

CREATE TABLE IF NOT EXISTS automation_jobs (
	job_id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	next_run_at INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_automation_jobs_dedupe ON automation_jobs(dedupe_key);
CREATE INDEX IF NOT EXISTS idx_automation_jobs_status ON automation_jobs(status, next_run_at);

CREATE TABLE IF NOT EXISTS automation_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automation_actions_job ON automation_actions(job_id);

CREATE TABLE IF NOT EXISTS component_lexicon (
	category TEXT NOT NULL,
	term TEXT NOT NULL,
	aliases TEXT NOT NULL DEFAULT '[]',
	last_confirmed_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	PRIMARY KEY (category, term)
);

CREATE TABLE IF NOT EXISTS field_anchors (
	category TEXT NOT NULL,
	field_key TEXT NOT NULL,
	anchor_text TEXT NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_hit_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (category, field_key, anchor_text)
);

CREATE TABLE IF NOT EXISTS url_memory (
	url TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	identity_fingerprint TEXT NOT NULL DEFAULT '',
	doc_kind TEXT NOT NULL DEFAULT '',
	tier INTEGER NOT NULL DEFAULT 0,
	fields_yielded TEXT NOT NULL DEFAULT '[]',
	last_visited_at INTEGER NOT NULL DEFAULT 0,
	yield_score REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS domain_field_yield (
	domain TEXT NOT NULL,
	field_key TEXT NOT NULL,
	accepted_count INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (domain, field_key)
);
`

func (db *DB) migrate() error {
	_, err := db.Conn.Exec(baseSchema)
	return err
}
