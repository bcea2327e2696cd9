// Package learning implements the Learning Stores: four tables (component
// lexicon, field anchors, URL memory, domain/field yield). The first three
// are decay-gated and only written once a field clears the commit gate; the
// yield table counts every recorded attempt and never decays. The stores
// are read back to bias retrieval hints and seed future Round 0s. Learning never mutates a
// category contract; it only ever writes suggestion artifacts for later
// rounds (and runs) to consult.
package learning

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

// commitConfidenceThreshold is the theta from the commit gate: a field must
// clear this confidence before any learning artifact is written from it.
const commitConfidenceThreshold = 0.85

const (
	lexiconActiveDuration  = 90 * 24 * time.Hour
	lexiconExpiredDuration = 180 * 24 * time.Hour
	anchorActiveDuration   = 60 * 24 * time.Hour
	urlMemoryActiveDuration = 120 * 24 * time.Hour
)

const (
	lowYieldMinAttempts = 5
	lowYieldThreshold   = 0.2
)

// Store is the Learning Stores' single entry point, backed by the shared
// store.DB.
type Store struct {
	db *store.DB
}

// New wraps a shared store.DB.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Eligible reports whether a field's current state clears the commit gate:
// accepted status, confidence at or above theta, enough refs (and distinct
// sources when required), and a tier at least as good as one of the
// field's preferred tiers.
func Eligible(state types.FieldState, field types.FieldContract) bool {
	if state.Status != types.StatusAccepted {
		return false
	}
	if state.Confidence < commitConfidenceThreshold {
		return false
	}
	if len(state.Refs) < field.EvidencePolicy.MinRefs {
		return false
	}
	if field.EvidencePolicy.RequireDistinctSrc && state.RefsFromDistinctSources < field.EvidencePolicy.MinRefs {
		return false
	}
	return tierPreferenceMet(state.BestTierSeen, field.TierPreference)
}

func tierPreferenceMet(best types.Tier, preference []types.Tier) bool {
	if len(preference) == 0 {
		return true
	}
	for _, t := range preference {
		if best <= t {
			return true
		}
	}
	return false
}

// CommitOnAccept writes the lexicon, anchor, and URL-memory artifacts for
// one accepted field, if and only if it clears Eligible. Any of
// componentToken, anchorPhrase, or acceptedURL may be empty, in which case
// that artifact is skipped.
func (s *Store) CommitOnAccept(category, identityFingerprint string, field types.FieldContract, state types.FieldState, componentToken, anchorPhrase, acceptedURL string, docKind types.DocKind, tier types.Tier) error {
	if !Eligible(state, field) {
		return nil
	}
	now := types.Now()
	if componentToken != "" {
		if err := s.commitLexicon(category, componentToken, now); err != nil {
			return err
		}
	}
	if anchorPhrase != "" {
		if err := s.commitAnchor(category, field.Key, anchorPhrase, now); err != nil {
			return err
		}
	}
	if acceptedURL != "" {
		if err := s.commitURLMemory(acceptedURL, category, identityFingerprint, field.Key, docKind, tier, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) commitLexicon(category, term string, now time.Time) error {
	_, err := s.db.Conn.Exec(`
		INSERT INTO component_lexicon (category, term, aliases, last_confirmed_at, status)
		VALUES (?, ?, '[]', ?, 'active')
		ON CONFLICT(category, term) DO UPDATE SET
			last_confirmed_at = excluded.last_confirmed_at,
			status = 'active'`,
		category, term, now.Unix())
	return err
}

func (s *Store) commitAnchor(category, fieldKey, phrase string, now time.Time) error {
	_, err := s.db.Conn.Exec(`
		INSERT INTO field_anchors (category, field_key, anchor_text, hit_count, last_hit_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(category, field_key, anchor_text) DO UPDATE SET
			hit_count = hit_count + 1,
			last_hit_at = excluded.last_hit_at`,
		category, fieldKey, phrase, now.Unix())
	return err
}

func (s *Store) commitURLMemory(url, category, identityFingerprint, fieldKey string, docKind types.DocKind, tier types.Tier, now time.Time) error {
	var existing string
	row := s.db.Conn.QueryRow(`SELECT fields_yielded FROM url_memory WHERE url = ?`, url)
	fields := []string{}
	switch err := row.Scan(&existing); err {
	case nil:
		_ = json.Unmarshal([]byte(existing), &fields)
	case sql.ErrNoRows:
	default:
		return err
	}
	if !containsString(fields, fieldKey) {
		fields = append(fields, fieldKey)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	yieldScore := tierYieldScore(tier)

	_, err = s.db.Conn.Exec(`
		INSERT INTO url_memory (url, category, identity_fingerprint, doc_kind, tier, fields_yielded, last_visited_at, yield_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			fields_yielded = excluded.fields_yielded,
			last_visited_at = excluded.last_visited_at,
			yield_score = MAX(yield_score, excluded.yield_score)`,
		url, category, identityFingerprint, string(docKind), int(tier), string(fieldsJSON), now.Unix(), yieldScore)
	return err
}

func tierYieldScore(tier types.Tier) float64 {
	switch tier {
	case types.TierManufacturer:
		return 1.0
	case types.TierLabReview:
		return 0.75
	case types.TierRetail:
		return 0.5
	default:
		return 0.25
	}
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// RecordYield updates a host's attempt/accept counters for a field,
// independent of the commit gate: it tracks how often evidence from this
// host for this field is ultimately accepted, which biases TR's ranking
// toward historically high-yield hosts.
func (s *Store) RecordYield(category, host, fieldKey string, accepted bool) error {
	acceptedDelta := 0
	if accepted {
		acceptedDelta = 1
	}
	_, err := s.db.Conn.Exec(`
		INSERT INTO domain_field_yield (domain, field_key, accepted_count, attempts)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(domain, field_key) DO UPDATE SET
			accepted_count = accepted_count + excluded.accepted_count,
			attempts = attempts + 1`,
		host, fieldKey, acceptedDelta)
	_ = category
	return err
}

// DomainYield returns a host/field's current yield row, zeroed if unseen.
func (s *Store) DomainYield(host, fieldKey string) (types.DomainFieldYieldRow, error) {
	row := types.DomainFieldYieldRow{Host: host, FieldKey: fieldKey}
	dbRow := s.db.Conn.QueryRow(`SELECT accepted_count, attempts FROM domain_field_yield WHERE domain = ? AND field_key = ?`, host, fieldKey)
	switch err := dbRow.Scan(&row.AcceptedCount, &row.Attempts); err {
	case nil, sql.ErrNoRows:
		return row, nil
	default:
		return row, err
	}
}

// IsLowYield reports whether a host/field pairing has accumulated enough
// attempts to trust its yield ratio, and that ratio is below the low-yield
// threshold.
func IsLowYield(row types.DomainFieldYieldRow) bool {
	return row.Attempts >= lowYieldMinAttempts && row.Yield() < lowYieldThreshold
}

// ActiveAnchors returns the field anchors for a category/field still within
// their active decay window, ordered by hit count, for TR's retriever
// input.
func (s *Store) ActiveAnchors(category, fieldKey string) ([]types.FieldAnchorRow, error) {
	cutoff := types.Now().Add(-anchorActiveDuration).Unix()
	rows, err := s.db.Conn.Query(`
		SELECT field_key, anchor_text, hit_count, last_hit_at FROM field_anchors
		WHERE category = ? AND field_key = ? AND last_hit_at >= ?
		ORDER BY hit_count DESC`, category, fieldKey, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FieldAnchorRow
	for rows.Next() {
		var a types.FieldAnchorRow
		var hitCount int
		var lastHit int64
		if err := rows.Scan(&a.FieldKey, &a.Phrase, &hitCount, &lastHit); err != nil {
			return nil, err
		}
		a.Category = category
		a.Weight = float64(hitCount)
		a.DecayAt = time.Unix(lastHit, 0).Add(anchorActiveDuration)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SeedURLs returns URLs that previously yielded accepted evidence for a
// similar identity (same category; same identity fingerprint preferred,
// falling back to any in the category when identityFingerprint is empty),
// still within their active decay window, highest-yield first — candidates
// for seeding Round 0 of a subsequent run.
func (s *Store) SeedURLs(category, identityFingerprint string, limit int) ([]types.URLMemoryRow, error) {
	cutoff := types.Now().Add(-urlMemoryActiveDuration).Unix()
	rows, err := s.db.Conn.Query(`
		SELECT url, identity_fingerprint, doc_kind, tier, last_visited_at, yield_score FROM url_memory
		WHERE category = ? AND last_visited_at >= ?
		ORDER BY (identity_fingerprint = ?) DESC, yield_score DESC, last_visited_at DESC
		LIMIT ?`, category, cutoff, identityFingerprint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.URLMemoryRow
	for rows.Next() {
		var u types.URLMemoryRow
		var docKind string
		var tier int
		var lastVisited int64
		var yieldScore float64
		if err := rows.Scan(&u.URL, &u.IdentityFingerprint, &docKind, &tier, &lastVisited, &yieldScore); err != nil {
			return nil, err
		}
		u.DocKind = types.DocKind(docKind)
		u.Tier = types.Tier(tier)
		u.LastUsed = time.Unix(lastVisited, 0)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Decay marks lexicon entries unconfirmed past their active window as
// stale, and prunes ones unconfirmed past their expired window. Field
// anchors and URL memory decay implicitly at read time via their
// active-window filters; domain yield rows do not decay.
func (s *Store) Decay() error {
	now := types.Now()
	activeCutoff := now.Add(-lexiconActiveDuration).Unix()
	expiredCutoff := now.Add(-lexiconExpiredDuration).Unix()

	if _, err := s.db.Conn.Exec(
		`UPDATE component_lexicon SET status = 'stale' WHERE last_confirmed_at < ? AND status = 'active'`,
		activeCutoff); err != nil {
		return err
	}
	_, err := s.db.Conn.Exec(`DELETE FROM component_lexicon WHERE last_confirmed_at < ?`, expiredCutoff)
	return err
}
