// Package frontier implements the URL Frontier: persisted per-URL fetch
// history, host budget tracking, and dead-path signature learning that the
// Fetch Scheduler consults before issuing a request.
package frontier

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

// Frontier tracks every URL the engine has seen or attempted, plus
// per-domain health.
type Frontier struct {
	db *store.DB
}

// New wraps a shared store.DB.
func New(db *store.DB) *Frontier {
	return &Frontier{db: db}
}

// PathSignature reduces a URL path to a shape used for dead-pattern
// learning: numeric path segments are collapsed to "#" so
// /products/1234/specs and /products/5678/specs share a signature.
func PathSignature(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		isNumeric := true
		for _, r := range seg {
			if r < '0' || r > '9' {
				isNumeric = false
				break
			}
		}
		if isNumeric {
			segments[i] = "#"
		}
	}
	return strings.Join(segments, "/")
}

// ShouldSkip reports whether url should be skipped this round: it is in an
// active cooldown, or its domain is blocked, or its path signature has been
// marked a dead pattern.
func (f *Frontier) ShouldSkip(rawURL string) (bool, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true, "unparseable_url", nil
	}
	domain := u.Hostname()
	sig := PathSignature(rawURL)
	now := types.Now().Unix()

	var cooldownUntil int64
	var deadPattern int
	row := f.db.Conn.QueryRow(
		`SELECT cooldown_until, dead_pattern FROM frontier_urls WHERE url = ?`, rawURL)
	switch err := row.Scan(&cooldownUntil, &deadPattern); err {
	case nil:
		if cooldownUntil > now {
			return true, "url_cooldown", nil
		}
		if deadPattern == 1 {
			return true, "dead_pattern", nil
		}
	case sql.ErrNoRows:
		// unseen url: still check whether its path signature was already
		// learned as dead from sibling urls.
		var siblingDead int
		sigRow := f.db.Conn.QueryRow(
			`SELECT dead_pattern FROM frontier_urls WHERE path_signature = ? AND dead_pattern = 1 LIMIT 1`, sig)
		if serr := sigRow.Scan(&siblingDead); serr == nil && siblingDead == 1 {
			return true, "dead_pattern", nil
		}
	default:
		return false, "", err
	}

	var state string
	var domainCooldown int64
	row = f.db.Conn.QueryRow(
		`SELECT budget_state, cooldown_until FROM domain_health WHERE domain = ?`, domain)
	switch err := row.Scan(&state, &domainCooldown); err {
	case nil:
		if state == string(types.HostBlocked) {
			return true, "domain_blocked", nil
		}
		if domainCooldown > now {
			return true, "domain_cooldown", nil
		}
	case sql.ErrNoRows:
	default:
		return false, "", err
	}

	return false, "", nil
}

// RecordFetch upserts a url's fetch outcome. blocked marks a 403/429-style
// rejection distinct from a plain failure so DomainHealth can distinguish
// "flaky" from "actively blocking us".
func (f *Frontier) RecordFetch(rawURL string, ok bool, blocked bool, cooldown time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	domain := u.Hostname()
	sig := PathSignature(rawURL)
	now := types.Now().Unix()
	cooldownUntil := int64(0)
	if cooldown > 0 {
		cooldownUntil = types.Now().Add(cooldown).Unix()
	}

	failDelta, blockedDelta := 0, 0
	if !ok {
		failDelta = 1
	}
	if blocked {
		blockedDelta = 1
	}

	_, err = f.db.Conn.Exec(`
		INSERT INTO frontier_urls (url, domain, path_signature, fail_count, blocked_count, cooldown_until, dead_pattern, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(url) DO UPDATE SET
			fail_count = fail_count + excluded.fail_count,
			blocked_count = blocked_count + excluded.blocked_count,
			cooldown_until = excluded.cooldown_until,
			last_fetched_at = excluded.last_fetched_at
	`, rawURL, domain, sig, failDelta, blockedDelta, cooldownUntil, now)
	if err != nil {
		return err
	}

	if err := f.maybeMarkDeadPattern(sig); err != nil {
		logging.Get(logging.CategoryFetch).Warn("dead pattern check failed for %s: %v", sig, err)
	}
	return f.updateDomainHealth(domain, ok, blocked, cooldown)
}

// deadPatternFailThreshold is the number of independent URLs sharing a path
// signature that must all fail before the signature is marked dead.
const deadPatternFailThreshold = 3

func (f *Frontier) maybeMarkDeadPattern(sig string) error {
	var total, failing int
	row := f.db.Conn.QueryRow(
		`SELECT COUNT(*), SUM(CASE WHEN fail_count > 0 THEN 1 ELSE 0 END)
		 FROM frontier_urls WHERE path_signature = ?`, sig)
	if err := row.Scan(&total, &failing); err != nil {
		return err
	}
	if total >= deadPatternFailThreshold && failing == total {
		_, err := f.db.Conn.Exec(
			`UPDATE frontier_urls SET dead_pattern = 1 WHERE path_signature = ?`, sig)
		return err
	}
	return nil
}

func (f *Frontier) updateDomainHealth(domain string, ok, blocked bool, cooldown time.Duration) error {
	scoreDelta := 0.05
	if !ok {
		scoreDelta = -0.15
	}
	if blocked {
		scoreDelta = -0.35
	}
	now := types.Now().Unix()
	cooldownUntil := int64(0)
	if cooldown > 0 {
		cooldownUntil = types.Now().Add(cooldown).Unix()
	}
	blockedDelta := 0
	if blocked {
		blockedDelta = 1
	}

	_, err := f.db.Conn.Exec(`
		INSERT INTO domain_health (domain, budget_score, budget_state, cooldown_until, blocked_count)
		VALUES (?, ?, 'ok', ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			budget_score = MAX(0.0, MIN(1.0, budget_score + ?)),
			cooldown_until = MAX(cooldown_until, excluded.cooldown_until),
			blocked_count = blocked_count + excluded.blocked_count
	`, domain, 1.0+scoreDelta, cooldownUntil, blockedDelta, scoreDelta)
	if err != nil {
		return err
	}
	_ = now
	return f.recomputeDomainState(domain)
}

func (f *Frontier) recomputeDomainState(domain string) error {
	var score float64
	var blockedCount int
	row := f.db.Conn.QueryRow(`SELECT budget_score, blocked_count FROM domain_health WHERE domain = ?`, domain)
	if err := row.Scan(&score, &blockedCount); err != nil {
		return err
	}
	state := types.HostOK
	switch {
	case blockedCount >= 3 || score < 0.25:
		state = types.HostBlocked
	case score < 0.6:
		state = types.HostBackoff
	}
	_, err := f.db.Conn.Exec(`UPDATE domain_health SET budget_state = ? WHERE domain = ?`, string(state), domain)
	return err
}

// DomainHealth returns the current health row for a domain, or a fresh
// healthy default if unseen.
func (f *Frontier) DomainHealth(domain string) (types.DomainHealth, error) {
	h := types.DomainHealth{Domain: domain, BudgetScore: 1.0, BudgetState: types.HostOK}
	row := f.db.Conn.QueryRow(
		`SELECT budget_score, budget_state, cooldown_until, blocked_count FROM domain_health WHERE domain = ?`, domain)
	var cooldownUnix int64
	err := row.Scan(&h.BudgetScore, (*string)(&h.BudgetState), &cooldownUnix, &h.BlockedCount)
	if err == sql.ErrNoRows {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	if cooldownUnix > 0 {
		h.CooldownUntil = time.Unix(cooldownUnix, 0)
	}
	return h, nil
}
