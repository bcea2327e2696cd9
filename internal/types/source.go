package types

import "time"

// DocKind classifies a fetched document's editorial intent.
type DocKind string

const (
	DocSpec      DocKind = "spec"
	DocManual    DocKind = "manual"
	DocSupport   DocKind = "support"
	DocReview    DocKind = "review"
	DocTeardown  DocKind = "teardown"
	DocRetail    DocKind = "retail"
	DocForum     DocKind = "forum"
	DocOther     DocKind = "other"
)

// FetchMode records which rung of the fallback ladder produced the fetch.
type FetchMode string

const (
	FetchHTTP            FetchMode = "http"
	FetchHeadlessBrowser  FetchMode = "headless_browser"
	FetchAlternateCrawler FetchMode = "alternate_crawler"
)

// IdentityMatchLevel is the per-source identity certainty classification.
type IdentityMatchLevel string

const (
	IdentityUnlocked    IdentityMatchLevel = "unlocked"
	IdentityProvisional IdentityMatchLevel = "provisional"
	IdentityLocked      IdentityMatchLevel = "locked"
	IdentityConflict    IdentityMatchLevel = "conflict"
	IdentityFailed      IdentityMatchLevel = "failed"
)

// Source is a fetched document, created once by the Fetch Scheduler and
// immutable once indexed by the Evidence Index.
type Source struct {
	SourceID            string             `json:"source_id"`
	URL                 string             `json:"url"`
	FinalURL            string             `json:"final_url"`
	Host                string             `json:"host"`
	RootDomain          string             `json:"root_domain"`
	Tier                Tier               `json:"tier"`
	DocKind             DocKind            `json:"doc_kind"`
	ContentType         string             `json:"content_type"`
	ContentHash         string             `json:"content_hash"`
	Bytes               int64              `json:"bytes"`
	FetchedAt           time.Time          `json:"fetched_at"`
	FetchMode           FetchMode          `json:"fetch_mode"`
	StatusCode          int                `json:"status_code"`
	IdentityMatchLevel  IdentityMatchLevel `json:"identity_match_level"`
	TargetMatchScore    float64            `json:"target_match_score"`
	PageProductClusterID string            `json:"page_product_cluster_id,omitempty"`
}

// FetchAttempt records one rung of the fallback ladder for a single URL.
type FetchAttempt struct {
	AttemptIndex int           `json:"attempt_index"`
	FetcherKind  FetchMode     `json:"fetcher_kind"`
	Reason       string        `json:"reason"`
	ElapsedMS    int64         `json:"elapsed_ms"`
	StatusCode   int           `json:"status_code,omitempty"`
	Err          string        `json:"error,omitempty"`
}
