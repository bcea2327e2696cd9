// Package eventstream implements the convergence engine's append-only event
// stream: an ordered sequence of structural-transition records
// consumed by external observers (the operator GUI, batch orchestrator).
//
// The bus uses channel-based subscribers and monotonic sequence numbers;
// every subscriber and sink receives every event, with no stage filter.
// EventSink formalizes the callback-logger pattern as a trait/interface.
package eventstream

import "time"

// Stage identifies the pipeline stage that produced an event.
type Stage string

const (
	StageSearch     Stage = "search"
	StageFetch      Stage = "fetch"
	StageParse      Stage = "parse"
	StageIndex      Stage = "index"
	StageExtract    Stage = "extract"
	StageConsensus  Stage = "consensus"
	StageNeedSet    Stage = "needset"
	StageRound      Stage = "round"
	StageAutomation Stage = "automation"
)

// Kind names the structural transition, matching the required event
// list verbatim.
type Kind string

const (
	KindRunStarted                   Kind = "run_started"
	KindRunCompleted                 Kind = "run_completed"
	KindConvergenceRoundStarted      Kind = "convergence_round_started"
	KindConvergenceRoundCompleted    Kind = "convergence_round_completed"
	KindConvergenceStop              Kind = "convergence_stop"
	KindNeedSetComputed              Kind = "needset_computed"
	KindSourceFetchStarted           Kind = "source_fetch_started"
	KindSourceFetchSkipped           Kind = "source_fetch_skipped"
	KindSourceFetchFailed            Kind = "source_fetch_failed"
	KindSourceProcessed              Kind = "source_processed"
	KindEvidenceIndexResult          Kind = "evidence_index_result"
	KindPrimeSourcesBuilt            Kind = "prime_sources_built"
	KindExtractionBatchCompleted     Kind = "extraction_batch_completed"
	KindIdentityLockState            Kind = "identity_lock_state"
	KindRepairQueryEnqueued          Kind = "repair_query_enqueued"
	KindURLCooldownApplied           Kind = "url_cooldown_applied"
	KindBlockedDomainCooldownApplied Kind = "blocked_domain_cooldown_applied"
)

// Event is one envelope on the stream. Payload carries a Kind-specific typed
// value (a tagged union rather than dynamically shaped envelopes) — callers
// type-switch on Payload, or marshal the whole Event to JSON for the NDJSON
// sink.
type Event struct {
	Seq     uint64    `json:"seq"`
	RunID   string    `json:"run_id"`
	Ts      time.Time `json:"ts"`
	Stage   Stage     `json:"stage"`
	Kind    Kind      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Typed payloads. Each implements no methods — the Kind field on the
// envelope is the discriminant, so a plain type switch on Payload suffices
// for subscribers that want structure instead of the generic envelope.

type RunStartedPayload struct {
	ProductID string `json:"product_id"`
	Category  string `json:"category"`
}

type RunCompletedPayload struct {
	StopReason  string `json:"stop_reason"`
	Publishable bool   `json:"publishable"`
	Rounds      int    `json:"rounds"`
}

type RoundStartedPayload struct {
	RoundIndex int  `json:"round_index"`
	Bootstrap  bool `json:"bootstrap"`
}

type RoundCompletedPayload struct {
	RoundIndex int     `json:"round_index"`
	Accepted   int     `json:"fields_accepted_delta"`
	ConfDelta  float64 `json:"confidence_delta"`
	NeedSize   int     `json:"needset_size"`
}

type ConvergenceStopPayload struct {
	Reason     string `json:"reason"`
	RoundIndex int    `json:"round_index"`
}

type NeedSetComputedPayload struct {
	RoundIndex int `json:"round_index"`
	Rows       int `json:"rows"`
}

type SourceFetchPayload struct {
	URL    string `json:"url"`
	Reason string `json:"reason,omitempty"`
}

type SourceProcessedPayload struct {
	SourceID string `json:"source_id"`
	DocKind  string `json:"doc_kind"`
}

type EvidenceIndexResultPayload struct {
	DocID     string `json:"doc_id"`
	ReuseMode string `json:"reuse_mode,omitempty"`
	New       bool   `json:"new"`
}

type PrimeSourcesBuiltPayload struct {
	FieldKey string `json:"field_key"`
	Count    int    `json:"count"`
	Complete bool   `json:"complete"`
	Miss     string `json:"miss_diagnostic,omitempty"`
}

type ExtractionBatchCompletedPayload struct {
	FieldKey string `json:"field_key"`
	Produced int    `json:"produced"`
	Rejected int    `json:"rejected"`
}

type IdentityLockStatePayload struct {
	Status    string  `json:"status"`
	Certainty float64 `json:"certainty"`
}

type RepairQueryEnqueuedPayload struct {
	Domain string `json:"domain"`
}

type URLCooldownAppliedPayload struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

type BlockedDomainCooldownAppliedPayload struct {
	Domain string `json:"domain"`
}
