package types

import "time"

// StopReason is the terminal reason the Round Controller stopped a run.
type StopReason string

const (
	StopComplete             StopReason = "complete"
	StopMaxRoundsReached     StopReason = "max_rounds_reached"
	StopBudgetExhausted      StopReason = "budget_exhausted"
	StopNoProgress           StopReason = "no_progress"
	StopRepeatedLowQuality   StopReason = "repeated_low_quality"
	StopIdentityGateStuck    StopReason = "identity_gate_stuck"
	StopEscalationExhausted  StopReason = "escalation_exhausted"
	StopFatalError           StopReason = "fatal_error"
	StopCancelled            StopReason = "cancelled"
)

// RoundProgress is the delta summary computed after each round.
type RoundProgress struct {
	FieldsAcceptedDelta    int     `json:"fields_accepted_delta"`
	ConfidenceDelta        float64 `json:"confidence_delta"`
	NeedSetSize            int     `json:"needset_size"`
	SourcesIdentityMatched int     `json:"sources_identity_matched"`
	AllTimeQueriesAdded    int     `json:"all_time_queries_added"`
}

// RoundSummary is one completed round's record, kept in the run's round
// history.
type RoundSummary struct {
	RoundIndex     int                    `json:"round_index"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    time.Time              `json:"completed_at"`
	Progress       RoundProgress          `json:"progress"`
	NeedSet        []NeedSetRow           `json:"needset"`
	Identity       IdentityLockState      `json:"identity"`
	FieldStates    map[string]FieldState  `json:"field_states"`
	QueriesEmitted []string               `json:"queries_emitted"`
}

// RunSummary is the top-level run.json artifact.
type RunSummary struct {
	RunID         string                `json:"run_id"`
	Product       Product               `json:"product"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   time.Time             `json:"completed_at"`
	StopReason    StopReason            `json:"stop_reason"`
	Rounds        []RoundSummary        `json:"rounds"`
	FinalFields   map[string]FieldState `json:"final_fields"`
	Publishable   bool                  `json:"publishable"`
}
