package model

import "time"

// Action is the final outcome of one evaluation.
type Action string

const (
	ActionOpen     Action = "OPEN"
	ActionNoBet    Action = "NO_BET"
	ActionVeto     Action = "VETO"
	ActionSkip     Action = "SKIP"     // upstream collaborator unavailable
	ActionConflict Action = "CONFLICT" // stale snapshot, retries exhausted
	ActionError    Action = "ERROR"    // invariant violation
)

// DecisionRecord is the immutable audit entry for one evaluation, bet or
// no bet. It carries the full derivation chain.
type DecisionRecord struct {
	ID          string               `json:"id"`
	MarketID    string               `json:"market_id"`
	Category    Category             `json:"category,omitempty"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
	Quote       *MarketQuote         `json:"quote,omitempty"`
	Signals     *SignalSet           `json:"signals,omitempty"`
	Estimate    *ProbabilityEstimate `json:"estimate,omitempty"`
	Assessment  *EdgeAssessment      `json:"assessment,omitempty"`
	Sizing      *SizingDecision      `json:"sizing,omitempty"`
	Action      Action               `json:"action"`
	PositionID  string               `json:"position_id,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Attempts    int                  `json:"attempts,omitempty"`
}
