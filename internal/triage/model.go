package triage

import (
	"fmt"

	"github.com/linnemanlabs/intake/internal/entities"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/rules"
	"github.com/linnemanlabs/intake/internal/similarity"
)

// State is one step of an item's progress through the pipeline.
type State string

const (
	StateUntriaged          State = "untriaged"
	StateRulesMatched       State = "rules_matched"
	StateRulesSilent        State = "rules_silent"
	StateSimilarityProposed State = "similarity_proposed"
	StateSimilarityAbsent   State = "similarity_absent"
	StateVerified           State = "verified"
)

// Pipeline stage names used in errors, spans and metrics.
const (
	StageEntities   = "entities"
	StageRules      = "rules"
	StageSimilarity = "similarity"
	StageOracle     = "oracle"
)

// Default classification when neither rules nor similarity have a signal.
const (
	DefaultCategory   = intake.CategoryActionRequired
	DefaultPriority   = intake.PriorityP2
	DefaultConfidence = 0.3
)

// Proposal is the deterministic classification handed to the oracle.
// Confidence is on the 0-1 scale.
type Proposal struct {
	Source         intake.Layer    `json:"source"`
	Category       intake.Category `json:"category"`
	Priority       intake.Priority `json:"priority"`
	QuickWin       bool            `json:"quick_win"`
	QuickWinReason string          `json:"quick_win_reason,omitempty"`
	EstimatedTime  intake.Effort   `json:"estimated_time,omitempty"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
}

// DeterministicContext is everything the earlier layers produced. Rules is
// nil when no rule fired; Similarity is nil when there was no evidence.
type DeterministicContext struct {
	Entities   entities.Entities      `json:"entities"`
	Rules      *rules.Outcome         `json:"rules,omitempty"`
	Similarity *similarity.Suggestion `json:"similarity,omitempty"`
	Proposal   Proposal               `json:"proposal"`
}

// Verdict is the oracle's decision. Confidence is on the 0-1 scale.
type Verdict struct {
	Action         intake.Action   `json:"action"`
	Category       intake.Category `json:"category"`
	Priority       intake.Priority `json:"priority"`
	QuickWin       bool            `json:"quick_win"`
	QuickWinReason string          `json:"quick_win_reason,omitempty"`
	EstimatedTime  intake.Effort   `json:"estimated_time,omitempty"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`

	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	ToolCalls    int    `json:"tool_calls"`
}

// LayerError is a failure inside one pipeline stage. The engine logs and
// counts it and carries on as if the stage produced nothing.
type LayerError struct {
	Stage string
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("triage %s layer: %v", e.Stage, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

// Result is the outcome of one pipeline run.
type Result struct {
	IntakeID      string               `json:"intake_id"`
	Record        intake.TriageRecord  `json:"record"`
	Context       DeterministicContext `json:"context"`
	Verdict       *Verdict             `json:"verdict,omitempty"`
	OracleSkipped bool                 `json:"oracle_skipped"`
	OracleError   string               `json:"oracle_error,omitempty"`
	States        []State              `json:"states"`
	LayerErrors   []string             `json:"layer_errors,omitempty"`
	Duration      float64              `json:"duration_seconds"`
}

// Final returns the last state reached.
func (r *Result) Final() State {
	if len(r.States) == 0 {
		return StateUntriaged
	}
	return r.States[len(r.States)-1]
}
