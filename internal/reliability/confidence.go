// Package reliability scores how much trust to place in an autonomous
// action and decides when a session's reasoning loop should start fresh.
// Every externally visible action is wrapped in an ActionEnvelope carrying
// the score and its rationale so downstream consumers can gate on it.
package reliability

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	baseScore = 82

	failurePenalty    = 7
	maxFailurePenalty = 35

	diagnosticPenalty    = 3
	maxDiagnosticPenalty = 15

	highToolVolumeThreshold = 8
	highToolVolumePenalty   = 6

	deepScanBonus      = 8
	passingTestsBonus  = 10
	requiresHumanBelow = 55
)

// ConfidenceInput is the observed signal set for one action.
type ConfidenceInput struct {
	// FailureCount is the number of failed runs in the surrounding work.
	FailureCount int

	// PluginDiagnosticCount is the number of collector or analyzer
	// diagnostics raised while assembling context.
	PluginDiagnosticCount int

	// ToolCallCount is the number of tool calls the action consumed.
	ToolCallCount int

	// HasDeepScan is true when a full integrity scan backed the action.
	HasDeepScan bool

	// HasRecentTestsPassing is true when a recent validation pass succeeded.
	HasRecentTestsPassing bool
}

// Confidence is a scored assessment with a human-readable trail.
type Confidence struct {
	Score     int      `json:"score"`
	Rationale []string `json:"rationale"`
}

// ScoreConfidence computes a deterministic 0..100 score from the input.
// It starts from a fixed base, subtracts for observed trouble, and adds
// for corroborating evidence. Each applied adjustment leaves one
// rationale entry.
func ScoreConfidence(in ConfidenceInput) Confidence {
	score := baseScore
	rationale := []string{fmt.Sprintf("base %d", baseScore)}

	if in.FailureCount > 0 {
		penalty := in.FailureCount * failurePenalty
		if penalty > maxFailurePenalty {
			penalty = maxFailurePenalty
		}
		score -= penalty
		rationale = append(rationale, fmt.Sprintf("%d recent failures (-%d)", in.FailureCount, penalty))
	}
	if in.PluginDiagnosticCount > 0 {
		penalty := in.PluginDiagnosticCount * diagnosticPenalty
		if penalty > maxDiagnosticPenalty {
			penalty = maxDiagnosticPenalty
		}
		score -= penalty
		rationale = append(rationale, fmt.Sprintf("%d plugin diagnostics (-%d)", in.PluginDiagnosticCount, penalty))
	}
	if in.ToolCallCount > highToolVolumeThreshold {
		score -= highToolVolumePenalty
		rationale = append(rationale, fmt.Sprintf("high tool volume %d (-%d)", in.ToolCallCount, highToolVolumePenalty))
	}
	if in.HasDeepScan {
		score += deepScanBonus
		rationale = append(rationale, fmt.Sprintf("deep scan completed (+%d)", deepScanBonus))
	}
	if in.HasRecentTestsPassing {
		score += passingTestsBonus
		rationale = append(rationale, fmt.Sprintf("recent tests passing (+%d)", passingTestsBonus))
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Confidence{Score: score, Rationale: rationale}
}

// ActionEnvelope wraps one externally visible action with its provenance
// and confidence assessment.
type ActionEnvelope struct {
	ActionID            string   `json:"actionId"`
	RunID               string   `json:"runId"`
	SessionID           string   `json:"sessionId"`
	ActionType          string   `json:"actionType"`
	ConfidenceScore     int      `json:"confidenceScore"`
	ConfidenceRationale []string `json:"confidenceRationale"`
	RequiresHumanHint   bool     `json:"requiresHumanHint"`
	At                  string   `json:"at"`
}

// NewActionEnvelope mints an envelope for an action. The human-review hint
// is set when the score falls below the review threshold.
func NewActionEnvelope(runID, sessionID, actionType string, conf Confidence, at time.Time) ActionEnvelope {
	return ActionEnvelope{
		ActionID:            ulid.Make().String(),
		RunID:               runID,
		SessionID:           sessionID,
		ActionType:          actionType,
		ConfidenceScore:     conf.Score,
		ConfidenceRationale: conf.Rationale,
		RequiresHumanHint:   conf.Score < requiresHumanBelow,
		At:                  at.UTC().Format(time.RFC3339),
	}
}
