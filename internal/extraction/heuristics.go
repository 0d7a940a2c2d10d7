package extraction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"episodic-memory/internal/types"
)

// SynthesizeHeuristic derives a condition→action rule from a pattern
// that has cleared the support and confidence thresholds. Returns nil
// for pattern shapes that do not translate into a rule.
func SynthesizeHeuristic(p *types.Pattern, now time.Time) *types.Heuristic {
	var condition, action string
	successRate := p.Confidence

	switch p.Kind {
	case types.PatternToolSequence:
		if p.ToolSequence == nil || len(p.ToolSequence.Tools) == 0 {
			return nil
		}
		condition = fmt.Sprintf("task in context %q", p.ToolSequence.Context)
		action = "run " + strings.Join(p.ToolSequence.Tools, " then ")
		successRate = p.ToolSequence.SuccessRate

	case types.PatternDecisionPoint:
		if p.DecisionPoint == nil {
			return nil
		}
		condition = p.DecisionPoint.Condition
		action = "invoke " + p.DecisionPoint.Action
		total := 0
		for _, count := range p.DecisionPoint.OutcomeStats {
			total += count
		}
		if total > 0 {
			successRate = float64(p.DecisionPoint.OutcomeStats["success"]) / float64(total)
		}

	case types.PatternErrorRecovery:
		if p.ErrorRecovery == nil {
			return nil
		}
		condition = fmt.Sprintf("encountering %s", p.ErrorRecovery.ErrorType)
		action = "recover via " + strings.Join(p.ErrorRecovery.RecoverySteps, " then ")
		successRate = p.ErrorRecovery.SuccessRate

	case types.PatternContext:
		if p.ContextData == nil {
			return nil
		}
		condition = "context matches " + strings.Join(p.ContextData.Features, ", ")
		action = p.ContextData.RecommendedApproach

	default:
		return nil
	}

	return &types.Heuristic{
		ID:          heuristicID(condition, action),
		Condition:   condition,
		Action:      action,
		Evidence:    append([]string(nil), p.Evidence...),
		SuccessRate: successRate,
		Active:      successRate >= 0.5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// heuristicID is a stable content hash so re-synthesis updates rather
// than duplicates
func heuristicID(condition, action string) string {
	sum := sha256.Sum256([]byte(condition + "|" + action))
	return "heur_" + hex.EncodeToString(sum[:])[:16]
}
