// Package extraction mines reusable patterns and heuristics from
// completed episodes. Extraction runs on a bounded queue behind the
// episode manager; the extractors themselves are pure functions so the
// learning-reward novelty check can run them synchronously.
package extraction

import (
	"fmt"
	"sort"
	"strings"

	"episodic-memory/internal/types"
)

// maxObservationSnippet bounds how much of an observation lands in a
// decision-point condition
const maxObservationSnippet = 60

// ExtractPatterns runs every rule extractor over a completed episode and
// returns the deduplicated candidates, ids already canonical.
func ExtractPatterns(e *types.Episode) []*types.Pattern {
	candidates := make([]*types.Pattern, 0, 8)
	candidates = append(candidates, extractToolSequence(e)...)
	candidates = append(candidates, extractDecisionPoints(e)...)
	candidates = append(candidates, extractErrorRecoveries(e)...)
	candidates = append(candidates, extractContextPattern(e)...)
	return Dedupe(candidates)
}

// CandidateIDs returns the canonical ids the episode would produce by
// running the full extractor pipeline and keeping only the ids. Used by
// the reward's novelty check.
func CandidateIDs(e *types.Episode) []string {
	patterns := ExtractPatterns(e)
	ids := make([]string, 0, len(patterns))
	for _, p := range patterns {
		ids = append(ids, p.ID)
	}
	return ids
}

// Dedupe merges candidates sharing a canonical id: evidence unions,
// support recomputes
func Dedupe(candidates []*types.Pattern) []*types.Pattern {
	byID := make(map[string]*types.Pattern, len(candidates))
	order := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.ID == "" {
			candidate.ID = candidate.CanonicalID()
		}
		existing, ok := byID[candidate.ID]
		if !ok {
			byID[candidate.ID] = candidate
			order = append(order, candidate.ID)
			continue
		}
		for _, id := range candidate.Evidence {
			existing.AddEvidence(id)
		}
		if candidate.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = candidate.LastSeen
		}
		if dp := existing.DecisionPoint; dp != nil && candidate.DecisionPoint != nil {
			for k, v := range candidate.DecisionPoint.OutcomeStats {
				if dp.OutcomeStats == nil {
					dp.OutcomeStats = make(map[string]int)
				}
				dp.OutcomeStats[k] += v
			}
		}
	}

	out := make([]*types.Pattern, 0, len(byID))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// seedPattern fills the fields shared by every candidate
func seedPattern(e *types.Episode, kind types.PatternKind, confidence float64) *types.Pattern {
	seen := e.UpdatedAt
	if e.CompletedAt != nil {
		seen = *e.CompletedAt
	}
	return &types.Pattern{
		Kind:       kind,
		Confidence: confidence,
		Support:    1,
		FirstSeen:  seen,
		LastSeen:   seen,
		Evidence:   []string{e.ID},
	}
}

// extractToolSequence captures the episode's ordered tool chain
func extractToolSequence(e *types.Episode) []*types.Pattern {
	if len(e.Steps) < 2 {
		return nil
	}

	tools := e.ToolSequence()
	successful := 0
	var totalLatency int64
	for _, step := range e.Steps {
		if step.Success {
			successful++
		}
		totalLatency += step.LatencyMS
	}
	successRate := float64(successful) / float64(len(e.Steps))

	p := seedPattern(e, types.PatternToolSequence, successRate)
	p.ToolSequence = &types.ToolSequenceData{
		Tools:       tools,
		Context:     e.Context.Domain,
		SuccessRate: successRate,
		AvgLatency:  float64(totalLatency) / float64(len(e.Steps)),
	}
	p.ID = p.CanonicalID()
	return []*types.Pattern{p}
}

// extractDecisionPoints captures observation→next-tool branches
func extractDecisionPoints(e *types.Episode) []*types.Pattern {
	patterns := make([]*types.Pattern, 0, 2)
	for i := 0; i+1 < len(e.Steps); i++ {
		step := e.Steps[i]
		next := e.Steps[i+1]
		if step.Observation == "" {
			continue
		}

		outcome := "failure"
		if next.Success {
			outcome = "success"
		}
		p := seedPattern(e, types.PatternDecisionPoint, boolConfidence(next.Success))
		p.DecisionPoint = &types.DecisionPointData{
			Condition:    fmt.Sprintf("after %s observed %q", step.Tool, snippet(step.Observation)),
			Action:       next.Tool,
			OutcomeStats: map[string]int{outcome: 1},
		}
		p.ID = p.CanonicalID()
		patterns = append(patterns, p)
	}
	return patterns
}

// extractErrorRecoveries captures failed steps later recovered within the
// episode: the recovery chain is the tool sequence from the step after
// the failure through the first success of the same tool
func extractErrorRecoveries(e *types.Episode) []*types.Pattern {
	patterns := make([]*types.Pattern, 0, 2)
	for i, step := range e.Steps {
		if step.Success {
			continue
		}
		recoveryEnd := -1
		for j := i + 1; j < len(e.Steps); j++ {
			if e.Steps[j].Tool == step.Tool && e.Steps[j].Success {
				recoveryEnd = j
				break
			}
		}
		if recoveryEnd < 0 {
			continue
		}

		recoverySteps := make([]string, 0, recoveryEnd-i)
		for j := i + 1; j <= recoveryEnd; j++ {
			recoverySteps = append(recoverySteps, e.Steps[j].Tool)
		}

		p := seedPattern(e, types.PatternErrorRecovery, 1.0)
		p.ErrorRecovery = &types.ErrorRecoveryData{
			ErrorType:     fmt.Sprintf("%s_failure", step.Tool),
			RecoverySteps: recoverySteps,
			SuccessRate:   1.0,
		}
		p.ID = p.CanonicalID()
		patterns = append(patterns, p)
	}
	return patterns
}

// extractContextPattern maps the episode's context features to the
// approach that succeeded
func extractContextPattern(e *types.Episode) []*types.Pattern {
	if e.Outcome == nil || e.Outcome.Verdict != types.VerdictSuccess || len(e.Steps) == 0 {
		return nil
	}

	features := make([]string, 0, 4+len(e.Context.Frameworks))
	features = append(features, "task:"+string(e.TaskType))
	if e.Context.Domain != "" {
		features = append(features, "domain:"+e.Context.Domain)
	}
	if e.Context.Language != "" {
		features = append(features, "lang:"+e.Context.Language)
	}
	for _, framework := range e.Context.Frameworks {
		features = append(features, "framework:"+framework)
	}
	sort.Strings(features)

	tools := e.ToolSequence()
	if len(tools) > 3 {
		tools = tools[:3]
	}

	p := seedPattern(e, types.PatternContext, 1.0)
	p.ContextData = &types.ContextPatternData{
		Features:            features,
		RecommendedApproach: strings.Join(tools, " then "),
	}
	p.ID = p.CanonicalID()
	return []*types.Pattern{p}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxObservationSnippet {
		return s[:maxObservationSnippet-3] + "..."
	}
	return s
}

func boolConfidence(ok bool) float64 {
	if ok {
		return 1.0
	}
	return 0.0
}
