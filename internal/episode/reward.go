// Package episode implements the episode lifecycle: the state machine,
// dual-backend persistence, and the reward/reflection computation that
// runs at completion.
package episode

import (
	"math"

	"episodic-memory/internal/types"
)

// RewardParams holds the reward coefficients. The clamps and monotonicity
// are fixed; the precise weights are parameters with these documented
// defaults.
type RewardParams struct {
	// ExpectedLatencyMS is the per-task-type latency expectation used by
	// the efficiency component
	ExpectedLatencyMS map[types.TaskType]float64
	// ComplexityWeight scales log(1+step_count) per task type
	ComplexityWeight map[types.TaskType]float64
	// EfficiencyBound clamps efficiency to [-bound, +bound]
	EfficiencyBound float64
	// ComplexityCap clamps the complexity component to [0, cap]
	ComplexityCap float64
	// QualityCap clamps the quality component to [0, cap]
	QualityCap float64
	// LearningBonus is granted when the episode introduces a novel pattern
	LearningBonus float64
	// TotalCap clamps the summed reward to [0, cap]
	TotalCap float64
}

// DefaultRewardParams returns the documented defaults
func DefaultRewardParams() RewardParams {
	return RewardParams{
		ExpectedLatencyMS: map[types.TaskType]float64{
			types.TaskCodeGeneration: 120000,
			types.TaskBugFix:         180000,
			types.TaskRefactor:       150000,
			types.TaskResearch:       300000,
			types.TaskTest:           90000,
			types.TaskOther:          120000,
		},
		ComplexityWeight: map[types.TaskType]float64{
			types.TaskCodeGeneration: 0.07,
			types.TaskBugFix:         0.07,
			types.TaskRefactor:       0.07,
			types.TaskResearch:       0.07,
			types.TaskTest:           0.07,
			types.TaskOther:          0.07,
		},
		EfficiencyBound: 0.2,
		ComplexityCap:   0.2,
		QualityCap:      0.2,
		LearningBonus:   0.1,
		TotalCap:        2.0,
	}
}

// ComputeReward maps a completed episode to its reward. Pure: the same
// episode and novelty flag always produce the same breakdown.
//
// Components:
//  1. base from verdict (success 1.0, partial 0.5, failure 0.0)
//  2. efficiency = clamp(1 - total_latency/expected, -bound, +bound)
//  3. complexity = clamp(log(1+steps) * weight, 0, cap)
//  4. quality from artifact validation, 0 without artifacts
//  5. learning bonus when >= 1 novel pattern was introduced
func ComputeReward(e *types.Episode, novelPattern bool, params RewardParams) *types.Reward {
	reward := &types.Reward{}

	if e.Outcome != nil {
		switch e.Outcome.Verdict {
		case types.VerdictSuccess:
			reward.Base = 1.0
		case types.VerdictPartial:
			reward.Base = 0.5
		}
	}

	expected := params.ExpectedLatencyMS[e.TaskType]
	if expected <= 0 {
		expected = params.ExpectedLatencyMS[types.TaskOther]
	}
	if expected > 0 {
		reward.Efficiency = clamp(1-float64(e.TotalLatencyMS())/expected,
			-params.EfficiencyBound, params.EfficiencyBound)
	}

	if n := len(e.Steps); n > 0 {
		weight := params.ComplexityWeight[e.TaskType]
		if weight == 0 {
			weight = params.ComplexityWeight[types.TaskOther]
		}
		reward.Complexity = clamp(math.Log(1+float64(n))*weight, 0, params.ComplexityCap)
	}

	reward.Quality = clamp(artifactScore(e)*params.QualityCap, 0, params.QualityCap)

	if novelPattern {
		reward.Learning = params.LearningBonus
	}

	reward.Total = clamp(
		reward.Base+reward.Efficiency+reward.Complexity+reward.Quality+reward.Learning,
		0, params.TotalCap)
	return reward
}

// artifactScore validates the episode's artifacts and returns the
// fraction passing: named, non-empty and within the size cap. The
// artifact type is not checked.
// No artifacts means no quality signal.
func artifactScore(e *types.Episode) float64 {
	if e.Outcome == nil || len(e.Outcome.Artifacts) == 0 {
		return 0
	}
	valid := 0
	for _, artifact := range e.Outcome.Artifacts {
		if artifact.Name != "" && artifact.Content != "" && len(artifact.Content) <= types.MaxArtifactSize {
			valid++
		}
	}
	return float64(valid) / float64(len(e.Outcome.Artifacts))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
