package episode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episodic-memory/internal/types"
)

func TestReflectionDeterministic(t *testing.T) {
	episode := completedEpisode(types.VerdictSuccess, successSteps(3))
	a := GenerateReflection(episode)
	b := GenerateReflection(episode)
	assert.Equal(t, a, b)
}

func TestReflectionSummaryShape(t *testing.T) {
	episode := completedEpisode(types.VerdictSuccess, successSteps(3))
	reflection := GenerateReflection(episode)

	assert.Contains(t, reflection.Summary, "code_generation")
	assert.Contains(t, reflection.Summary, "web-api")
	assert.Contains(t, reflection.Summary, "success")
	assert.Contains(t, reflection.Summary, "3 steps")
}

func TestReflectionCleanRunSuccessFactors(t *testing.T) {
	episode := completedEpisode(types.VerdictSuccess, successSteps(3))
	reflection := GenerateReflection(episode)

	require.NotEmpty(t, reflection.SuccessFactors)
	assert.Contains(t, reflection.SuccessFactors[0], "all 3 steps succeeded")
}

func TestReflectionFailedStepsImprovement(t *testing.T) {
	steps := successSteps(3)
	steps[1].Success = false
	steps[1].Tool = "compiler"
	episode := completedEpisode(types.VerdictPartial, steps)

	reflection := GenerateReflection(episode)
	require.NotEmpty(t, reflection.Improvements)
	assert.Contains(t, reflection.Improvements[0], "1 of 3 steps failed")
	assert.Contains(t, reflection.Improvements[0], "compiler")
}

func TestReflectionRecoveryLesson(t *testing.T) {
	steps := []*types.ExecutionStep{
		{StepNumber: 1, Tool: "http_client", Success: false, LatencyMS: 10},
		{StepNumber: 2, Tool: "http_client", Success: true, LatencyMS: 10},
	}
	episode := completedEpisode(types.VerdictSuccess, steps)

	reflection := GenerateReflection(episode)
	found := false
	for _, factor := range reflection.SuccessFactors {
		if factor == "recovered from http_client failure by retrying" {
			found = true
		}
	}
	assert.True(t, found, "recovery should be a success factor: %v", reflection.SuccessFactors)
}

func TestReflectionMissingVerification(t *testing.T) {
	steps := []*types.ExecutionStep{
		{StepNumber: 1, Tool: "file_write", Success: true},
	}
	episode := completedEpisode(types.VerdictSuccess, steps)

	reflection := GenerateReflection(episode)
	found := false
	for _, improvement := range reflection.Improvements {
		if improvement == "no test or validation step was run before completion" {
			found = true
		}
	}
	assert.True(t, found, "missing verification should be flagged: %v", reflection.Improvements)

	// A test step silences the flag
	steps = append(steps, &types.ExecutionStep{StepNumber: 2, Tool: "test_runner", Success: true})
	episode = completedEpisode(types.VerdictSuccess, steps)
	reflection = GenerateReflection(episode)
	for _, improvement := range reflection.Improvements {
		assert.NotEqual(t, "no test or validation step was run before completion", improvement)
	}
}

func TestReflectionErrorClassLesson(t *testing.T) {
	episode := completedEpisode(types.VerdictFailure, successSteps(1))
	episode.Outcome.ErrorSummary = "connection refused talking to postgres"

	reflection := GenerateReflection(episode)
	require.NotEmpty(t, reflection.Lessons)
	assert.Contains(t, reflection.Lessons[0], "network")
}
