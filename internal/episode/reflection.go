package episode

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"episodic-memory/internal/types"
)

// GenerateReflection produces the fixed-shape textual post-mortem of a
// completed episode: a summary line plus insight lists derived from
// heuristic checks on the step log. Deterministic for a given episode.
func GenerateReflection(e *types.Episode) *types.Reflection {
	reflection := &types.Reflection{
		Summary: buildSummary(e),
	}

	total := len(e.Steps)
	failed := 0
	slow := 0
	toolFailures := make(map[string]int)
	recovered := make(map[string]bool)
	var maxLatency int64
	var slowestTool string

	for i, step := range e.Steps {
		if !step.Success {
			failed++
			toolFailures[step.Tool]++
			// A later successful run of the same tool counts as a recovery
			for _, later := range e.Steps[i+1:] {
				if later.Tool == step.Tool && later.Success {
					recovered[step.Tool] = true
					break
				}
			}
		}
		if step.LatencyMS > maxLatency {
			maxLatency = step.LatencyMS
			slowestTool = step.Tool
		}
		if step.LatencyMS > 10000 {
			slow++
		}
	}

	// Success factors
	if total > 0 && failed == 0 {
		reflection.SuccessFactors = append(reflection.SuccessFactors,
			fmt.Sprintf("all %d steps succeeded on first attempt", total))
	}
	if e.Outcome != nil && e.Outcome.Verdict == types.VerdictSuccess && total > 0 && total <= 5 {
		reflection.SuccessFactors = append(reflection.SuccessFactors,
			fmt.Sprintf("concise execution: %d steps", total))
	}
	recoveredTools := make([]string, 0, len(recovered))
	for tool := range recovered {
		recoveredTools = append(recoveredTools, tool)
	}
	sort.Strings(recoveredTools)
	for _, tool := range recoveredTools {
		reflection.SuccessFactors = append(reflection.SuccessFactors,
			fmt.Sprintf("recovered from %s failure by retrying", tool))
	}

	// Improvement opportunities
	if failed > 0 {
		tools := make([]string, 0, len(toolFailures))
		for tool := range toolFailures {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		reflection.Improvements = append(reflection.Improvements,
			fmt.Sprintf("%d of %d steps failed (tools: %s)", failed, total, strings.Join(tools, ", ")))
	}
	if slow > 0 {
		reflection.Improvements = append(reflection.Improvements,
			fmt.Sprintf("%d steps exceeded 10s; slowest was %s at %dms", slow, slowestTool, maxLatency))
	}
	if needsVerification(e) {
		reflection.Improvements = append(reflection.Improvements,
			"no test or validation step was run before completion")
	}

	// Lessons
	if e.Outcome != nil && e.Outcome.ErrorSummary != "" {
		reflection.Lessons = append(reflection.Lessons,
			fmt.Sprintf("terminal error class: %s", errorClass(e.Outcome.ErrorSummary)))
	}
	for tool, count := range toolFailures {
		if count > 1 && !recovered[tool] {
			reflection.Lessons = append(reflection.Lessons,
				fmt.Sprintf("%s failed %d times without recovery; prefer an alternative", tool, count))
		}
	}
	sort.Strings(reflection.Lessons)

	return reflection
}

func buildSummary(e *types.Episode) string {
	verdict := "unknown"
	if e.Outcome != nil {
		verdict = string(e.Outcome.Verdict)
	}
	duration := time.Duration(e.TotalLatencyMS()) * time.Millisecond
	return fmt.Sprintf("%s task in domain %q finished with verdict %s: %d steps, %s total tool time",
		e.TaskType, e.Context.Domain, verdict, len(e.Steps), duration)
}

// needsVerification flags code-producing tasks that completed without any
// test- or validation-shaped step
func needsVerification(e *types.Episode) bool {
	switch e.TaskType {
	case types.TaskCodeGeneration, types.TaskBugFix, types.TaskRefactor:
	default:
		return false
	}
	if len(e.Steps) == 0 {
		return false
	}
	for _, step := range e.Steps {
		tool := strings.ToLower(step.Tool)
		if strings.Contains(tool, "test") || strings.Contains(tool, "validat") ||
			strings.Contains(tool, "lint") || strings.Contains(tool, "check") {
			return false
		}
	}
	return true
}

// errorClass buckets an error summary into a coarse class without
// echoing the full message
func errorClass(summary string) string {
	lower := strings.ToLower(summary)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "permission") || strings.Contains(lower, "denied"):
		return "permission"
	case strings.Contains(lower, "not found") || strings.Contains(lower, "missing"):
		return "missing dependency"
	case strings.Contains(lower, "syntax") || strings.Contains(lower, "parse"):
		return "syntax"
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return "network"
	default:
		return "other"
	}
}
