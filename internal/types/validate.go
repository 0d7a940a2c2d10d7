package types

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tags are stored in normalised form so downstream code can trust the
// invariant without re-checking: lowercase, trimmed, charset-restricted,
// length-bounded, deduplicated.
var tagPattern = regexp.MustCompile(`^[a-z0-9_-]{2,100}$`)

// NormalizeTag lowercases and trims a tag, then validates it against the
// allowed charset and length bounds
func NormalizeTag(tag string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(tag))
	if !tagPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid tag %q: must match [a-z0-9_-]{2,100}", tag)
	}
	return normalized, nil
}

// NormalizeTags normalises every tag, rejects the first invalid one, and
// returns the sorted deduplicated set
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized, err := NormalizeTag(tag)
		if err != nil {
			return nil, err
		}
		if !seen[normalized] {
			seen[normalized] = true
			out = append(out, normalized)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ValidateTaskDescription rejects empty or whitespace-only descriptions
func ValidateTaskDescription(desc string) error {
	if strings.TrimSpace(desc) == "" {
		return fmt.Errorf("task description cannot be empty")
	}
	return nil
}

// ValidateContext validates a task context at the edge; tags are replaced
// with their normalised form
func ValidateContext(ctx *TaskContext) error {
	if ctx == nil {
		return fmt.Errorf("task context cannot be nil")
	}
	if len(ctx.Tags) > 0 {
		normalized, err := NormalizeTags(ctx.Tags)
		if err != nil {
			return err
		}
		ctx.Tags = normalized
	}
	return nil
}

// ValidateStep checks per-step invariants that do not depend on the
// episode (ordering is enforced by the episode manager)
func ValidateStep(step *ExecutionStep) error {
	if step == nil {
		return fmt.Errorf("step cannot be nil")
	}
	if step.Tool == "" {
		return fmt.Errorf("step tool cannot be empty")
	}
	if step.LatencyMS < 0 {
		return fmt.Errorf("step latency cannot be negative: %d", step.LatencyMS)
	}
	if step.StepNumber < 1 {
		return fmt.Errorf("step number must be >= 1, got %d", step.StepNumber)
	}
	return nil
}

// ValidateOutcome checks a completion outcome, including artifact size caps
func ValidateOutcome(outcome *TaskOutcome) error {
	if outcome == nil {
		return fmt.Errorf("outcome cannot be nil")
	}
	if !outcome.Verdict.Valid() {
		return fmt.Errorf("invalid verdict: %q", outcome.Verdict)
	}
	for _, artifact := range outcome.Artifacts {
		if len(artifact.Content) > MaxArtifactSize {
			return fmt.Errorf("artifact %q exceeds size cap (%d > %d bytes)",
				artifact.Name, len(artifact.Content), MaxArtifactSize)
		}
	}
	return nil
}
