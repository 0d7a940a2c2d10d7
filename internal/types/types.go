// Package types defines the core entities of the episodic memory system.
//
// An Episode records one complete agent task: the pre-task context, the
// ordered execution steps, the outcome, and the reward and reflection
// computed at completion. Patterns and heuristics are mined from completed
// episodes and feed retrieval of relevant prior experience for new tasks.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskType categorizes the kind of work an episode records
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskBugFix         TaskType = "bug_fix"
	TaskRefactor       TaskType = "refactor"
	TaskResearch       TaskType = "research"
	TaskTest           TaskType = "test"
	TaskOther          TaskType = "other"
)

// ValidTaskTypes lists every accepted task type
var ValidTaskTypes = []TaskType{
	TaskCodeGeneration, TaskBugFix, TaskRefactor, TaskResearch, TaskTest, TaskOther,
}

// Valid reports whether the task type is one of the known values
func (t TaskType) Valid() bool {
	switch t {
	case TaskCodeGeneration, TaskBugFix, TaskRefactor, TaskResearch, TaskTest, TaskOther:
		return true
	}
	return false
}

// Verdict describes how an episode ended
type Verdict string

const (
	VerdictSuccess Verdict = "success"
	VerdictPartial Verdict = "partial"
	VerdictFailure Verdict = "failure"
)

// Valid reports whether the verdict is one of the known values
func (v Verdict) Valid() bool {
	return v == VerdictSuccess || v == VerdictPartial || v == VerdictFailure
}

// TaskContext describes the environment an episode ran in. TaskType is
// meaningful on retrieval queries; for stored episodes the top-level
// Episode.TaskType is authoritative.
type TaskContext struct {
	Domain     string   `json:"domain"`
	Language   string   `json:"language,omitempty"`
	TaskType   TaskType `json:"task_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
}

// ExecutionStep is a single tool/action invocation inside an episode.
// Step numbers form a gap-free sequence starting at 1.
type ExecutionStep struct {
	StepNumber  int                    `json:"step_number"`
	Timestamp   time.Time              `json:"timestamp"`
	Tool        string                 `json:"tool"`
	Action      string                 `json:"action"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Result      string                 `json:"result,omitempty"`
	LatencyMS   int64                  `json:"latency_ms"`
	TokensUsed  int                    `json:"tokens_used,omitempty"`
	Success     bool                   `json:"success"`
	Observation string                 `json:"observation,omitempty"`
}

// Artifact is an opaque payload produced by a completed episode
type Artifact struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// MaxArtifactSize bounds a single artifact payload
const MaxArtifactSize = 1 << 20 // 1 MB

// TaskOutcome is set exactly once when an episode completes
type TaskOutcome struct {
	Verdict      Verdict    `json:"verdict"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
}

// Reward is the learning signal computed from a completed episode.
// Total is the clamped sum of the breakdown components.
type Reward struct {
	Total      float64 `json:"total"`
	Base       float64 `json:"base"`
	Efficiency float64 `json:"efficiency"`
	Complexity float64 `json:"complexity"`
	Quality    float64 `json:"quality"`
	Learning   float64 `json:"learning"`
}

// Reflection is the textual post-mortem of a completed episode
type Reflection struct {
	Summary        string   `json:"summary"`
	SuccessFactors []string `json:"success_factors,omitempty"`
	Improvements   []string `json:"improvements,omitempty"`
	Lessons        []string `json:"lessons,omitempty"`
}

// Episode is the central entity: one agent task from pre-task context to
// post-task outcome. Mutable only through the episode manager while
// active; immutable after completion except for the computed fields
// (reward, reflection, pattern refs, embedding), each written once.
type Episode struct {
	ID              string           `json:"id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TaskType        TaskType         `json:"task_type"`
	TaskDescription string           `json:"task_description"`
	Context         TaskContext      `json:"context"`
	Steps           []*ExecutionStep `json:"steps"`
	Outcome         *TaskOutcome     `json:"outcome,omitempty"`
	Reward          *Reward          `json:"reward,omitempty"`
	Reflection      *Reflection      `json:"reflection,omitempty"`
	PatternRefs     []string         `json:"pattern_refs,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Embedding       []float32        `json:"embedding,omitempty"`
	Degraded        bool             `json:"degraded,omitempty"`
}

// Completed reports whether the episode has finished
func (e *Episode) Completed() bool {
	return e.CompletedAt != nil
}

// LastStepNumber returns the highest step number logged so far (0 if none)
func (e *Episode) LastStepNumber() int {
	if len(e.Steps) == 0 {
		return 0
	}
	return e.Steps[len(e.Steps)-1].StepNumber
}

// TotalLatencyMS sums step latencies
func (e *Episode) TotalLatencyMS() int64 {
	var total int64
	for _, s := range e.Steps {
		total += s.LatencyMS
	}
	return total
}

// ToolSequence returns the ordered tool names of the step log
func (e *Episode) ToolSequence() []string {
	tools := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		tools = append(tools, s.Tool)
	}
	return tools
}

// EpisodeHandle is a shared reference to an episode plus the retrieval
// scores that ranked it. Handles share the underlying allocation; callers
// must treat the episode as read-only.
type EpisodeHandle struct {
	Episode    *Episode `json:"episode"`
	Score      float64  `json:"score"`
	Similarity float64  `json:"similarity"`
}

// PatternKind discriminates the pattern variants
type PatternKind string

const (
	PatternToolSequence  PatternKind = "tool_sequence"
	PatternDecisionPoint PatternKind = "decision_point"
	PatternErrorRecovery PatternKind = "error_recovery"
	PatternContext       PatternKind = "context_pattern"
)

// ToolSequenceData captures a recurring ordered tool invocation chain
type ToolSequenceData struct {
	Tools       []string `json:"tools"`
	Context     string   `json:"context,omitempty"`
	SuccessRate float64  `json:"success_rate"`
	AvgLatency  float64  `json:"avg_latency_ms"`
}

// DecisionPointData captures a condition→action branch with its outcomes
type DecisionPointData struct {
	Condition    string         `json:"condition"`
	Action       string         `json:"action"`
	OutcomeStats map[string]int `json:"outcome_stats,omitempty"`
}

// ErrorRecoveryData captures how a class of error was recovered from
type ErrorRecoveryData struct {
	ErrorType     string   `json:"error_type"`
	RecoverySteps []string `json:"recovery_steps"`
	SuccessRate   float64  `json:"success_rate"`
}

// ContextPatternData maps context features to a recommended approach
type ContextPatternData struct {
	Features            []string `json:"features"`
	RecommendedApproach string   `json:"recommended_approach"`
}

// Pattern is a reusable abstraction mined from episodes. The ID is a
// content hash over the canonical variant fields, so re-extraction of the
// same behaviour always lands on the same pattern.
type Pattern struct {
	ID         string      `json:"id"`
	Kind       PatternKind `json:"kind"`
	Confidence float64     `json:"confidence"`
	Support    int         `json:"support"`
	FirstSeen  time.Time   `json:"first_seen"`
	LastSeen   time.Time   `json:"last_seen"`
	Evidence   []string    `json:"evidence"`

	ToolSequence  *ToolSequenceData   `json:"tool_sequence,omitempty"`
	DecisionPoint *DecisionPointData  `json:"decision_point,omitempty"`
	ErrorRecovery *ErrorRecoveryData  `json:"error_recovery,omitempty"`
	ContextData   *ContextPatternData `json:"context_data,omitempty"`
}

// CanonicalID computes the stable content hash for the pattern. Only the
// identity-bearing variant fields participate; confidence, support,
// evidence and timestamps do not.
func (p *Pattern) CanonicalID() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	b.WriteByte('|')
	switch p.Kind {
	case PatternToolSequence:
		if p.ToolSequence != nil {
			b.WriteString(strings.Join(p.ToolSequence.Tools, ","))
			b.WriteByte('|')
			b.WriteString(p.ToolSequence.Context)
		}
	case PatternDecisionPoint:
		if p.DecisionPoint != nil {
			b.WriteString(p.DecisionPoint.Condition)
			b.WriteByte('|')
			b.WriteString(p.DecisionPoint.Action)
		}
	case PatternErrorRecovery:
		if p.ErrorRecovery != nil {
			b.WriteString(p.ErrorRecovery.ErrorType)
			b.WriteByte('|')
			b.WriteString(strings.Join(p.ErrorRecovery.RecoverySteps, ","))
		}
	case PatternContext:
		if p.ContextData != nil {
			features := append([]string(nil), p.ContextData.Features...)
			sort.Strings(features)
			b.WriteString(strings.Join(features, ","))
			b.WriteByte('|')
			b.WriteString(p.ContextData.RecommendedApproach)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "pat_" + hex.EncodeToString(sum[:])[:16]
}

// AddEvidence records a supporting episode, keeping the set sorted and
// deduplicated, and recomputes support
func (p *Pattern) AddEvidence(episodeID string) {
	for _, id := range p.Evidence {
		if id == episodeID {
			return
		}
	}
	p.Evidence = append(p.Evidence, episodeID)
	sort.Strings(p.Evidence)
	p.Support = len(p.Evidence)
}

// Heuristic is a condition→action rule derived from patterns
type Heuristic struct {
	ID          string    `json:"id"`
	Condition   string    `json:"condition"`
	Action      string    `json:"action"`
	Evidence    []string  `json:"evidence"`
	SuccessRate float64   `json:"success_rate"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RelationType labels a directed edge between two episodes
type RelationType string

const (
	RelParentChild RelationType = "parent_child"
	RelDependsOn   RelationType = "depends_on"
	RelFollows     RelationType = "follows"
	RelRelatedTo   RelationType = "related_to"
	RelBlocks      RelationType = "blocks"
	RelDuplicates  RelationType = "duplicates"
	RelReferences  RelationType = "references"
)

// Valid reports whether the relation type is one of the known values
func (r RelationType) Valid() bool {
	switch r {
	case RelParentChild, RelDependsOn, RelFollows, RelRelatedTo,
		RelBlocks, RelDuplicates, RelReferences:
		return true
	}
	return false
}

// Acyclic reports whether edges of this type must keep the induced
// subgraph free of directed cycles
func (r RelationType) Acyclic() bool {
	return r == RelParentChild || r == RelDependsOn || r == RelBlocks
}

// Relationship is a typed directed edge between two episodes.
// Uniqueness is enforced on (from, to, type).
type Relationship struct {
	ID            string                 `json:"id"`
	FromEpisodeID string                 `json:"from_episode_id"`
	ToEpisodeID   string                 `json:"to_episode_id"`
	Type          RelationType           `json:"type"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Embedding is a fixed-dimension vector owned by an episode or pattern
type Embedding struct {
	OwnerID   string    `json:"owner_id"`
	Dimension int       `json:"dimension"`
	Vector    []float32 `json:"vector"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Direction selects which edges a graph query follows
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// TagLogic selects AND/OR semantics for multi-tag episode listing
type TagLogic string

const (
	TagLogicAnd TagLogic = "and"
	TagLogicOr  TagLogic = "or"
)

// QueryKey identifies a retrieval query for result caching. Comparable so
// it can key an LRU directly.
type QueryKey struct {
	Fingerprint  string
	Domain       string
	TaskType     TaskType
	Limit        int
	Lambda       float64
	TemporalBias float64
}

// FingerprintQuery produces the stable fingerprint component of a QueryKey
func FingerprintQuery(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])[:16]
}

// EpisodeSummary is returned by complete_episode
type EpisodeSummary struct {
	EpisodeID  string        `json:"episode_id"`
	Verdict    Verdict       `json:"verdict"`
	Reward     *Reward       `json:"reward"`
	Reflection *Reflection   `json:"reflection"`
	StepCount  int           `json:"step_count"`
	Duration   time.Duration `json:"duration"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// String implements fmt.Stringer for diagnostics
func (e *Episode) String() string {
	return fmt.Sprintf("episode %s (%s, %d steps)", e.ID, e.TaskType, len(e.Steps))
}
