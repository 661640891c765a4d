// Package project defines the project state for an analysis run: the data
// profile, the plan and its step lifecycle, execution artifacts, insights,
// and the cumulative digest. ProjectState is the single source of truth for
// a run; every mutation goes through the Arena, which enforces forward-only
// step transitions and compare-and-set claiming so concurrent workers never
// double-claim a step or observe a partially-committed write.
package project

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus represents the lifecycle status of a plan step.
type StepStatus string

const (
	StepPlanned    StepStatus = "/planned"     // Not started
	StepInProgress StepStatus = "/in_progress" // Claimed by a worker
	StepCompleted  StepStatus = "/completed"   // Finished successfully
	StepFailed     StepStatus = "/failed"      // Terminal failure
	StepSkipped    StepStatus = "/skipped"     // Marked obsolete or overridden
)

// StepCategory classifies the kind of analysis a step performs.
type StepCategory string

const (
	CategoryCleaning       StepCategory = "/cleaning"
	CategoryExploration    StepCategory = "/exploration"
	CategoryHypothesisTest StepCategory = "/hypothesis_test"
	CategoryModeling       StepCategory = "/modeling"
	CategoryOther          StepCategory = "/other"
)

// Outcome classifies the result of one sandboxed execution.
type Outcome string

const (
	OutcomeSuccess         Outcome = "/success"
	OutcomeRuntimeError    Outcome = "/runtime_error"
	OutcomeTimeout         Outcome = "/timeout"
	OutcomePolicyViolation Outcome = "/policy_violation"
)

// ProjectStatus represents the overall status of a project run.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "/active"
	ProjectCompleted ProjectStatus = "/completed"
	ProjectAborted   ProjectStatus = "/aborted"
)

// FieldProfile describes a single dataset field: what the data dictionary
// declares, what the loader observed, and a bounded set of sample values.
type FieldProfile struct {
	Name         string            `json:"name"`
	DeclaredType string            `json:"declared_type,omitempty"`
	ObservedType string            `json:"observed_type"`
	Description  string            `json:"description,omitempty"`
	Stats        map[string]string `json:"stats,omitempty"`
	Samples      []string          `json:"samples,omitempty"`
}

// DataProfile is the immutable description of the dataset built once at
// ingestion from the data dictionary plus a bounded row sample. It is never
// mutated in place; a changed dataset means a new profile with a new hash.
type DataProfile struct {
	Dataset    string         `json:"dataset"`
	RowCount   int            `json:"row_count"`
	Fields     []FieldProfile `json:"fields"`
	Hash       string         `json:"hash"`
	ProfiledAt time.Time      `json:"profiled_at"`
}

// FieldNames returns the ordered field names.
func (p *DataProfile) FieldNames() []string {
	names := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		names[i] = f.Name
	}
	return names
}

// DatasetHandle carries a loaded dataset: where it came from and its raw
// CSV text, header row first. The text is what sandboxed analysis code
// receives as input.
type DatasetHandle struct {
	Path string
	CSV  string
	Rows int
}

// PlanStep is one discrete analysis task with a lifecycle status.
type PlanStep struct {
	ID          string       `json:"id"`
	Seq         int          `json:"seq"` // Original sequence index, never renumbered
	Description string       `json:"description"`
	Expected    string       `json:"expected_insights,omitempty"`
	Category    StepCategory `json:"category"`
	Status      StepStatus   `json:"status"`
	Priority    int          `json:"priority"`
	DependsOn   []string     `json:"depends_on,omitempty"`

	CreatedRound int `json:"created_round"`
	UpdatedRound int `json:"updated_round"`

	// Execution tracking
	Attempts  []StepAttempt `json:"attempts,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// StepAttempt records one execution attempt for a step.
type StepAttempt struct {
	Number    int       `json:"number"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Plan is the ordered set of analysis steps. Steps are appended, never
// deleted or renumbered; history stays auditable across revisions.
type Plan struct {
	Steps    []PlanStep `json:"steps"`
	Revision int        `json:"revision"`
}

// StepByID returns a pointer to the step with the given id, or nil.
func (p *Plan) StepByID(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// CountByStatus tallies steps by status.
func (p *Plan) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int)
	for i := range p.Steps {
		counts[p.Steps[i].Status]++
	}
	return counts
}

// NextSeq returns the next unused sequence index.
func (p *Plan) NextSeq() int {
	max := -1
	for i := range p.Steps {
		if p.Steps[i].Seq > max {
			max = p.Steps[i].Seq
		}
	}
	return max + 1
}

// NewStepID mints a fresh step id.
func NewStepID() string {
	return "step_" + uuid.NewString()[:8]
}

// ExecutionArtifact is the durable record of one sandboxed execution of a
// step's generated code.
type ExecutionArtifact struct {
	ID          string    `json:"id"`
	StepID      string    `json:"step_id"`
	Code        string    `json:"code"`
	CodeVersion int       `json:"code_version"` // Monotonic per step
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Result      string    `json:"result,omitempty"`
	Figures     []string  `json:"figures,omitempty"` // Files committed to the output dir
	DurationMS  int64     `json:"duration_ms"`
	Outcome     Outcome   `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewArtifactID mints a fresh artifact id.
func NewArtifactID() string {
	return "art_" + uuid.NewString()[:8]
}

// Insight is the interpreted result of a completed step.
type Insight struct {
	StepID         string    `json:"step_id"`
	Interpretation string    `json:"interpretation"`
	KeyFindings    []string  `json:"key_findings,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"` // Advisory input to plan review
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProjectState is the single source of truth for one analysis project.
// Mutated exclusively through Arena operations; persisted after every
// committed round so a crash resumes at step granularity.
type ProjectState struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	Profile DataProfile `json:"profile"`
	Plan    Plan        `json:"plan"`

	// Per-step records; artifact slices hold the full attempt history with
	// the latest version last.
	Artifacts map[string][]ExecutionArtifact `json:"artifacts,omitempty"`
	Insights  map[string]Insight             `json:"insights,omitempty"`

	// Cumulative insight digest, periodically recompacted.
	Digest string `json:"digest,omitempty"`

	// Budget counters
	Round       int `json:"round"`
	AnalysesRun int `json:"analyses_run"`
	RetriesUsed int `json:"retries_used"`
}

// NewProjectState creates a fresh state for a profiled dataset.
func NewProjectState(name string, profile DataProfile) *ProjectState {
	now := time.Now().UTC()
	return &ProjectState{
		ID:        "proj_" + uuid.NewString()[:8],
		Name:      name,
		Status:    ProjectActive,
		CreatedAt: now,
		UpdatedAt: now,
		Profile:   profile,
		Artifacts: make(map[string][]ExecutionArtifact),
		Insights:  make(map[string]Insight),
	}
}

// LatestArtifact returns the most recent artifact for a step, or nil.
func (s *ProjectState) LatestArtifact(stepID string) *ExecutionArtifact {
	arts := s.Artifacts[stepID]
	if len(arts) == 0 {
		return nil
	}
	return &arts[len(arts)-1]
}

// NextCodeVersion returns the code version the next generation attempt for
// a step should carry.
func (s *ProjectState) NextCodeVersion(stepID string) int {
	if latest := s.LatestArtifact(stepID); latest != nil {
		return latest.CodeVersion + 1
	}
	return 1
}

// Clone returns a deep copy of the state. Workers read clones so they never
// observe a partially-committed write.
func (s *ProjectState) Clone() *ProjectState {
	out := *s

	out.Plan.Steps = make([]PlanStep, len(s.Plan.Steps))
	copy(out.Plan.Steps, s.Plan.Steps)
	for i := range out.Plan.Steps {
		if deps := s.Plan.Steps[i].DependsOn; deps != nil {
			out.Plan.Steps[i].DependsOn = append([]string(nil), deps...)
		}
		if atts := s.Plan.Steps[i].Attempts; atts != nil {
			out.Plan.Steps[i].Attempts = append([]StepAttempt(nil), atts...)
		}
	}

	out.Profile.Fields = make([]FieldProfile, len(s.Profile.Fields))
	copy(out.Profile.Fields, s.Profile.Fields)
	for i := range out.Profile.Fields {
		src := s.Profile.Fields[i]
		if src.Stats != nil {
			stats := make(map[string]string, len(src.Stats))
			for k, v := range src.Stats {
				stats[k] = v
			}
			out.Profile.Fields[i].Stats = stats
		}
		if src.Samples != nil {
			out.Profile.Fields[i].Samples = append([]string(nil), src.Samples...)
		}
	}

	out.Artifacts = make(map[string][]ExecutionArtifact, len(s.Artifacts))
	for k, v := range s.Artifacts {
		arts := make([]ExecutionArtifact, len(v))
		copy(arts, v)
		for i := range arts {
			if v[i].Figures != nil {
				arts[i].Figures = append([]string(nil), v[i].Figures...)
			}
		}
		out.Artifacts[k] = arts
	}

	out.Insights = make(map[string]Insight, len(s.Insights))
	for k, v := range s.Insights {
		ins := v
		if v.KeyFindings != nil {
			ins.KeyFindings = append([]string(nil), v.KeyFindings...)
		}
		if v.Suggestions != nil {
			ins.Suggestions = append([]string(nil), v.Suggestions...)
		}
		out.Insights[k] = ins
	}

	return &out
}
