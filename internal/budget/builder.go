package budget

import (
	"fmt"
	"sort"
	"strings"

	"datasage/internal/logging"
	"datasage/internal/project"
)

// Section identifies one block of assembled context.
type Section string

const (
	SectionStep     Section = "step"     // current step detail
	SectionFailures Section = "failures" // recent failed attempts
	SectionDigest   Section = "digest"   // cumulative insight digest
	SectionProfile  Section = "profile"  // dataset profile
	SectionPlan     Section = "plan"     // full plan outline
)

// trimOrder lists sections from lowest to highest precedence. When the
// assembled context exceeds the budget, whole sections are dropped in this
// order; the current step detail survives longest and is truncated rather
// than dropped.
var trimOrder = []Section{SectionPlan, SectionProfile, SectionDigest, SectionFailures, SectionStep}

const maxRecentFailures = 3

// BuildStats reports what the builder kept and cut.
type BuildStats struct {
	Tokens    int
	Dropped   []Section
	Truncated []Section
}

// Builder assembles prompt context from project state, highest-value
// sections first, within a fixed token budget.
type Builder struct {
	counter *TokenCounter
	budget  int
}

// NewBuilder creates a builder with the given token budget and
// characters-per-token calibration.
func NewBuilder(maxTokens int, charsPerToken float64) *Builder {
	if maxTokens <= 0 {
		maxTokens = 16000
	}
	return &Builder{
		counter: NewTokenCounter(charsPerToken),
		budget:  maxTokens,
	}
}

// Counter exposes the builder's token counter.
func (b *Builder) Counter() *TokenCounter {
	return b.counter
}

// Build renders the context for a backend call. step may be nil for calls
// that are not about a specific step (initial planning, plan review).
func (b *Builder) Build(state *project.ProjectState, step *project.PlanStep) (string, BuildStats) {
	sections := map[Section]string{
		SectionStep:     renderStep(state, step),
		SectionFailures: renderFailures(state, step),
		SectionDigest:   renderDigest(state),
		SectionProfile:  RenderProfile(&state.Profile),
		SectionPlan:     RenderPlanOutline(&state.Plan),
	}

	// Reading order: profile, plan, digest, failures, step.
	order := []Section{SectionProfile, SectionPlan, SectionDigest, SectionFailures, SectionStep}
	assemble := func() string {
		var parts []string
		for _, sec := range order {
			if sections[sec] != "" {
				parts = append(parts, sections[sec])
			}
		}
		return strings.Join(parts, "\n\n")
	}

	var stats BuildStats
	out := assemble()

	// Drop whole sections lowest-precedence first until we fit; a section
	// too valuable to drop outright is truncated to the remaining room.
	for i := 0; i < len(trimOrder); i++ {
		overflow := b.counter.CountString(out) - b.budget
		if overflow <= 0 {
			break
		}
		sec := trimOrder[i]
		if sections[sec] == "" {
			continue
		}
		secTokens := b.counter.CountString(sections[sec])
		if i < len(trimOrder)-1 && secTokens <= overflow {
			sections[sec] = ""
			stats.Dropped = append(stats.Dropped, sec)
		} else {
			sections[sec] = truncateRunes(sections[sec], b.counter.Runes(secTokens-overflow))
			stats.Truncated = append(stats.Truncated, sec)
		}
		out = assemble()
	}
	if b.counter.CountString(out) > b.budget {
		out = truncateRunes(out, b.counter.Runes(b.budget))
	}
	stats.Tokens = b.counter.CountString(out)

	if len(stats.Dropped) > 0 || len(stats.Truncated) > 0 {
		logging.BudgetDebug("context build: %d tokens (budget %d), dropped=%v truncated=%v",
			stats.Tokens, b.budget, stats.Dropped, stats.Truncated)
	}
	return out, stats
}

func renderStep(state *project.ProjectState, step *project.PlanStep) string {
	if step == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Current step\n")
	fmt.Fprintf(&sb, "ID: %s\nCategory: %s\nTask: %s\n", step.ID, step.Category, step.Description)
	if step.Expected != "" {
		fmt.Fprintf(&sb, "Expected insight: %s\n", step.Expected)
	}
	if len(step.DependsOn) > 0 {
		fmt.Fprintf(&sb, "Depends on: %s\n", strings.Join(step.DependsOn, ", "))
		for _, dep := range step.DependsOn {
			if ins, ok := state.Insights[dep]; ok {
				fmt.Fprintf(&sb, "Result of %s: %s\n", dep, ins.Interpretation)
			}
		}
	}
	if len(step.Attempts) > 0 {
		fmt.Fprintf(&sb, "Prior attempts: %d\n", len(step.Attempts))
		if step.LastError != "" {
			fmt.Fprintf(&sb, "Last error: %s\n", truncateLine(step.LastError, 400))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderFailures(state *project.ProjectState, current *project.PlanStep) string {
	type failure struct {
		stepID string
		desc   string
		errMsg string
		round  int
	}
	var failures []failure
	for i := range state.Plan.Steps {
		s := &state.Plan.Steps[i]
		if current != nil && s.ID == current.ID {
			continue // the step section already carries its own errors
		}
		if s.Status != project.StepFailed || s.LastError == "" {
			continue
		}
		failures = append(failures, failure{
			stepID: s.ID,
			desc:   s.Description,
			errMsg: s.LastError,
			round:  s.UpdatedRound,
		})
	}
	if len(failures) == 0 {
		return ""
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].round > failures[j].round })
	if len(failures) > maxRecentFailures {
		failures = failures[:maxRecentFailures]
	}

	var sb strings.Builder
	sb.WriteString("## Recent failures\n")
	for _, f := range failures {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", f.stepID, f.desc, truncateLine(f.errMsg, 200))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderDigest(state *project.ProjectState) string {
	if state.Digest == "" {
		return ""
	}
	return "## Insights so far\n" + state.Digest
}

// RenderProfile renders the dataset profile as prompt text.
func RenderProfile(p *project.DataProfile) string {
	if p == nil || p.Dataset == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Dataset profile\n")
	fmt.Fprintf(&sb, "Dataset: %s (%d rows, %d fields)\n", p.Dataset, p.RowCount, len(p.Fields))
	for _, f := range p.Fields {
		fmt.Fprintf(&sb, "- %s: %s", f.Name, f.ObservedType)
		if f.DeclaredType != "" && f.DeclaredType != f.ObservedType {
			fmt.Fprintf(&sb, " (declared %s)", f.DeclaredType)
		}
		sb.WriteString("\n")
		if f.Description != "" {
			fmt.Fprintf(&sb, "  description: %s\n", f.Description)
		}
		if len(f.Stats) > 0 {
			keys := make([]string, 0, len(f.Stats))
			for k := range f.Stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, fmt.Sprintf("%s=%s", k, f.Stats[k]))
			}
			fmt.Fprintf(&sb, "  stats: %s\n", strings.Join(pairs, " "))
		}
		if len(f.Samples) > 0 {
			fmt.Fprintf(&sb, "  samples: %s\n", strings.Join(f.Samples, ", "))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderPlanOutline renders the plan as a compact numbered outline.
func RenderPlanOutline(plan *project.Plan) string {
	if plan == nil || len(plan.Steps) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Plan (revision %d)\n", plan.Revision)
	for i := range plan.Steps {
		s := &plan.Steps[i]
		fmt.Fprintf(&sb, "%d. [%s] %s: %s (priority %d", s.Seq+1, s.Status, s.ID, s.Description, s.Priority)
		if len(s.DependsOn) > 0 {
			fmt.Fprintf(&sb, ", after %s", strings.Join(s.DependsOn, ","))
		}
		sb.WriteString(")\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
