// Package report renders a finished analysis into a human-facing markdown
// document. It reads a ProjectState snapshot and never writes back; the
// engine never waits on it.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"datasage/internal/logging"
	"datasage/internal/project"
)

// Builder assembles the markdown report for one project snapshot.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a report builder.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// Build renders the full markdown report: dataset overview, one section per
// executed step with findings and figures, the cumulative digest, and the
// suggested follow-ups collected across insights. It mirrors the shape of
// the run itself, steps in plan order.
func (b *Builder) Build(state *project.ProjectState) string {
	timer := logging.StartTimer(logging.CategoryReport, "Build")
	defer timer.Stop()

	var md strings.Builder
	title := state.Name
	if title == "" {
		title = state.Profile.Dataset
	}
	fmt.Fprintf(&md, "# Analysis Report: %s\n\n", title)
	fmt.Fprintf(&md, "_Generated %s · project `%s` · status %s_\n\n",
		b.now().UTC().Format("2006-01-02 15:04 UTC"), state.ID, statusLabel(string(state.Status)))

	b.writeOverview(&md, state)
	b.writeRunSummary(&md, state)
	b.writeSteps(&md, state)
	b.writeDigest(&md, state)
	b.writeSuggestions(&md, state)

	return md.String()
}

func (b *Builder) writeOverview(md *strings.Builder, state *project.ProjectState) {
	p := &state.Profile
	fmt.Fprintf(md, "## Dataset\n\n")
	fmt.Fprintf(md, "`%s`: %d rows, %d fields (profiled %s).\n\n",
		p.Dataset, p.RowCount, len(p.Fields), p.ProfiledAt.Format("2006-01-02"))

	md.WriteString("| Field | Type | Summary |\n|---|---|---|\n")
	for _, f := range p.Fields {
		fmt.Fprintf(md, "| %s | %s | %s |\n", f.Name, fieldType(f), fieldSummary(f))
	}
	md.WriteString("\n")
}

// fieldType shows the observed type, with the declared type alongside when
// the dictionary disagrees.
func fieldType(f project.FieldProfile) string {
	if f.DeclaredType != "" && f.DeclaredType != f.ObservedType {
		return fmt.Sprintf("%s (declared %s)", f.ObservedType, f.DeclaredType)
	}
	return f.ObservedType
}

func fieldSummary(f project.FieldProfile) string {
	var parts []string
	for _, key := range []string{"min", "max", "mean", "distinct", "top", "missing"} {
		if v, ok := f.Stats[key]; ok {
			parts = append(parts, fmt.Sprintf("%s %s", key, v))
		}
	}
	if len(parts) == 0 && f.Description != "" {
		return f.Description
	}
	return strings.Join(parts, ", ")
}

func (b *Builder) writeRunSummary(md *strings.Builder, state *project.ProjectState) {
	counts := state.Plan.CountByStatus()
	fmt.Fprintf(md, "## Run Summary\n\n")
	fmt.Fprintf(md, "- Plan: %d steps (revision %d)\n", len(state.Plan.Steps), state.Plan.Revision)
	fmt.Fprintf(md, "- Completed: %d · Failed: %d · Skipped: %d · Not run: %d\n",
		counts[project.StepCompleted], counts[project.StepFailed],
		counts[project.StepSkipped], counts[project.StepPlanned])
	fmt.Fprintf(md, "- Analyses executed: %d · Repair retries used: %d · Rounds: %d\n\n",
		state.AnalysesRun, state.RetriesUsed, state.Round)
}

func (b *Builder) writeSteps(md *strings.Builder, state *project.ProjectState) {
	fmt.Fprintf(md, "## Analysis Steps\n\n")
	for i := range state.Plan.Steps {
		step := &state.Plan.Steps[i]
		fmt.Fprintf(md, "### %d. %s\n\n", step.Seq+1, step.Description)
		fmt.Fprintf(md, "_%s · %s", categoryLabel(step.Category), statusLabel(string(step.Status)))
		if art := state.LatestArtifact(step.ID); art != nil {
			fmt.Fprintf(md, " · code v%d · %s", art.CodeVersion, time.Duration(art.DurationMS)*time.Millisecond)
		}
		md.WriteString("_\n\n")

		switch step.Status {
		case project.StepCompleted:
			b.writeCompletedStep(md, state, step)
		case project.StepFailed:
			b.writeFailedStep(md, state, step)
		case project.StepSkipped:
			if step.LastError != "" {
				fmt.Fprintf(md, "Skipped: %s\n\n", step.LastError)
			} else {
				md.WriteString("Skipped during plan review.\n\n")
			}
		default:
			md.WriteString("Not executed.\n\n")
		}
	}
}

func (b *Builder) writeCompletedStep(md *strings.Builder, state *project.ProjectState, step *project.PlanStep) {
	if ins, ok := state.Insights[step.ID]; ok {
		if len(ins.KeyFindings) > 0 {
			for _, f := range ins.KeyFindings {
				fmt.Fprintf(md, "- %s\n", f)
			}
			md.WriteString("\n")
		} else if ins.Interpretation != "" {
			fmt.Fprintf(md, "%s\n\n", ins.Interpretation)
		}
		if ins.Confidence > 0 {
			fmt.Fprintf(md, "_Confidence: %.0f%%_\n\n", ins.Confidence*100)
		}
	}
	art := state.LatestArtifact(step.ID)
	if art == nil {
		return
	}
	if art.Result != "" {
		fmt.Fprintf(md, "```\n%s\n```\n\n", strings.TrimSpace(art.Result))
	}
	for _, fig := range art.Figures {
		fmt.Fprintf(md, "![figure](%s)\n", fig)
	}
	if len(art.Figures) > 0 {
		md.WriteString("\n")
	}
}

// writeFailedStep records the failure classification and the code version
// that failed, so the step can be inspected and re-run by hand.
func (b *Builder) writeFailedStep(md *strings.Builder, state *project.ProjectState, step *project.PlanStep) {
	art := state.LatestArtifact(step.ID)
	if art == nil {
		fmt.Fprintf(md, "Failed before execution: %s\n\n", step.LastError)
		return
	}
	fmt.Fprintf(md, "Failed with %s at code v%d after %d attempt(s).\n\n",
		statusLabel(string(art.Outcome)), art.CodeVersion, len(step.Attempts))
	if msg := strings.TrimSpace(art.Stderr); msg != "" {
		fmt.Fprintf(md, "```\n%s\n```\n\n", firstLines(msg, 8))
	}
}

func (b *Builder) writeDigest(md *strings.Builder, state *project.ProjectState) {
	if strings.TrimSpace(state.Digest) == "" {
		return
	}
	fmt.Fprintf(md, "## Cumulative Findings\n\n%s\n\n", strings.TrimSpace(state.Digest))
}

// writeSuggestions collects the advisory next-step suggestions from all
// insights, deduplicated, most recent steps first.
func (b *Builder) writeSuggestions(md *strings.Builder, state *project.ProjectState) {
	type stamped struct {
		text string
		at   time.Time
	}
	var all []stamped
	seen := make(map[string]bool)
	for _, ins := range state.Insights {
		for _, s := range ins.Suggestions {
			key := strings.ToLower(strings.TrimSpace(s))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, stamped{text: strings.TrimSpace(s), at: ins.CreatedAt})
		}
	}
	if len(all) == 0 {
		return
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at.After(all[j].at) })

	fmt.Fprintf(md, "## Suggested Next Steps\n\n")
	for _, s := range all {
		fmt.Fprintf(md, "- %s\n", s.text)
	}
	md.WriteString("\n")
}

// Render renders markdown for the terminal. Falls back to the raw markdown
// when no renderer can be built (no TTY, unknown terminal).
func Render(markdown string, width int) string {
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return markdown
	}
	out, err := r.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}

// statusLabel strips the slash prefix for display.
func statusLabel(s string) string {
	return strings.TrimPrefix(s, "/")
}

func categoryLabel(c project.StepCategory) string {
	return strings.ReplaceAll(strings.TrimPrefix(string(c), "/"), "_", " ")
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}
