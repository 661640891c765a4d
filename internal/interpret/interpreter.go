// Package interpret turns raw execution output into structured insights.
// The reasoning backend is consulted for successful runs only; failed runs
// get a synthesized insight so the plan reviewer still sees what happened
// without spending a completion on output that does not exist.
package interpret

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"datasage/internal/backend"
	"datasage/internal/logging"
	"datasage/internal/project"
)

const (
	defaultConfidence = 0.5
	maxSuggestions    = 5
	maxFindings       = 10
	outputLimit       = 8000
)

const interpretPrompt = `You are a careful data analyst interpreting the output of one automated analysis step.

%s

--- ANALYSIS STEP ---
%s

--- EXPECTED INSIGHT ---
%s

--- EXECUTION OUTPUT ---
%s

Requirements:
- Interpret only what the output shows. Never invent numbers.
- Findings must be concrete and reference values from the output.
- Next steps are suggestions for the plan reviewer, not commands.

Respond with:
CONFIDENCE: [0-100]

INTERPRETATION:
[2-4 sentences explaining what the output shows]

KEY FINDINGS:
- [one finding per line, most important first]

NEXT STEPS:
- [3 to 5 suggested follow-up analyses, one per line]`

// Interpreter extracts insights from execution artifacts.
type Interpreter struct {
	client backend.Client
}

// NewInterpreter returns an interpreter backed by the given client.
func NewInterpreter(client backend.Client) *Interpreter {
	return &Interpreter{client: client}
}

// Interpret produces the insight for one executed step. Only /success
// artifacts reach the backend; every other outcome is summarized locally
// with zero confidence. A backend error is returned as-is so the caller
// can distinguish transient failures from fatal ones.
func (i *Interpreter) Interpret(ctx context.Context, step project.PlanStep, art project.ExecutionArtifact, boundedContext string) (project.Insight, error) {
	if art.Outcome != project.OutcomeSuccess {
		return i.synthesizeFailure(step, art), nil
	}

	output := strings.TrimSpace(art.Result)
	if output == "" {
		output = strings.TrimSpace(art.Stdout)
	}
	if output == "" {
		logging.InsightDebug("step %s: successful run produced no output, skipping backend", step.ID)
		return project.Insight{
			StepID:         step.ID,
			Interpretation: fmt.Sprintf("Step %q completed but produced no output to interpret.", step.Description),
			Confidence:     0,
			CreatedAt:      time.Now().UTC(),
		}, nil
	}

	prompt := fmt.Sprintf(interpretPrompt, boundedContext, step.Description, step.Expected, truncateOutput(output))
	resp, err := backend.CompleteForPurpose(ctx, i.client, backend.PurposeInterpret, "", prompt)
	if err != nil {
		return project.Insight{}, fmt.Errorf("interpret step %s: %w", step.ID, err)
	}

	ins := parseResponse(step.ID, resp)
	logging.Insight("step %s: confidence %.2f, %d finding(s), %d suggestion(s)",
		step.ID, ins.Confidence, len(ins.KeyFindings), len(ins.Suggestions))
	return ins, nil
}

// synthesizeFailure builds the "not completed" insight for a failed run.
// The stderr head is carried as a finding so plan review sees the cause.
func (i *Interpreter) synthesizeFailure(step project.PlanStep, art project.ExecutionArtifact) project.Insight {
	var cause string
	switch art.Outcome {
	case project.OutcomeTimeout:
		cause = "the run exceeded its wall-clock limit"
	case project.OutcomePolicyViolation:
		cause = "the generated code violated sandbox policy"
	default:
		cause = "the generated code failed at runtime"
	}

	ins := project.Insight{
		StepID:         step.ID,
		Interpretation: fmt.Sprintf("Step %q was not completed: %s.", step.Description, cause),
		Confidence:     0,
		CreatedAt:      time.Now().UTC(),
	}
	if head := firstLine(art.Stderr); head != "" {
		ins.KeyFindings = []string{fmt.Sprintf("Failure detail: %s", head)}
	}
	logging.InsightDebug("step %s: synthesized %s insight", step.ID, art.Outcome)
	return ins
}

// parseResponse scans the labeled sections the prompt asks for. Missing
// sections fall back to defaults rather than failing: a malformed response
// still yields a usable insight.
func parseResponse(stepID, resp string) project.Insight {
	ins := project.Insight{
		StepID:     stepID,
		Confidence: defaultConfidence,
		CreatedAt:  time.Now().UTC(),
	}

	var interpretation []string
	section := ""
	for _, line := range strings.Split(resp, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		switch {
		case strings.HasPrefix(lower, "confidence"):
			if v, ok := parseConfidence(trimmed); ok {
				ins.Confidence = v
			}
			section = ""
			continue
		case strings.HasPrefix(lower, "interpretation"):
			section = "interpretation"
			if rest := restAfterColon(trimmed); rest != "" {
				interpretation = append(interpretation, rest)
			}
			continue
		case strings.HasPrefix(lower, "key finding"):
			section = "findings"
			continue
		case strings.HasPrefix(lower, "next step") || strings.HasPrefix(lower, "suggestion"):
			section = "suggestions"
			continue
		}

		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
			item := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(trimmed, "-"), "*"))
			if item == "" {
				continue
			}
			switch section {
			case "findings":
				ins.KeyFindings = append(ins.KeyFindings, item)
			case "suggestions":
				ins.Suggestions = append(ins.Suggestions, item)
			case "interpretation":
				interpretation = append(interpretation, item)
			}
			continue
		}
		if section == "interpretation" {
			interpretation = append(interpretation, trimmed)
		}
	}

	ins.Interpretation = strings.Join(interpretation, " ")
	if ins.Interpretation == "" {
		ins.Interpretation = strings.TrimSpace(resp)
		logging.InsightDebug("step %s: no interpretation section, using whole response", stepID)
	}
	if len(ins.KeyFindings) > maxFindings {
		ins.KeyFindings = ins.KeyFindings[:maxFindings]
	}
	if len(ins.Suggestions) > maxSuggestions {
		ins.Suggestions = ins.Suggestions[:maxSuggestions]
	}
	return ins
}

// parseConfidence reads "CONFIDENCE: 85", "confidence: 85%", or an already
// normalized "0.85" and maps it onto [0, 1].
func parseConfidence(line string) (float64, bool) {
	rest := restAfterColon(line)
	rest = strings.Trim(rest, "[]% ")
	if rest == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, false
	}
	if v > 1 {
		v /= 100
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, true
}

func restAfterColon(s string) string {
	i := strings.Index(s, ":")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(s[i+1:])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncateOutput(s string) string {
	if len(s) <= outputLimit {
		return s
	}
	return s[:outputLimit] + "\n...(truncated)"
}
