package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"datasage/internal/backend"
	"datasage/internal/budget"
	"datasage/internal/logging"
	"datasage/internal/project"
)

// maxAppendPerReview caps how many steps one review round may add, so a
// chatty backend cannot balloon the plan faster than steps complete.
const maxAppendPerReview = 5

const defaultPriority = 5

// RawPlan is the backend's proposed plan structure.
type RawPlan struct {
	Steps []RawStep `json:"steps"`
}

// RawStep is one proposed analysis step.
type RawStep struct {
	Description     string `json:"description"`
	Category        string `json:"category"`
	ExpectedOutcome string `json:"expected_outcome"`
	Priority        int    `json:"priority"`
	// DependsOn holds indices of earlier steps in the same response.
	DependsOn []int `json:"depends_on"`
	// DependsOnIDs holds ids of steps already in the plan (review only).
	DependsOnIDs []string `json:"depends_on_ids,omitempty"`
}

// RawReview is the backend's proposed plan revision.
type RawReview struct {
	AppendSteps  []RawStep         `json:"append_steps"`
	Reprioritize []RawReprioritize `json:"reprioritize"`
	Skip         []RawSkip         `json:"skip"`
}

// RawReprioritize adjusts the priority of an existing planned step.
type RawReprioritize struct {
	StepID   string `json:"step_id"`
	Priority int    `json:"priority"`
}

// RawSkip marks an existing planned step obsolete.
type RawSkip struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// Manager owns plan generation, step selection, and mid-run plan revision.
// Selection is derived by the rules kernel; revisions are serialized so only
// one review is ever in flight.
type Manager struct {
	client backend.Client
	kernel *Kernel

	reviewMu sync.Mutex
}

// NewManager builds a plan manager around the given reasoning client.
func NewManager(client backend.Client) (*Manager, error) {
	kernel, err := NewKernel()
	if err != nil {
		return nil, err
	}
	return &Manager{client: client, kernel: kernel}, nil
}

// GenerateInitial asks the backend for an ordered step list derived from the
// dataset profile. Malformed output is rejected and retried once with the
// parse error quoted back; if that also fails, a minimal deterministic plan
// is returned so a run never stalls with an empty plan.
func (m *Manager) GenerateInitial(ctx context.Context, profile *project.DataProfile) (*project.Plan, error) {
	var sb strings.Builder
	sb.WriteString(budget.RenderProfile(profile))
	sb.WriteString("\n\n")
	sb.WriteString(categoryTaxonomyPrompt)
	prompt := fmt.Sprintf(initialPlanPrompt, sb.String())

	raw, err := m.proposePlan(ctx, prompt)
	if err != nil {
		logging.PlanError("GenerateInitial: proposal rejected: %v", err)
		retry := prompt + fmt.Sprintf("\n\nYour previous response was rejected: %v\nRespond again with ONLY valid JSON matching the schema.", err)
		raw, err = m.proposePlan(ctx, retry)
	}
	if err != nil {
		logging.Plan("GenerateInitial: falling back to deterministic plan: %v", err)
		return fallbackPlan(profile), nil
	}

	p := buildPlan(raw)
	logging.Plan("GenerateInitial: %d steps planned for %s", len(p.Steps), profile.Dataset)
	return p, nil
}

// proposePlan runs one planning completion and parses the response.
func (m *Manager) proposePlan(ctx context.Context, prompt string) (*RawPlan, error) {
	resp, err := backend.CompleteForPurpose(ctx, m.client, backend.PurposePlan, "", prompt)
	if err != nil {
		return nil, err
	}
	var raw RawPlan
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp)), &raw); err != nil {
		return nil, fmt.Errorf("parse plan JSON: %w", err)
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("proposed plan has no steps")
	}
	return &raw, nil
}

// buildPlan converts a RawPlan into plan steps with fresh ids. Dependency
// indices must point at earlier steps; anything else is dropped, which keeps
// the dependency graph acyclic by construction.
func buildPlan(raw *RawPlan) *project.Plan {
	ids := make([]string, len(raw.Steps))
	for i := range raw.Steps {
		ids[i] = project.NewStepID()
	}

	steps := make([]project.PlanStep, 0, len(raw.Steps))
	for i, rs := range raw.Steps {
		var deps []string
		for _, j := range rs.DependsOn {
			if j < 0 || j >= i {
				logging.PlanDebug("buildPlan: step %d dropped dependency index %d", i, j)
				continue
			}
			deps = append(deps, ids[j])
		}
		steps = append(steps, project.PlanStep{
			ID:          ids[i],
			Seq:         i,
			Description: strings.TrimSpace(rs.Description),
			Expected:    strings.TrimSpace(rs.ExpectedOutcome),
			Category:    normalizeCategory(rs.Category),
			Status:      project.StepPlanned,
			Priority:    clampPriority(rs.Priority),
			DependsOn:   deps,
		})
	}
	return &project.Plan{Steps: steps}
}

// fallbackPlan is the deterministic minimum: one cleaning pass and one
// univariate exploration pass over the profiled fields.
func fallbackPlan(profile *project.DataProfile) *project.Plan {
	fields := strings.Join(profile.FieldNames(), ", ")
	if fields == "" {
		fields = "all fields"
	}
	cleaningID := project.NewStepID()
	return &project.Plan{
		Steps: []project.PlanStep{
			{
				ID:          cleaningID,
				Seq:         0,
				Description: fmt.Sprintf("Scan %s for missing, empty, or malformed values and report a count per field.", fields),
				Expected:    "A per-field data quality report identifying fields that need attention.",
				Category:    project.CategoryCleaning,
				Status:      project.StepPlanned,
				Priority:    8,
			},
			{
				ID:          project.NewStepID(),
				Seq:         1,
				Description: fmt.Sprintf("Compute univariate summaries for %s: numeric fields get min, max, and mean; text fields get distinct value counts and the most frequent values.", fields),
				Expected:    "Baseline distributions for every field.",
				Category:    project.CategoryExploration,
				Status:      project.StepPlanned,
				Priority:    6,
				DependsOn:   []string{cleaningID},
			},
		},
	}
}

// ReadySteps evaluates the rules kernel over the plan and returns every
// ready step ordered by priority descending then sequence ascending, plus
// the ids of planned steps blocked on unmet dependencies.
func (m *Manager) ReadySteps(p *project.Plan) ([]project.PlanStep, []string, error) {
	derived, err := m.kernel.Evaluate(PlanFacts(p))
	if err != nil {
		return nil, nil, err
	}
	blocked := stripIDPrefix(derived.Blocked)

	ready := make([]project.PlanStep, 0, len(derived.Ready))
	for _, id := range stripIDPrefix(derived.Ready) {
		if s := p.StepByID(id); s != nil {
			step := *s
			step.DependsOn = append([]string(nil), s.DependsOn...)
			ready = append(ready, step)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready, blocked, nil
}

// NextReady returns the single best ready step, or nil when nothing is
// ready. Blocked step ids are always reported so the caller can distinguish
// "plan finished" from "plan wedged".
func (m *Manager) NextReady(p *project.Plan) (*project.PlanStep, []string, error) {
	ready, blocked, err := m.ReadySteps(p)
	if err != nil {
		return nil, nil, err
	}
	if len(ready) == 0 {
		return nil, blocked, nil
	}
	return &ready[0], blocked, nil
}

// ReviewAndUpdate asks the backend to revise the plan in light of the
// bounded context (plan outline, digest, recent outcomes) and applies the
// revision through the arena. The plan is append-only: existing steps are
// skipped or reprioritized, never rewritten. Individually invalid directives
// are logged and dropped rather than failing the round.
func (m *Manager) ReviewAndUpdate(ctx context.Context, arena *project.Arena, boundedContext string) error {
	m.reviewMu.Lock()
	defer m.reviewMu.Unlock()

	prompt := fmt.Sprintf(reviewPlanPrompt, boundedContext, maxAppendPerReview)
	resp, err := backend.CompleteForPurpose(ctx, m.client, backend.PurposeRevise, "", prompt)
	if err != nil {
		return fmt.Errorf("plan review: %w", err)
	}
	var raw RawReview
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp)), &raw); err != nil {
		return fmt.Errorf("parse review JSON: %w", err)
	}

	skipped, reprioritized := 0, 0
	for _, s := range raw.Skip {
		if err := arena.Skip(s.StepID, strings.TrimSpace(s.Reason), false); err != nil {
			logging.PlanDebug("ReviewAndUpdate: skip %s dropped: %v", s.StepID, err)
			continue
		}
		skipped++
	}
	for _, r := range raw.Reprioritize {
		if err := arena.Reprioritize(r.StepID, clampPriority(r.Priority)); err != nil {
			logging.PlanDebug("ReviewAndUpdate: reprioritize %s dropped: %v", r.StepID, err)
			continue
		}
		reprioritized++
	}

	appended, err := m.applyAppends(arena, raw.AppendSteps)
	if err != nil {
		return err
	}

	if skipped+reprioritized+appended == 0 {
		logging.PlanDebug("ReviewAndUpdate: no changes proposed")
		return nil
	}
	logging.Plan("ReviewAndUpdate: %d skipped, %d reprioritized, %d appended", skipped, reprioritized, appended)
	return nil
}

// applyAppends converts proposed steps to plan steps with fresh ids and
// appends them through the arena. Dependency references are resolved against
// both the new batch (by index, earlier steps only) and the existing plan
// (by id); unknown references are dropped.
func (m *Manager) applyAppends(arena *project.Arena, proposed []RawStep) (int, error) {
	if len(proposed) == 0 {
		return 0, nil
	}
	if len(proposed) > maxAppendPerReview {
		logging.Plan("ReviewAndUpdate: truncating %d proposed steps to %d", len(proposed), maxAppendPerReview)
		proposed = proposed[:maxAppendPerReview]
	}

	known := make(map[string]bool)
	snap := arena.Snapshot()
	for i := range snap.Plan.Steps {
		known[snap.Plan.Steps[i].ID] = true
	}

	ids := make([]string, len(proposed))
	for i := range proposed {
		ids[i] = project.NewStepID()
	}
	steps := make([]project.PlanStep, 0, len(proposed))
	for i, rs := range proposed {
		var deps []string
		for _, j := range rs.DependsOn {
			if j < 0 || j >= i {
				logging.PlanDebug("ReviewAndUpdate: appended step %d dropped dependency index %d", i, j)
				continue
			}
			deps = append(deps, ids[j])
		}
		for _, id := range rs.DependsOnIDs {
			if !known[id] {
				logging.PlanDebug("ReviewAndUpdate: appended step %d dropped unknown dependency %s", i, id)
				continue
			}
			deps = append(deps, id)
		}
		steps = append(steps, project.PlanStep{
			ID:          ids[i],
			Description: strings.TrimSpace(rs.Description),
			Expected:    strings.TrimSpace(rs.ExpectedOutcome),
			Category:    normalizeCategory(rs.Category),
			Priority:    clampPriority(rs.Priority),
			DependsOn:   deps,
		})
	}
	if err := arena.AppendSteps(steps); err != nil {
		return 0, fmt.Errorf("append reviewed steps: %w", err)
	}
	return len(steps), nil
}

// normalizeCategory maps backend output onto the step taxonomy, tolerating
// a missing slash prefix. Anything unrecognized lands in /other.
func normalizeCategory(s string) project.StepCategory {
	c := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "/")
	switch c {
	case "cleaning":
		return project.CategoryCleaning
	case "exploration":
		return project.CategoryExploration
	case "hypothesis_test":
		return project.CategoryHypothesisTest
	case "modeling":
		return project.CategoryModeling
	default:
		return project.CategoryOther
	}
}

// clampPriority bounds a proposed priority to [1, 10], treating the zero
// value as unset.
func clampPriority(p int) int {
	if p == 0 {
		return defaultPriority
	}
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// cleanJSONResponse strips markdown code fences from an LLM response.
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
