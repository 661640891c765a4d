package plan

// categoryTaxonomyPrompt steers the backend toward the step taxonomy and a
// sane ordering between categories.
const categoryTaxonomyPrompt = `STEP CATEGORIES (ORDER CLEANING BEFORE ANALYSIS):
1. /cleaning - handle missing values, malformed rows, type coercion, outlier flags
2. /exploration - distributions, summary statistics, correlations, group comparisons
3. /hypothesis_test - a specific testable claim about the data, stated up front
4. /modeling - simple predictive or descriptive models (regression, clustering)
5. /other - anything that does not fit the above

Cleaning steps come first and later steps depend on them. Exploration feeds
hypothesis tests. Keep each step small enough to implement as one short
program over the dataset.`

// initialPlanPrompt is the template for GenerateInitial. The single %s is
// the rendered dataset context block.
const initialPlanPrompt = `You are a careful data analyst planning an automated analysis.

%s

Create an ordered analysis plan of 4 to 8 steps. Each step should have:
- A concrete, self-contained description an analyst could implement directly
- The insight the step is expected to surface
- A category from the taxonomy
- A priority from 1 (lowest) to 10 (highest)
- Dependencies as indices of earlier steps in this list (0-based)

Output JSON:
{
  "steps": [
    {
      "description": "Specific analysis task over named fields",
      "category": "/cleaning|/exploration|/hypothesis_test|/modeling|/other",
      "expected_outcome": "What this step should reveal",
      "priority": 1-10,
      "depends_on": [step_indices]
    }
  ]
}

Output ONLY valid JSON:`

// reviewPlanPrompt is the template for ReviewAndUpdate. The single %s is the
// rendered project context block (plan outline, digest, recent outcomes).
const reviewPlanPrompt = `You are a careful data analyst reviewing an analysis plan mid-run.

%s

Revise the plan based on what the completed steps revealed. You may:
- append_steps: add follow-up steps (same shape as initial planning; depends_on
  indices refer to the NEW steps in this response, existing steps are referenced
  by their step_id in depends_on_ids)
- reprioritize: raise or lower the priority of a planned step
- skip: mark a planned step obsolete, with a reason

Do not re-add work that already completed or failed. Append at most %d steps.
Return empty lists when the plan is still right.

Output JSON:
{
  "append_steps": [
    {
      "description": "...",
      "category": "/cleaning|/exploration|/hypothesis_test|/modeling|/other",
      "expected_outcome": "...",
      "priority": 1-10,
      "depends_on": [new_step_indices],
      "depends_on_ids": ["existing_step_id"]
    }
  ],
  "reprioritize": [
    {"step_id": "existing_step_id", "priority": 1-10}
  ],
  "skip": [
    {"step_id": "existing_step_id", "reason": "why it is obsolete"}
  ]
}

Output ONLY valid JSON:`
