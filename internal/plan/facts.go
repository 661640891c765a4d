package plan

import (
	"datasage/internal/project"
)

// PlanFacts projects a plan into the fact schema the scheduler rules
// consume: one step_status fact per step and one step_dep fact per
// dependency edge. Priority and ordering stay out of the rules; they are
// tie-breakers applied in Go after readiness is derived.
func PlanFacts(p *project.Plan) []Fact {
	if p == nil {
		return nil
	}
	facts := make([]Fact, 0, len(p.Steps)*2)
	for _, step := range p.Steps {
		facts = append(facts, Fact{
			Predicate: "step_status",
			Args:      []interface{}{"/" + step.ID, string(step.Status)},
		})
		for _, dep := range step.DependsOn {
			facts = append(facts, Fact{
				Predicate: "step_dep",
				Args:      []interface{}{"/" + step.ID, "/" + dep},
			})
		}
	}
	return facts
}

// stripIDPrefix undoes the name-constant encoding applied by PlanFacts.
func stripIDPrefix(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(id) > 0 && id[0] == '/' {
			out = append(out, id[1:])
		} else {
			out = append(out, id)
		}
	}
	return out
}
