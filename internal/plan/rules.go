// Package plan owns the analysis plan lifecycle: generating the initial
// plan from a dataset profile, deriving which steps are ready to run, and
// revising the plan between rounds. Readiness is not computed in Go; it is
// derived by a small Mangle program so the dependency semantics live in
// declarative rules rather than in loop-and-flag code.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"datasage/internal/logging"
)

// schedulerProgram derives step readiness from status and dependency facts.
//
// A step is ready when it is still planned and every dependency has reached
// /completed. Mangle has no disequality over name constants in strict mode,
// so unmet_dep enumerates the non-completed statuses instead.
const schedulerProgram = `
Decl step_status(Id, Status).
Decl step_dep(Id, Dep).
Decl unmet_dep(Id).
Decl ready_step(Id).
Decl blocked_step(Id).

unmet_dep(Id) :- step_dep(Id, D), step_status(D, /planned).
unmet_dep(Id) :- step_dep(Id, D), step_status(D, /in_progress).
unmet_dep(Id) :- step_dep(Id, D), step_status(D, /failed).
unmet_dep(Id) :- step_dep(Id, D), step_status(D, /skipped).

ready_step(Id) :- step_status(Id, /planned), !unmet_dep(Id).
blocked_step(Id) :- step_status(Id, /planned), unmet_dep(Id).
`

const evalFactLimit = 100000

// Fact is a single predicate instance fed into the scheduler.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// ToAtom converts a Fact to a Mangle atom. Strings with a "/" prefix become
// name constants, everything else maps to the closest Mangle base type.
func (f Fact) ToAtom() (ast.Atom, error) {
	terms := make([]ast.BaseTerm, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				c, err := ast.Name(v)
				if err != nil {
					return ast.Atom{}, fmt.Errorf("invalid name constant %q: %w", v, err)
				}
				terms = append(terms, c)
			} else {
				terms = append(terms, ast.String(v))
			}
		case int:
			terms = append(terms, ast.Number(int64(v)))
		case int64:
			terms = append(terms, ast.Number(v))
		case float64:
			terms = append(terms, ast.Float64(v))
		case bool:
			if v {
				terms = append(terms, ast.TrueConstant)
			} else {
				terms = append(terms, ast.FalseConstant)
			}
		default:
			terms = append(terms, ast.String(fmt.Sprintf("%v", v)))
		}
	}
	return ast.NewAtom(f.Predicate, terms...), nil
}

// Derived is the scheduler's verdict for one plan snapshot.
type Derived struct {
	// Ready lists planned steps whose dependencies are all completed.
	Ready []string
	// Blocked lists planned steps with at least one unmet dependency.
	Blocked []string
}

// Kernel wraps the analyzed scheduler program. Analysis happens once at
// construction; each Evaluate call runs against a fresh fact store.
type Kernel struct {
	programInfo *analysis.ProgramInfo
}

// NewKernel parses and analyzes the scheduling rules.
func NewKernel() (*Kernel, error) {
	parsed, err := parse.Unit(strings.NewReader(schedulerProgram))
	if err != nil {
		return nil, fmt.Errorf("parse scheduler rules: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze scheduler rules: %w", err)
	}
	return &Kernel{programInfo: programInfo}, nil
}

// Evaluate loads the given facts into a fresh store, runs the scheduler
// rules, and reports which steps are ready and which are blocked.
func (k *Kernel) Evaluate(facts []Fact) (Derived, error) {
	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		atom, err := f.ToAtom()
		if err != nil {
			return Derived{}, fmt.Errorf("fact %s: %w", f.Predicate, err)
		}
		store.Add(atom)
	}

	stats, err := engine.EvalProgramWithStats(k.programInfo, store, engine.WithCreatedFactLimit(evalFactLimit))
	if err != nil {
		return Derived{}, fmt.Errorf("evaluate scheduler rules: %w", err)
	}
	evalTime := time.Duration(0)
	for _, d := range stats.Duration {
		evalTime += d
	}
	logging.PlanDebug("Kernel: evaluated %d facts across %d strata in %v",
		len(facts), len(stats.Strata), evalTime)

	ready, err := k.queryIDs(store, "ready_step")
	if err != nil {
		return Derived{}, err
	}
	blocked, err := k.queryIDs(store, "blocked_step")
	if err != nil {
		return Derived{}, err
	}
	return Derived{Ready: ready, Blocked: blocked}, nil
}

// queryIDs collects the first argument of every derived fact for the named
// unary predicate, sorted for deterministic output.
func (k *Kernel) queryIDs(store factstore.FactStore, predicate string) ([]string, error) {
	var pred ast.PredicateSym
	found := false
	for sym := range k.programInfo.Decls {
		if sym.Symbol == predicate {
			pred = sym
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("predicate %s not declared in scheduler rules", predicate)
	}

	var ids []string
	err := store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
		if len(a.Args) == 0 {
			return nil
		}
		c, ok := a.Args[0].(ast.Constant)
		if !ok {
			return nil
		}
		ids = append(ids, c.Symbol)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", predicate, err)
	}
	sort.Strings(ids)
	return ids, nil
}
