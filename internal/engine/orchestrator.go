// Package engine drives the adaptive analysis loop. Each round selects
// ready plan steps, generates analysis code, executes it in the sandbox,
// interprets the results, and folds what was learned back into the digest
// and the plan, until the plan or the analysis budget is exhausted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"datasage/internal/backend"
	"datasage/internal/budget"
	"datasage/internal/codegen"
	"datasage/internal/config"
	"datasage/internal/interpret"
	"datasage/internal/logging"
	"datasage/internal/plan"
	"datasage/internal/project"
	"datasage/internal/sandbox"
)

// Orchestrator runs the analysis loop over one project.
type Orchestrator struct {
	cfg     *config.Config
	arena   *project.Arena
	dataset project.DatasetHandle

	planner     *plan.Manager
	generator   *codegen.Generator
	executor    *sandbox.Executor
	interpreter *interpret.Interpreter
	builder     *budget.Builder
	compactor   *budget.Compactor

	eventChan chan Event

	mu      sync.Mutex
	state   EngineState
	running bool
}

// OrchestratorConfig holds the wiring for an orchestrator.
type OrchestratorConfig struct {
	Config    *config.Config
	Client    backend.Client
	Arena     *project.Arena
	Dataset   project.DatasetHandle
	OutputDir string

	// CodeCache persists verified code across runs. Nil falls back to an
	// in-memory cache scoped to this orchestrator.
	CodeCache codegen.Cache

	// EventChan receives progress events; sends never block and the channel
	// stays owned by the caller. Nil disables event emission.
	EventChan chan Event
}

// NewOrchestrator wires the loop components around the shared state arena.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Config == nil || cfg.Client == nil || cfg.Arena == nil {
		return nil, fmt.Errorf("engine: config, client, and arena are required")
	}

	planner, err := plan.NewManager(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	cache := cfg.CodeCache
	if cache == nil {
		cache = codegen.NewMemoryCache()
	}
	policy := sandbox.NewPolicy(cfg.Config.Sandbox.ExtraImports...)
	cfg.Arena.SetSlots(cfg.Config.Engine.MaxParallel)

	return &Orchestrator{
		cfg:         cfg.Config,
		arena:       cfg.Arena,
		dataset:     cfg.Dataset,
		planner:     planner,
		generator:   codegen.NewGenerator(cfg.Client, cache, cfg.Config.Codegen.CacheEnabled, policy),
		executor:    sandbox.NewExecutor(cfg.OutputDir, policy),
		interpreter: interpret.NewInterpreter(cfg.Client),
		builder:     budget.NewBuilder(cfg.Config.Budget.MaxContextTokens, float64(cfg.Config.Budget.CharsPerToken)),
		compactor:   budget.NewCompactor(cfg.Config.Budget.DigestLimitChars, cfg.Config.Budget.DigestKeepRounds, cfg.Client),
		eventChan:   cfg.EventChan,
		state:       StateIdle,
	}, nil
}

// State returns the current run state.
func (o *Orchestrator) State() EngineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s EngineState, round int, msg string) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	logging.EngineDebug("state %s (round %d) %s", s, round, msg)
	o.emit(Event{State: s, Round: round, Message: msg})
}

// Run executes the analysis loop until the plan completes, the analysis
// budget is exhausted, the plan wedges, or a fatal error occurs. A canceled
// context stops scheduling new work, lets in-flight executions finish to
// their own wall-clock limit, and persists everything committed so the run
// can be resumed later.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("run already in progress")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	start := time.Now()
	snap := o.arena.Snapshot()
	logging.Engine("=== Starting run: %s (round %d, plan %d steps, %d/%d analyses used) ===",
		snap.ID, snap.Round, len(snap.Plan.Steps), snap.AnalysesRun, o.cfg.Engine.MaxAnalyses)
	o.arena.SetProjectStatus(project.ProjectActive)

	if len(snap.Plan.Steps) == 0 {
		if err := o.planInitial(ctx); err != nil {
			return o.abort(o.arena.Round(), err)
		}
	} else {
		logging.Engine("resuming existing plan (revision %d)", snap.Plan.Revision)
	}

	for {
		round := o.arena.Round()

		select {
		case <-ctx.Done():
			return o.abort(round, fmt.Errorf("run canceled: %w", ctx.Err()))
		default:
		}

		if used := o.arena.AnalysesRun(); used >= o.cfg.Engine.MaxAnalyses {
			return o.finish(round, start, fmt.Sprintf("analysis budget exhausted (%d/%d)", used, o.cfg.Engine.MaxAnalyses))
		}

		o.setState(StateSelecting, round, "")
		snap = o.arena.Snapshot()
		ready, blocked, err := o.planner.ReadySteps(&snap.Plan)
		if err != nil {
			return o.abort(round, fmt.Errorf("step selection: %w", err))
		}
		if len(ready) == 0 {
			if len(blocked) > 0 {
				return o.abort(round, fmt.Errorf("plan wedged: no runnable step, %d blocked on unmet dependencies (%s)",
					len(blocked), strings.Join(blocked, ", ")))
			}
			return o.finish(round, start, "plan complete")
		}

		// One wave per round, capped by the parallel limit and by the
		// analyses remaining in the budget.
		batch := ready
		if limit := o.cfg.Engine.MaxParallel; len(batch) > limit {
			batch = batch[:limit]
		}
		if left := o.cfg.Engine.MaxAnalyses - o.arena.AnalysesRun(); len(batch) > left {
			batch = batch[:left]
		}
		logging.Engine("round %d: %d ready, dispatching %d", round, len(ready), len(batch))

		summaries := make([]string, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i := range batch {
			step, err := o.arena.Claim(batch[i].ID)
			if err != nil {
				if errors.Is(err, project.ErrClaimConflict) || errors.Is(err, project.ErrDepsUnmet) {
					logging.EngineDebug("claim %s: %v", batch[i].ID, err)
					continue
				}
				return o.abort(round, fmt.Errorf("claim %s: %w", batch[i].ID, err))
			}
			g.Go(func() error {
				summary, err := o.runStep(gctx, round, step)
				if err != nil {
					return err
				}
				summaries[i] = summary
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return o.abort(round, err)
		}
		if ctx.Err() != nil {
			continue // the round top reports the cancellation
		}

		o.setState(StateUpdating, round, "")
		o.updateDigest(ctx, round, summaries)

		reviewContext, _ := o.builder.Build(o.arena.Snapshot(), nil)
		if err := o.planner.ReviewAndUpdate(ctx, o.arena, reviewContext); err != nil {
			if errors.Is(err, backend.ErrUnauthorized) {
				return o.abort(round, fmt.Errorf("plan review: %w", err))
			}
			logging.EngineWarn("plan review failed in round %d, plan kept as-is: %v", round, err)
		}
		if err := o.arena.Persist(); err != nil {
			return o.abort(round, err)
		}
		o.arena.BumpRound()
	}
}

// planInitial generates and installs the opening plan for a fresh project.
func (o *Orchestrator) planInitial(ctx context.Context) error {
	round := o.arena.Round()
	o.setState(StatePlanning, round, "")

	snap := o.arena.Snapshot()
	p, err := o.planner.GenerateInitial(ctx, &snap.Profile)
	if err != nil {
		return fmt.Errorf("initial planning: %w", err)
	}
	if err := o.arena.AppendSteps(p.Steps); err != nil {
		return fmt.Errorf("initial planning: %w", err)
	}
	if err := o.arena.Persist(); err != nil {
		return fmt.Errorf("initial planning: %w", err)
	}
	logging.Engine("initial plan installed: %d steps", len(p.Steps))
	return nil
}

// runStep drives one claimed step through generation, execution, and
// interpretation, and commits the outcome. Step-local failures are committed
// and summarized; only fatal conditions (backend auth, state corruption)
// return an error. A run canceled before any code executed leaves the step
// uncommitted so a resumed run selects it again.
func (o *Orchestrator) runStep(ctx context.Context, round int, step project.PlanStep) (string, error) {
	timer := logging.StartTimer(logging.CategoryEngine, fmt.Sprintf("step(%s)", step.ID))
	defer timer.Stop()

	snap := o.arena.Snapshot()
	boundedContext, stats := o.builder.Build(snap, &step)
	logging.EngineDebug("step %s: context assembled at %d tokens", step.ID, stats.Tokens)

	art, retries, err := o.generateAndExecute(ctx, round, step, boundedContext, snap.Profile.Hash, snap.NextCodeVersion(step.ID))
	if err != nil {
		return "", err
	}
	if art == nil {
		logging.Engine("step %s abandoned before execution: %v", step.ID, ctx.Err())
		return "", nil
	}

	o.emit(Event{State: StateInterpreting, Round: round, StepID: step.ID})
	insight, err := o.interpreter.Interpret(ctx, step, *art, boundedContext)
	insightRef := &insight
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return "", err
		}
		logging.EngineWarn("step %s: interpretation unavailable: %v", step.ID, err)
		insightRef = nil
	}

	if err := o.arena.Commit(step.ID, *art, insightRef, retries); err != nil {
		return "", err
	}
	if art.Outcome == project.OutcomeSuccess {
		o.generator.CacheVerified(step, snap.Profile.Hash, art.Code)
	}
	o.emit(Event{State: StateInterpreting, Round: round, StepID: step.ID, Outcome: art.Outcome})

	if insightRef == nil {
		return fmt.Sprintf("- %s (%s): committed %s without interpretation", step.ID, step.Category, art.Outcome), nil
	}
	return fmt.Sprintf("- %s (%s): %s", step.ID, step.Category, insightRef.Interpretation), nil
}

// generateAndExecute runs the generate/execute loop for one step, repairing
// failed code until it succeeds or the retry ceiling is reached. Policy
// violations are never repaired. Every failed version that triggers a
// repair is recorded into the step's artifact history before the next
// attempt. It returns the final artifact and the number of repair attempts
// spent; a nil artifact with nil error means the run was canceled before
// any code executed. The error is non-nil only for backend auth failures
// and state corruption.
func (o *Orchestrator) generateAndExecute(ctx context.Context, round int, step project.PlanStep, boundedContext, profileHash string, startVersion int) (*project.ExecutionArtifact, int, error) {
	ceiling := o.cfg.Codegen.RetryCeiling
	if ceiling < 1 {
		ceiling = 1
	}
	limits := sandbox.Limits{Timeout: o.cfg.GetSandboxTimeout()}

	var prior *project.ExecutionArtifact
	retries := 0
	for attempt := 1; ; attempt++ {
		o.emit(Event{State: StateGenerating, Round: round, StepID: step.ID, Message: fmt.Sprintf("attempt %d/%d", attempt, ceiling)})
		code, err := o.generator.GenerateOrRepair(ctx, step, boundedContext, profileHash, prior)
		if err != nil {
			if errors.Is(err, backend.ErrUnauthorized) {
				return nil, retries, err
			}
			if prior != nil {
				// Keep the last real execution record for the commit.
				logging.EngineWarn("step %s: repair attempt %d failed (%v), keeping last execution", step.ID, attempt, err)
				return prior, retries, nil
			}
			if ctx.Err() != nil {
				return nil, retries, nil
			}
			logging.EngineWarn("step %s: code generation failed: %v", step.ID, err)
			return &project.ExecutionArtifact{
				ID:          project.NewArtifactID(),
				StepID:      step.ID,
				CodeVersion: startVersion + attempt - 1,
				Stderr:      fmt.Sprintf("code generation failed: %v", err),
				Outcome:     project.OutcomeRuntimeError,
				CreatedAt:   time.Now().UTC(),
			}, retries, nil
		}

		version := startVersion + attempt - 1
		o.emit(Event{State: StateExecuting, Round: round, StepID: step.ID, Message: fmt.Sprintf("code v%d", version)})
		// Execution is never interrupted mid-flight; a canceled run lets the
		// sandbox finish to its own wall-clock limit.
		art := o.executor.Run(context.WithoutCancel(ctx), code, o.dataset, limits)
		art.StepID = step.ID
		art.CodeVersion = version

		switch {
		case art.Outcome == project.OutcomeSuccess:
			return &art, retries, nil
		case art.Outcome == project.OutcomePolicyViolation:
			return &art, retries, nil
		case attempt >= ceiling:
			logging.Engine("step %s: retry ceiling reached after %d attempts (%s)", step.ID, attempt, art.Outcome)
			return &art, retries, nil
		case ctx.Err() != nil:
			// Canceled; commit what completed instead of starting a repair.
			return &art, retries, nil
		}

		logging.Engine("step %s: attempt %d ended %s, repairing", step.ID, attempt, art.Outcome)
		if err := o.arena.RecordAttempt(step.ID, art); err != nil {
			return nil, retries, err
		}
		prior = &art
		retries++
	}
}

// updateDigest folds the round's step summaries into the cumulative digest
// and recompacts it when it outgrows its limit.
func (o *Orchestrator) updateDigest(ctx context.Context, round int, summaries []string) {
	var kept []string
	for _, s := range summaries {
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return
	}
	digest := o.compactor.Append(o.arena.Digest(), strings.Join(kept, "\n"), round)
	o.arena.SetDigest(o.compactor.Compact(ctx, digest))
}

// finish marks the project completed and reports the final tallies.
func (o *Orchestrator) finish(round int, start time.Time, reason string) error {
	o.arena.SetProjectStatus(project.ProjectCompleted)
	if err := o.arena.Persist(); err != nil {
		return o.abort(round, err)
	}

	snap := o.arena.Snapshot()
	counts := snap.Plan.CountByStatus()
	logging.Engine("=== Run complete: %s (completed=%d failed=%d skipped=%d analyses=%d retries=%d elapsed=%s) ===",
		reason, counts[project.StepCompleted], counts[project.StepFailed], counts[project.StepSkipped],
		snap.AnalysesRun, snap.RetriesUsed, time.Since(start).Round(time.Millisecond))
	o.setState(StateDone, round, reason)
	return nil
}

// abort marks the project aborted, keeping everything committed so far.
func (o *Orchestrator) abort(round int, err error) error {
	o.arena.SetProjectStatus(project.ProjectAborted)
	if perr := o.arena.Persist(); perr != nil {
		logging.EngineError("persist on abort: %v", perr)
	}
	logging.EngineError("=== Run aborted in round %d: %v ===", round, err)
	o.setState(StateAborted, round, err.Error())
	return err
}
