package project

import (
	"fmt"
	"sync"
	"time"
)

// PersistFunc durably stores a consistent snapshot of the state. The arena
// calls it with a private deep copy.
type PersistFunc func(snapshot *ProjectState) error

// Arena guards a ProjectState. All mutations run under its lock, so a
// snapshot either contains the whole of a step's commit (artifact, insight,
// status) or none of it. Claiming is compare-and-set: of two workers racing
// for the same planned step, exactly one wins.
type Arena struct {
	mu      sync.RWMutex
	state   *ProjectState
	persist PersistFunc
	slots   int
	claimed map[string]bool
}

// NewArena wraps a state. persist may be nil (no durability, used in tests).
func NewArena(state *ProjectState, persist PersistFunc) *Arena {
	return &Arena{
		state:   state,
		persist: persist,
		slots:   1,
		claimed: make(map[string]bool),
	}
}

// SetSlots sets how many steps may be in progress at once. Matches the
// worker fan-out configured on the orchestrator.
func (a *Arena) SetSlots(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 1 {
		n = 1
	}
	a.slots = n
}

// Snapshot returns a deep copy of the current state, safe to read without
// coordination.
func (a *Arena) Snapshot() *ProjectState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// ProjectID returns the project id.
func (a *Arena) ProjectID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.ID
}

// Round returns the current round counter.
func (a *Arena) Round() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Round
}

// AnalysesRun returns how many analyses have been committed.
func (a *Arena) AnalysesRun() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.AnalysesRun
}

// Claim transitions a planned step to in_progress, compare-and-set style.
// It fails with ErrClaimConflict if the step is not claimable or all
// execution slots are taken, and ErrDepsUnmet if a dependency is not
// completed. The returned step is a copy.
func (a *Arena) Claim(stepID string) (PlanStep, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.state.Plan.StepByID(stepID)
	if step == nil {
		return PlanStep{}, fmt.Errorf("claim %s: %w", stepID, ErrUnknownStep)
	}
	if step.Status != StepPlanned || a.claimed[stepID] {
		return PlanStep{}, fmt.Errorf("claim %s (status %s): %w", stepID, step.Status, ErrClaimConflict)
	}
	if len(a.claimed) >= a.slots {
		return PlanStep{}, fmt.Errorf("claim %s: no free slot: %w", stepID, ErrClaimConflict)
	}
	for _, dep := range step.DependsOn {
		depStep := a.state.Plan.StepByID(dep)
		if depStep == nil {
			return PlanStep{}, NewStateError("claim", fmt.Errorf("step %s depends on unknown step %s", stepID, dep))
		}
		if depStep.Status != StepCompleted {
			return PlanStep{}, fmt.Errorf("claim %s: dependency %s is %s: %w", stepID, dep, depStep.Status, ErrDepsUnmet)
		}
	}

	if err := checkTransition(stepID, step.Status, StepInProgress); err != nil {
		return PlanStep{}, err
	}
	step.Status = StepInProgress
	step.UpdatedRound = a.state.Round
	a.claimed[stepID] = true
	a.state.UpdatedAt = time.Now().UTC()

	out := *step
	out.DependsOn = append([]string(nil), step.DependsOn...)
	return out, nil
}

// RecordAttempt appends an intermediate execution artifact for a claimed
// step without releasing the claim or changing its status. The repair loop
// records each failed version here so the step's artifact history survives
// past the final commit. Nothing persists until Commit.
func (a *Arena) RecordAttempt(stepID string, artifact ExecutionArtifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.state.Plan.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("record attempt %s: %w", stepID, ErrUnknownStep)
	}
	if !a.claimed[stepID] {
		return NewStateError("record_attempt", fmt.Errorf("step %s recorded an attempt without a claim", stepID))
	}

	step.Attempts = append(step.Attempts, StepAttempt{
		Number:    len(step.Attempts) + 1,
		Outcome:   artifact.Outcome,
		Timestamp: time.Now().UTC(),
		Error:     artifact.Stderr,
	})
	a.state.Artifacts[stepID] = append(a.state.Artifacts[stepID], artifact)
	a.state.UpdatedAt = time.Now().UTC()
	return nil
}

// Commit finishes a claimed step: the artifact, the optional insight, the
// attempt record, and the status transition land together, then the state
// persists. A commit that cannot persist is a fatal StateError; the
// in-memory state is rolled forward regardless so the last good snapshot
// on disk stays consistent. Committing an artifact RecordAttempt already
// holds overwrites that record rather than duplicating it.
func (a *Arena) Commit(stepID string, artifact ExecutionArtifact, insight *Insight, retries int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.state.Plan.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("commit %s: %w", stepID, ErrUnknownStep)
	}
	if !a.claimed[stepID] {
		return NewStateError("commit", fmt.Errorf("step %s committed without a claim", stepID))
	}

	next := StatusForOutcome(artifact.Outcome)
	if err := checkTransition(stepID, step.Status, next); err != nil {
		return err
	}

	step.Status = next
	step.UpdatedRound = a.state.Round

	arts := a.state.Artifacts[stepID]
	if n := len(arts); n > 0 && arts[n-1].ID == artifact.ID {
		arts[n-1] = artifact
	} else {
		step.Attempts = append(step.Attempts, StepAttempt{
			Number:    len(step.Attempts) + 1,
			Outcome:   artifact.Outcome,
			Timestamp: time.Now().UTC(),
			Error:     artifact.Stderr,
		})
		a.state.Artifacts[stepID] = append(arts, artifact)
	}
	if artifact.Outcome != OutcomeSuccess {
		step.LastError = artifact.Stderr
	} else {
		step.LastError = ""
	}
	if insight != nil {
		a.state.Insights[stepID] = *insight
	}
	a.state.AnalysesRun++
	a.state.RetriesUsed += retries
	a.state.UpdatedAt = time.Now().UTC()
	delete(a.claimed, stepID)

	return a.persistLocked("commit")
}

// Skip marks a step skipped. Planned steps are skippable during plan review
// (obsolete); completed or failed steps only with manual = true.
func (a *Arena) Skip(stepID, reason string, manual bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.state.Plan.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("skip %s: %w", stepID, ErrUnknownStep)
	}
	if (step.Status == StepCompleted || step.Status == StepFailed) && !manual {
		return NewStateError("skip",
			fmt.Errorf("step %s is %s; only a manual override may skip it", stepID, step.Status))
	}
	if err := checkTransition(stepID, step.Status, StepSkipped); err != nil {
		return err
	}
	step.Status = StepSkipped
	step.UpdatedRound = a.state.Round
	if reason != "" {
		step.LastError = reason
	}
	a.state.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendSteps adds review-appended steps with fresh ids and the next
// sequence indices. Existing steps are never renumbered. Dependencies must
// reference known steps.
func (a *Arena) AppendSteps(steps []PlanStep) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	known := make(map[string]bool, len(a.state.Plan.Steps)+len(steps))
	for i := range a.state.Plan.Steps {
		known[a.state.Plan.Steps[i].ID] = true
	}
	for i := range steps {
		known[steps[i].ID] = true
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if !known[dep] {
				return NewStateError("append",
					fmt.Errorf("new step %s depends on unknown step %s", steps[i].ID, dep))
			}
		}
	}

	seq := a.state.Plan.NextSeq()
	for i := range steps {
		s := steps[i]
		if s.ID == "" {
			s.ID = NewStepID()
		}
		s.Seq = seq
		seq++
		s.Status = StepPlanned
		s.CreatedRound = a.state.Round
		s.UpdatedRound = a.state.Round
		a.state.Plan.Steps = append(a.state.Plan.Steps, s)
	}
	a.state.Plan.Revision++
	a.state.UpdatedAt = time.Now().UTC()
	return nil
}

// Reprioritize updates a step's priority during plan review.
func (a *Arena) Reprioritize(stepID string, priority int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.state.Plan.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("reprioritize %s: %w", stepID, ErrUnknownStep)
	}
	step.Priority = priority
	step.UpdatedRound = a.state.Round
	a.state.UpdatedAt = time.Now().UTC()
	return nil
}

// SetDigest replaces the cumulative insight digest.
func (a *Arena) SetDigest(digest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Digest = digest
	a.state.UpdatedAt = time.Now().UTC()
}

// Digest returns the current insight digest.
func (a *Arena) Digest() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Digest
}

// BumpRound advances the round counter and returns the new round.
func (a *Arena) BumpRound() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Round++
	return a.state.Round
}

// SetProjectStatus updates the overall project status.
func (a *Arena) SetProjectStatus(status ProjectStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Status = status
	a.state.UpdatedAt = time.Now().UTC()
}

// Persist durably stores the current state.
func (a *Arena) Persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persistLocked("persist")
}

func (a *Arena) persistLocked(op string) error {
	if a.persist == nil {
		return nil
	}
	snap := a.state.Clone()
	// Claims are not durable: an in-flight step reverts to planned in the
	// stored copy so a resumed run re-selects it.
	for i := range snap.Plan.Steps {
		if snap.Plan.Steps[i].Status == StepInProgress {
			snap.Plan.Steps[i].Status = StepPlanned
		}
	}
	if err := a.persist(snap); err != nil {
		return NewStateError(op, fmt.Errorf("persist failed: %w", err))
	}
	return nil
}
