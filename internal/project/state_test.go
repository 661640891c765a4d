package project

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testState() *ProjectState {
	profile := DataProfile{
		Dataset:  "orders.csv",
		RowCount: 1000,
		Hash:     "abc123",
		Fields: []FieldProfile{
			{Name: "amount", ObservedType: "float", Stats: map[string]string{"mean": "42.5"}},
		},
	}
	state := NewProjectState("orders", profile)
	state.Plan = Plan{
		Steps: []PlanStep{
			{ID: "s1", Seq: 0, Description: "profile nulls", Category: CategoryCleaning, Status: StepPlanned, Priority: 5},
			{ID: "s2", Seq: 1, Description: "amount distribution", Category: CategoryExploration, Status: StepPlanned, Priority: 3, DependsOn: []string{"s1"}},
			{ID: "s3", Seq: 2, Description: "seasonality check", Category: CategoryHypothesisTest, Status: StepPlanned, Priority: 3},
		},
	}
	return state
}

func successArtifact(stepID string) ExecutionArtifact {
	return ExecutionArtifact{
		ID:          NewArtifactID(),
		StepID:      stepID,
		Code:        "func RunAnalysis(input string) (string, error) { return \"ok\", nil }",
		CodeVersion: 1,
		Result:      "ok",
		Outcome:     OutcomeSuccess,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		cur, next StepStatus
		want      bool
	}{
		{StepPlanned, StepInProgress, true},
		{StepPlanned, StepSkipped, true},
		{StepPlanned, StepCompleted, false},
		{StepInProgress, StepCompleted, true},
		{StepInProgress, StepFailed, true},
		{StepInProgress, StepPlanned, false},
		{StepCompleted, StepSkipped, true},
		{StepCompleted, StepPlanned, false},
		{StepFailed, StepSkipped, true},
		{StepFailed, StepInProgress, false},
		{StepSkipped, StepPlanned, false},
		{StepSkipped, StepInProgress, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.cur, tc.next); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.cur, tc.next, got, tc.want)
		}
	}
}

func TestStatusForOutcome(t *testing.T) {
	cases := []struct {
		outcome Outcome
		want    StepStatus
	}{
		{OutcomeSuccess, StepCompleted},
		{OutcomeRuntimeError, StepFailed},
		{OutcomeTimeout, StepFailed},
		{OutcomePolicyViolation, StepFailed},
	}
	for _, tc := range cases {
		if got := StatusForOutcome(tc.outcome); got != tc.want {
			t.Errorf("StatusForOutcome(%s) = %s, want %s", tc.outcome, got, tc.want)
		}
	}
}

func TestClaimUnknownStep(t *testing.T) {
	arena := NewArena(testState(), nil)
	if _, err := arena.Claim("nope"); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestClaimDepsUnmet(t *testing.T) {
	arena := NewArena(testState(), nil)
	if _, err := arena.Claim("s2"); !errors.Is(err, ErrDepsUnmet) {
		t.Fatalf("expected ErrDepsUnmet, got %v", err)
	}
}

func TestClaimThenCommitSuccess(t *testing.T) {
	arena := NewArena(testState(), nil)

	step, err := arena.Claim("s1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if step.Status != StepInProgress {
		t.Errorf("claimed step status = %s, want %s", step.Status, StepInProgress)
	}

	// The same step cannot be claimed twice.
	if _, err := arena.Claim("s1"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("second claim: expected ErrClaimConflict, got %v", err)
	}

	insight := &Insight{StepID: "s1", Interpretation: "3% nulls in amount", Confidence: 0.9}
	if err := arena.Commit("s1", successArtifact("s1"), insight, 0); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap := arena.Snapshot()
	got := snap.Plan.StepByID("s1")
	if got.Status != StepCompleted {
		t.Errorf("status = %s, want %s", got.Status, StepCompleted)
	}
	if len(got.Attempts) != 1 || got.Attempts[0].Outcome != OutcomeSuccess {
		t.Errorf("attempts = %+v, want one success", got.Attempts)
	}
	if len(snap.Artifacts["s1"]) != 1 {
		t.Errorf("artifacts = %d, want 1", len(snap.Artifacts["s1"]))
	}
	if snap.Insights["s1"].Interpretation != "3% nulls in amount" {
		t.Errorf("insight = %q", snap.Insights["s1"].Interpretation)
	}
	if snap.AnalysesRun != 1 {
		t.Errorf("AnalysesRun = %d, want 1", snap.AnalysesRun)
	}

	// s2's dependency is now satisfied.
	if _, err := arena.Claim("s2"); err != nil {
		t.Fatalf("claim s2 after dep completed: %v", err)
	}
}

func TestRecordAttemptKeepsFailedVersions(t *testing.T) {
	arena := NewArena(testState(), nil)
	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed := successArtifact("s1")
	failed.Outcome = OutcomeRuntimeError
	failed.Stderr = "undefined: colums"
	if err := arena.RecordAttempt("s1", failed); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	// Recording an attempt neither releases the claim nor moves the step.
	if _, err := arena.Claim("s1"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("re-claim after record: expected ErrClaimConflict, got %v", err)
	}
	if got := arena.Snapshot().Plan.StepByID("s1").Status; got != StepInProgress {
		t.Errorf("status = %s, want %s", got, StepInProgress)
	}

	final := successArtifact("s1")
	final.CodeVersion = 2
	if err := arena.Commit("s1", final, nil, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap := arena.Snapshot()
	arts := snap.Artifacts["s1"]
	if len(arts) != 2 {
		t.Fatalf("artifacts = %d, want the failed version plus the final one", len(arts))
	}
	if arts[0].Outcome != OutcomeRuntimeError || arts[1].Outcome != OutcomeSuccess {
		t.Errorf("history outcomes = [%s %s], want [%s %s]",
			arts[0].Outcome, arts[1].Outcome, OutcomeRuntimeError, OutcomeSuccess)
	}
	if latest := snap.LatestArtifact("s1"); latest == nil || latest.ID != final.ID {
		t.Error("LatestArtifact is not the committed final version")
	}
	got := snap.Plan.StepByID("s1")
	if len(got.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(got.Attempts))
	}
	if got.Attempts[0].Number != 1 || got.Attempts[1].Number != 2 {
		t.Errorf("attempt numbers = [%d %d], want [1 2]", got.Attempts[0].Number, got.Attempts[1].Number)
	}
}

func TestCommitRecordedArtifactOverwritesInPlace(t *testing.T) {
	arena := NewArena(testState(), nil)
	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	art := successArtifact("s1")
	art.Outcome = OutcomeRuntimeError
	art.Stderr = "panic: nil map"
	if err := arena.RecordAttempt("s1", art); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	// A repair that cannot generate replacement code commits the recorded
	// artifact itself; the history must not grow a duplicate.
	if err := arena.Commit("s1", art, nil, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap := arena.Snapshot()
	if got := len(snap.Artifacts["s1"]); got != 1 {
		t.Errorf("artifacts = %d, want 1", got)
	}
	got := snap.Plan.StepByID("s1")
	if len(got.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(got.Attempts))
	}
	if got.Status != StepFailed {
		t.Errorf("status = %s, want %s", got.Status, StepFailed)
	}
}

func TestRecordAttemptWithoutClaim(t *testing.T) {
	arena := NewArena(testState(), nil)
	err := arena.RecordAttempt("s1", successArtifact("s1"))
	var serr *StateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if err := arena.RecordAttempt("nope", successArtifact("nope")); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestNextCodeVersion(t *testing.T) {
	state := testState()
	if got := state.NextCodeVersion("s1"); got != 1 {
		t.Errorf("fresh step version = %d, want 1", got)
	}
	arena := NewArena(state, nil)
	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	art := successArtifact("s1")
	art.Outcome = OutcomeRuntimeError
	if err := arena.RecordAttempt("s1", art); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if got := arena.Snapshot().NextCodeVersion("s1"); got != 2 {
		t.Errorf("version after one recorded attempt = %d, want 2", got)
	}
}

func TestCommitFailureRecordsError(t *testing.T) {
	arena := NewArena(testState(), nil)
	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	art := successArtifact("s1")
	art.Outcome = OutcomeRuntimeError
	art.Stderr = "panic: index out of range"
	if err := arena.Commit("s1", art, nil, 2); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap := arena.Snapshot()
	got := snap.Plan.StepByID("s1")
	if got.Status != StepFailed {
		t.Errorf("status = %s, want %s", got.Status, StepFailed)
	}
	if got.LastError != "panic: index out of range" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if snap.RetriesUsed != 2 {
		t.Errorf("RetriesUsed = %d, want 2", snap.RetriesUsed)
	}
	// Failed steps are terminal for the engine; no insight is recorded.
	if _, ok := snap.Insights["s1"]; ok {
		t.Error("failed step should not carry an insight")
	}
}

func TestCommitWithoutClaim(t *testing.T) {
	arena := NewArena(testState(), nil)
	err := arena.Commit("s1", successArtifact("s1"), nil, 0)
	var serr *StateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	arena := NewArena(testState(), nil)
	arena.SetSlots(16)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := arena.Claim("s1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrClaimConflict) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}
}

func TestClaimRespectsSlots(t *testing.T) {
	arena := NewArena(testState(), nil)
	arena.SetSlots(1)

	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim s1: %v", err)
	}
	// s3 is claimable on its own, but the single slot is taken.
	if _, err := arena.Claim("s3"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict, got %v", err)
	}
	if err := arena.Commit("s1", successArtifact("s1"), nil, 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := arena.Claim("s3"); err != nil {
		t.Fatalf("claim s3 after slot freed: %v", err)
	}
}

func TestSkipRules(t *testing.T) {
	arena := NewArena(testState(), nil)

	// Planned steps may be skipped during plan review.
	if err := arena.Skip("s3", "superseded by s2", false); err != nil {
		t.Fatalf("skip planned: %v", err)
	}
	if got := arena.Snapshot().Plan.StepByID("s3"); got.Status != StepSkipped {
		t.Errorf("status = %s, want %s", got.Status, StepSkipped)
	}

	// A skipped step is terminal.
	if err := arena.Skip("s3", "", true); err == nil {
		t.Fatal("expected error skipping a skipped step")
	}

	// Completed steps require a manual override.
	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := arena.Commit("s1", successArtifact("s1"), nil, 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := arena.Skip("s1", "", false); err == nil {
		t.Fatal("expected error skipping completed step without manual override")
	}
	if err := arena.Skip("s1", "operator override", true); err != nil {
		t.Fatalf("manual skip: %v", err)
	}
}

func TestAppendSteps(t *testing.T) {
	arena := NewArena(testState(), nil)
	arena.BumpRound()

	err := arena.AppendSteps([]PlanStep{
		{ID: "s4", Description: "model amount by region", Category: CategoryModeling, Priority: 4, DependsOn: []string{"s2"}},
		{Description: "validate model residuals", Category: CategoryModeling, Priority: 2, DependsOn: []string{"s4"}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	snap := arena.Snapshot()
	if len(snap.Plan.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(snap.Plan.Steps))
	}
	s4 := snap.Plan.StepByID("s4")
	if s4.Seq != 3 || s4.Status != StepPlanned || s4.CreatedRound != 1 {
		t.Errorf("s4 = %+v", s4)
	}
	last := snap.Plan.Steps[4]
	if last.ID == "" || last.Seq != 4 {
		t.Errorf("appended step missing id or seq: %+v", last)
	}
	if snap.Plan.Revision != 1 {
		t.Errorf("revision = %d, want 1", snap.Plan.Revision)
	}
}

func TestAppendStepsRejectsUnknownDep(t *testing.T) {
	arena := NewArena(testState(), nil)
	err := arena.AppendSteps([]PlanStep{
		{Description: "dangling", DependsOn: []string{"missing"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if len(arena.Snapshot().Plan.Steps) != 3 {
		t.Error("plan mutated despite validation failure")
	}
}

func TestPersistNormalizesClaims(t *testing.T) {
	var stored *ProjectState
	arena := NewArena(testState(), func(snap *ProjectState) error {
		stored = snap
		return nil
	})

	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := arena.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if stored == nil {
		t.Fatal("persist hook not called")
	}
	if got := stored.Plan.StepByID("s1").Status; got != StepPlanned {
		t.Errorf("stored status = %s, want %s (claims are not durable)", got, StepPlanned)
	}
	if got := arena.Snapshot().Plan.StepByID("s1").Status; got != StepInProgress {
		t.Errorf("live status = %s, want %s", got, StepInProgress)
	}
}

func TestPersistFailureSurfaces(t *testing.T) {
	arena := NewArena(testState(), func(*ProjectState) error {
		return fmt.Errorf("disk full")
	})
	if _, err := arena.Claim("s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := arena.Commit("s1", successArtifact("s1"), nil, 0)
	var serr *StateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StateError from failing persist, got %v", err)
	}
}

func TestCloneIsolation(t *testing.T) {
	state := testState()
	state.Artifacts["s1"] = []ExecutionArtifact{{ID: "a1", Figures: []string{"hist.png"}}}
	state.Insights["s1"] = Insight{StepID: "s1", KeyFindings: []string{"finding"}}

	clone := state.Clone()
	clone.Plan.Steps[0].Status = StepFailed
	clone.Plan.Steps[1].DependsOn[0] = "tampered"
	clone.Artifacts["s1"][0].Figures[0] = "tampered.png"
	ins := clone.Insights["s1"]
	ins.KeyFindings[0] = "tampered"
	clone.Profile.Fields[0].Stats["mean"] = "tampered"

	if state.Plan.Steps[0].Status != StepPlanned {
		t.Error("step status leaked through clone")
	}
	if state.Plan.Steps[1].DependsOn[0] != "s1" {
		t.Error("depends_on leaked through clone")
	}
	if state.Artifacts["s1"][0].Figures[0] != "hist.png" {
		t.Error("artifact figures leaked through clone")
	}
	if state.Insights["s1"].KeyFindings[0] != "finding" {
		t.Error("insight findings leaked through clone")
	}
	if state.Profile.Fields[0].Stats["mean"] != "42.5" {
		t.Error("profile stats leaked through clone")
	}
}

func TestCloneDeepEqual(t *testing.T) {
	state := testState()
	state.Artifacts["s1"] = []ExecutionArtifact{successArtifact("s1")}
	state.Insights["s1"] = Insight{StepID: "s1", KeyFindings: []string{"finding"}, Suggestions: []string{"next"}}
	state.Digest = "Round 0:\n- finding"

	if diff := cmp.Diff(state, state.Clone()); diff != "" {
		t.Errorf("clone differs from original (-want +got):\n%s", diff)
	}
}

func TestReprioritize(t *testing.T) {
	arena := NewArena(testState(), nil)
	if err := arena.Reprioritize("s3", 9); err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	if got := arena.Snapshot().Plan.StepByID("s3").Priority; got != 9 {
		t.Errorf("priority = %d, want 9", got)
	}
	if err := arena.Reprioritize("missing", 1); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestForwardOnlyUnderRandomOutcomes(t *testing.T) {
	arena := NewArena(testState(), nil)
	arena.SetSlots(3)

	terminalSeen := make(map[string]StepStatus)
	outcomes := []Outcome{OutcomeSuccess, OutcomeRuntimeError, OutcomeTimeout, OutcomePolicyViolation}

	for round := 0; round < 4; round++ {
		snap := arena.Snapshot()
		for _, step := range snap.Plan.Steps {
			if prev, ok := terminalSeen[step.ID]; ok && step.Status != prev {
				t.Fatalf("step %s moved out of terminal status %s to %s", step.ID, prev, step.Status)
			}
			if step.Status == StepCompleted || step.Status == StepFailed || step.Status == StepSkipped {
				terminalSeen[step.ID] = step.Status
				continue
			}
			if step.Status != StepPlanned {
				continue
			}
			if _, err := arena.Claim(step.ID); err != nil {
				continue
			}
			art := successArtifact(step.ID)
			art.Outcome = outcomes[(round+step.Seq)%len(outcomes)]
			if art.Outcome != OutcomeSuccess {
				art.Stderr = "boom"
			}
			if err := arena.Commit(step.ID, art, nil, 0); err != nil {
				t.Fatalf("commit %s: %v", step.ID, err)
			}
		}
	}
}
