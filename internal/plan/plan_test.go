package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"datasage/internal/project"
)

type mockClient struct {
	mu      sync.Mutex
	calls   []string
	respond func(call int, prompt string) (string, error)
}

func (m *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockClient) CompleteWithSystem(_ context.Context, _, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.calls)
	m.calls = append(m.calls, prompt)
	return m.respond(call, prompt)
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func mkStep(id string, status project.StepStatus, priority, seq int, deps ...string) project.PlanStep {
	return project.PlanStep{
		ID:          id,
		Seq:         seq,
		Description: "step " + id,
		Category:    project.CategoryExploration,
		Status:      status,
		Priority:    priority,
		DependsOn:   deps,
	}
}

func testProfile() *project.DataProfile {
	return &project.DataProfile{
		Dataset:    "sensors.csv",
		RowCount:   120,
		Hash:       "abc123",
		ProfiledAt: time.Now().UTC(),
		Fields: []project.FieldProfile{
			{Name: "ts", ObservedType: "timestamp"},
			{Name: "temp_c", ObservedType: "float"},
			{Name: "room", ObservedType: "string"},
		},
	}
}

func newTestManager(t *testing.T, client *mockClient) *Manager {
	t.Helper()
	m, err := NewManager(client)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestKernelNegationDerivesReadiness(t *testing.T) {
	k, err := NewKernel()
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	d, err := k.Evaluate([]Fact{
		{Predicate: "step_status", Args: []interface{}{"/step_a", "/completed"}},
		{Predicate: "step_status", Args: []interface{}{"/step_b", "/planned"}},
		{Predicate: "step_status", Args: []interface{}{"/step_c", "/planned"}},
		{Predicate: "step_dep", Args: []interface{}{"/step_b", "/step_a"}},
		{Predicate: "step_dep", Args: []interface{}{"/step_c", "/step_b"}},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !equalStrings(d.Ready, []string{"/step_b"}) {
		t.Errorf("ready = %v, want [/step_b]", d.Ready)
	}
	if !equalStrings(d.Blocked, []string{"/step_c"}) {
		t.Errorf("blocked = %v, want [/step_c]", d.Blocked)
	}
}

func TestKernelReadiness(t *testing.T) {
	m := newTestManager(t, nil)
	p := &project.Plan{Steps: []project.PlanStep{
		mkStep("s1", project.StepPlanned, 5, 0),
		mkStep("s2", project.StepPlanned, 5, 1, "s1"),
		mkStep("s3", project.StepCompleted, 5, 2),
		mkStep("s4", project.StepPlanned, 5, 3, "s3"),
	}}

	ready, blocked, err := m.ReadySteps(p)
	if err != nil {
		t.Fatalf("ReadySteps: %v", err)
	}
	gotReady := stepIDs(ready)
	if !equalStrings(gotReady, []string{"s1", "s4"}) {
		t.Errorf("ready = %v, want [s1 s4]", gotReady)
	}
	if !equalStrings(blocked, []string{"s2"}) {
		t.Errorf("blocked = %v, want [s2]", blocked)
	}
}

func TestKernelDiamondDependencies(t *testing.T) {
	m := newTestManager(t, nil)
	p := &project.Plan{Steps: []project.PlanStep{
		mkStep("root", project.StepCompleted, 5, 0),
		mkStep("left", project.StepPlanned, 5, 1, "root"),
		mkStep("right", project.StepPlanned, 5, 2, "root"),
		mkStep("merge", project.StepPlanned, 9, 3, "left", "right"),
	}}

	ready, blocked, err := m.ReadySteps(p)
	if err != nil {
		t.Fatalf("ReadySteps: %v", err)
	}
	if got := stepIDs(ready); !equalStrings(got, []string{"left", "right"}) {
		t.Errorf("ready = %v, want [left right]", got)
	}
	if !equalStrings(blocked, []string{"merge"}) {
		t.Errorf("blocked = %v, want [merge]", blocked)
	}

	p.Steps[1].Status = project.StepCompleted
	p.Steps[2].Status = project.StepCompleted
	ready, blocked, err = m.ReadySteps(p)
	if err != nil {
		t.Fatalf("ReadySteps after completion: %v", err)
	}
	if got := stepIDs(ready); !equalStrings(got, []string{"merge"}) {
		t.Errorf("ready = %v, want [merge]", got)
	}
	if len(blocked) != 0 {
		t.Errorf("blocked = %v, want empty", blocked)
	}
}

func TestKernelFailedOrSkippedDepBlocks(t *testing.T) {
	for _, status := range []project.StepStatus{project.StepFailed, project.StepSkipped, project.StepInProgress} {
		p := &project.Plan{Steps: []project.PlanStep{
			mkStep("dep", status, 5, 0),
			mkStep("child", project.StepPlanned, 5, 1, "dep"),
		}}
		m := newTestManager(t, nil)
		ready, blocked, err := m.ReadySteps(p)
		if err != nil {
			t.Fatalf("ReadySteps (%s): %v", status, err)
		}
		if len(ready) != 0 {
			t.Errorf("dep %s: ready = %v, want empty", status, stepIDs(ready))
		}
		if !equalStrings(blocked, []string{"child"}) {
			t.Errorf("dep %s: blocked = %v, want [child]", status, blocked)
		}
	}
}

func TestKernelEmptyPlan(t *testing.T) {
	m := newTestManager(t, nil)
	ready, blocked, err := m.ReadySteps(&project.Plan{})
	if err != nil {
		t.Fatalf("ReadySteps: %v", err)
	}
	if len(ready) != 0 || len(blocked) != 0 {
		t.Errorf("got ready=%v blocked=%v, want both empty", stepIDs(ready), blocked)
	}
}

func TestReadyStepsOrdering(t *testing.T) {
	m := newTestManager(t, nil)
	p := &project.Plan{Steps: []project.PlanStep{
		mkStep("low", project.StepPlanned, 5, 0),
		mkStep("hiA", project.StepPlanned, 9, 1),
		mkStep("hiB", project.StepPlanned, 9, 2),
	}}

	ready, _, err := m.ReadySteps(p)
	if err != nil {
		t.Fatalf("ReadySteps: %v", err)
	}
	if got := stepIDs(ready); !equalStrings(got, []string{"hiA", "hiB", "low"}) {
		t.Errorf("ready order = %v, want [hiA hiB low]", got)
	}

	next, blocked, err := m.NextReady(p)
	if err != nil {
		t.Fatalf("NextReady: %v", err)
	}
	if next == nil || next.ID != "hiA" {
		t.Errorf("NextReady = %+v, want hiA", next)
	}
	if len(blocked) != 0 {
		t.Errorf("blocked = %v, want empty", blocked)
	}
}

func TestNextReadyReportsBlocked(t *testing.T) {
	m := newTestManager(t, nil)
	p := &project.Plan{Steps: []project.PlanStep{
		mkStep("dead", project.StepFailed, 5, 0),
		mkStep("waiting", project.StepPlanned, 5, 1, "dead"),
	}}

	next, blocked, err := m.NextReady(p)
	if err != nil {
		t.Fatalf("NextReady: %v", err)
	}
	if next != nil {
		t.Errorf("NextReady = %+v, want nil", next)
	}
	if !equalStrings(blocked, []string{"waiting"}) {
		t.Errorf("blocked = %v, want [waiting]", blocked)
	}
}

const validPlanJSON = `{
  "steps": [
    {"description": "Report missing values per field", "category": "/cleaning", "expected_outcome": "quality report", "priority": 8, "depends_on": []},
    {"description": "Summarize temp_c by room", "category": "exploration", "expected_outcome": "per-room baselines", "priority": 0, "depends_on": [0]},
    {"description": "Test whether rooms differ in mean temp", "category": "/hypothesis_test", "expected_outcome": "verdict", "priority": 99, "depends_on": [1]}
  ]
}`

func TestGenerateInitialParsesPlan(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return "```json\n" + validPlanJSON + "\n```", nil
	}}
	m := newTestManager(t, client)

	p, err := m.GenerateInitial(context.Background(), testProfile())
	if err != nil {
		t.Fatalf("GenerateInitial: %v", err)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(p.Steps))
	}
	for i, s := range p.Steps {
		if s.ID == "" {
			t.Errorf("step %d has empty id", i)
		}
		if s.Seq != i {
			t.Errorf("step %d seq = %d, want %d", i, s.Seq, i)
		}
		if s.Status != project.StepPlanned {
			t.Errorf("step %d status = %s, want %s", i, s.Status, project.StepPlanned)
		}
	}
	if p.Steps[0].Category != project.CategoryCleaning {
		t.Errorf("step 0 category = %s, want %s", p.Steps[0].Category, project.CategoryCleaning)
	}
	if p.Steps[1].Category != project.CategoryExploration {
		t.Errorf("step 1 category = %s, want %s (slashless input)", p.Steps[1].Category, project.CategoryExploration)
	}
	if p.Steps[1].Priority != defaultPriority {
		t.Errorf("step 1 priority = %d, want default %d", p.Steps[1].Priority, defaultPriority)
	}
	if p.Steps[2].Priority != 10 {
		t.Errorf("step 2 priority = %d, want clamped 10", p.Steps[2].Priority)
	}
	if !equalStrings(p.Steps[1].DependsOn, []string{p.Steps[0].ID}) {
		t.Errorf("step 1 deps = %v, want [%s]", p.Steps[1].DependsOn, p.Steps[0].ID)
	}
	if !equalStrings(p.Steps[2].DependsOn, []string{p.Steps[1].ID}) {
		t.Errorf("step 2 deps = %v, want [%s]", p.Steps[2].DependsOn, p.Steps[1].ID)
	}
}

func TestGenerateInitialRetriesOnMalformed(t *testing.T) {
	client := &mockClient{respond: func(call int, prompt string) (string, error) {
		if call == 0 {
			return "Sure! Here is a plan in prose.", nil
		}
		if !strings.Contains(prompt, "previous response was rejected") {
			return "", errors.New("retry prompt missing rejection feedback")
		}
		return validPlanJSON, nil
	}}
	m := newTestManager(t, client)

	p, err := m.GenerateInitial(context.Background(), testProfile())
	if err != nil {
		t.Fatalf("GenerateInitial: %v", err)
	}
	if client.callCount() != 2 {
		t.Errorf("call count = %d, want 2", client.callCount())
	}
	if len(p.Steps) != 3 {
		t.Errorf("got %d steps, want 3", len(p.Steps))
	}
}

func TestGenerateInitialFallsBackToDeterministicPlan(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return "not json, never json", nil
	}}
	m := newTestManager(t, client)

	p, err := m.GenerateInitial(context.Background(), testProfile())
	if err != nil {
		t.Fatalf("GenerateInitial should not fail when fallback exists: %v", err)
	}
	if client.callCount() != 2 {
		t.Errorf("call count = %d, want 2 (one retry)", client.callCount())
	}
	if len(p.Steps) != 2 {
		t.Fatalf("fallback plan has %d steps, want 2", len(p.Steps))
	}
	if p.Steps[0].Category != project.CategoryCleaning {
		t.Errorf("fallback step 0 category = %s, want %s", p.Steps[0].Category, project.CategoryCleaning)
	}
	if p.Steps[1].Category != project.CategoryExploration {
		t.Errorf("fallback step 1 category = %s, want %s", p.Steps[1].Category, project.CategoryExploration)
	}
	if !equalStrings(p.Steps[1].DependsOn, []string{p.Steps[0].ID}) {
		t.Errorf("fallback step 1 should depend on the cleaning step")
	}
	if !strings.Contains(p.Steps[0].Description, "temp_c") {
		t.Errorf("fallback description should name profiled fields, got %q", p.Steps[0].Description)
	}

	m2 := newTestManager(t, nil)
	ready, _, err := m2.ReadySteps(p)
	if err != nil {
		t.Fatalf("ReadySteps on fallback plan: %v", err)
	}
	if got := stepIDs(ready); !equalStrings(got, []string{p.Steps[0].ID}) {
		t.Errorf("fallback ready = %v, want only the cleaning step", got)
	}
}

func TestGenerateInitialDropsInvalidDependencyIndices(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return `{"steps": [
			{"description": "a", "category": "/cleaning", "priority": 5, "depends_on": [2, -1]},
			{"description": "b", "category": "/exploration", "priority": 5, "depends_on": [0, 1]}
		]}`, nil
	}}
	m := newTestManager(t, client)

	p, err := m.GenerateInitial(context.Background(), testProfile())
	if err != nil {
		t.Fatalf("GenerateInitial: %v", err)
	}
	if len(p.Steps[0].DependsOn) != 0 {
		t.Errorf("step 0 deps = %v, want none (forward and negative indices dropped)", p.Steps[0].DependsOn)
	}
	if !equalStrings(p.Steps[1].DependsOn, []string{p.Steps[0].ID}) {
		t.Errorf("step 1 deps = %v, want only [%s] (self index dropped)", p.Steps[1].DependsOn, p.Steps[0].ID)
	}
}

func reviewState() *project.ProjectState {
	state := project.NewProjectState("review", *testProfile())
	state.Plan = project.Plan{Steps: []project.PlanStep{
		mkStep("s1", project.StepPlanned, 5, 0),
		mkStep("s2", project.StepPlanned, 5, 1),
		mkStep("s3", project.StepCompleted, 5, 2),
	}}
	return state
}

func TestReviewAndUpdateAppliesDirectives(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return `{
			"append_steps": [
				{"description": "drill into room B", "category": "/exploration", "expected_outcome": "room B profile", "priority": 7, "depends_on": [], "depends_on_ids": ["s3"]},
				{"description": "model temp by hour", "category": "/modeling", "priority": 6, "depends_on": [0]}
			],
			"reprioritize": [{"step_id": "s1", "priority": 9}],
			"skip": [{"step_id": "s2", "reason": "superseded by room drill-down"}]
		}`, nil
	}}
	m := newTestManager(t, client)
	arena := project.NewArena(reviewState(), nil)

	if err := m.ReviewAndUpdate(context.Background(), arena, "context"); err != nil {
		t.Fatalf("ReviewAndUpdate: %v", err)
	}

	snap := arena.Snapshot()
	if len(snap.Plan.Steps) != 5 {
		t.Fatalf("plan has %d steps, want 5", len(snap.Plan.Steps))
	}
	if snap.Plan.Revision != 1 {
		t.Errorf("revision = %d, want 1", snap.Plan.Revision)
	}

	s1 := snap.Plan.StepByID("s1")
	if s1.Priority != 9 {
		t.Errorf("s1 priority = %d, want 9", s1.Priority)
	}
	s2 := snap.Plan.StepByID("s2")
	if s2.Status != project.StepSkipped {
		t.Errorf("s2 status = %s, want %s", s2.Status, project.StepSkipped)
	}
	if !strings.Contains(s2.LastError, "superseded") {
		t.Errorf("s2 skip reason not recorded: %q", s2.LastError)
	}

	newA, newB := snap.Plan.Steps[3], snap.Plan.Steps[4]
	if newA.Status != project.StepPlanned || newB.Status != project.StepPlanned {
		t.Errorf("appended steps not planned: %s, %s", newA.Status, newB.Status)
	}
	if newA.Seq != 3 || newB.Seq != 4 {
		t.Errorf("appended seqs = %d, %d, want 3, 4", newA.Seq, newB.Seq)
	}
	if !equalStrings(newA.DependsOn, []string{"s3"}) {
		t.Errorf("newA deps = %v, want [s3]", newA.DependsOn)
	}
	if !equalStrings(newB.DependsOn, []string{newA.ID}) {
		t.Errorf("newB deps = %v, want [%s]", newB.DependsOn, newA.ID)
	}
}

func TestReviewAndUpdateToleratesUnknownIDs(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return `{
			"append_steps": [
				{"description": "new work", "category": "/other", "priority": 5, "depends_on_ids": ["ghost"]}
			],
			"reprioritize": [{"step_id": "ghost", "priority": 9}],
			"skip": [{"step_id": "ghost", "reason": "x"}, {"step_id": "s3", "reason": "already done"}]
		}`, nil
	}}
	m := newTestManager(t, client)
	arena := project.NewArena(reviewState(), nil)

	if err := m.ReviewAndUpdate(context.Background(), arena, "context"); err != nil {
		t.Fatalf("ReviewAndUpdate: %v", err)
	}

	snap := arena.Snapshot()
	if len(snap.Plan.Steps) != 4 {
		t.Fatalf("plan has %d steps, want 4", len(snap.Plan.Steps))
	}
	if s3 := snap.Plan.StepByID("s3"); s3.Status != project.StepCompleted {
		t.Errorf("completed s3 must not be skipped by review, got %s", s3.Status)
	}
	added := snap.Plan.Steps[3]
	if len(added.DependsOn) != 0 {
		t.Errorf("added deps = %v, want none (ghost dropped)", added.DependsOn)
	}
	if added.Status != project.StepPlanned {
		t.Errorf("added status = %s, want %s", added.Status, project.StepPlanned)
	}
}

func TestReviewAndUpdateMalformedIsError(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return "no revision needed, looks good!", nil
	}}
	m := newTestManager(t, client)
	arena := project.NewArena(reviewState(), nil)

	if err := m.ReviewAndUpdate(context.Background(), arena, "context"); err == nil {
		t.Fatal("expected parse error")
	}
	if got := len(arena.Snapshot().Plan.Steps); got != 3 {
		t.Errorf("plan has %d steps after failed review, want 3", got)
	}
}

func TestReviewAndUpdateCapsAppends(t *testing.T) {
	var steps []string
	for i := 0; i < maxAppendPerReview+3; i++ {
		steps = append(steps, `{"description": "extra", "category": "/other", "priority": 5}`)
	}
	client := &mockClient{respond: func(int, string) (string, error) {
		return `{"append_steps": [` + strings.Join(steps, ",") + `]}`, nil
	}}
	m := newTestManager(t, client)
	arena := project.NewArena(reviewState(), nil)

	if err := m.ReviewAndUpdate(context.Background(), arena, "context"); err != nil {
		t.Fatalf("ReviewAndUpdate: %v", err)
	}
	if got := len(arena.Snapshot().Plan.Steps); got != 3+maxAppendPerReview {
		t.Errorf("plan has %d steps, want %d", got, 3+maxAppendPerReview)
	}
}

func TestNormalizeCategory(t *testing.T) {
	cases := []struct {
		in   string
		want project.StepCategory
	}{
		{"/cleaning", project.CategoryCleaning},
		{"Exploration", project.CategoryExploration},
		{" hypothesis_test ", project.CategoryHypothesisTest},
		{"/modeling", project.CategoryModeling},
		{"/other", project.CategoryOther},
		{"feature engineering", project.CategoryOther},
		{"", project.CategoryOther},
	}
	for _, tc := range cases {
		if got := normalizeCategory(tc.in); got != tc.want {
			t.Errorf("normalizeCategory(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCleanJSONResponse(t *testing.T) {
	in := "```json\n{\"steps\": []}\n```"
	if got := cleanJSONResponse(in); got != `{"steps": []}` {
		t.Errorf("cleanJSONResponse = %q", got)
	}
	if got := cleanJSONResponse(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("unfenced input altered: %q", got)
	}
}

func stepIDs(steps []project.PlanStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
