package interpret

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"datasage/internal/project"
)

type mockClient struct {
	mu      sync.Mutex
	prompts []string
	respond func(call int, prompt string) (string, error)
}

func (m *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	m.mu.Lock()
	call := len(m.prompts)
	m.prompts = append(m.prompts, user)
	m.mu.Unlock()
	return m.respond(call, user)
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func testStep() project.PlanStep {
	return project.PlanStep{
		ID:          "step_1",
		Description: "Summarize the temperature distribution",
		Expected:    "Central tendency and spread of temp_c",
		Category:    project.CategoryExploration,
		Status:      project.StepInProgress,
	}
}

func successArtifact(result string) project.ExecutionArtifact {
	return project.ExecutionArtifact{
		ID:      "art_1",
		StepID:  "step_1",
		Outcome: project.OutcomeSuccess,
		Result:  result,
	}
}

const structuredResponse = `CONFIDENCE: 85

INTERPRETATION:
Temperatures cluster tightly around 21.5C.
Room A runs slightly cooler than room B.

KEY FINDINGS:
- Mean temp_c is 21.5 with a standard deviation of 0.6
- Room A mean is 21.2, room B mean is 22.1

NEXT STEPS:
- Test whether the room difference is significant
- Examine temperature drift across the day`

func TestInterpretParsesStructuredResponse(t *testing.T) {
	client := &mockClient{respond: func(call int, prompt string) (string, error) {
		return structuredResponse, nil
	}}
	it := NewInterpreter(client)

	ins, err := it.Interpret(context.Background(), testStep(), successArtifact("mean=21.5 sd=0.6"), "## Dataset\nsensors.csv")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}

	if ins.StepID != "step_1" {
		t.Errorf("StepID = %q", ins.StepID)
	}
	if ins.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", ins.Confidence)
	}
	wantInterp := "Temperatures cluster tightly around 21.5C. Room A runs slightly cooler than room B."
	if ins.Interpretation != wantInterp {
		t.Errorf("Interpretation = %q", ins.Interpretation)
	}
	if len(ins.KeyFindings) != 2 || !strings.Contains(ins.KeyFindings[0], "Mean temp_c is 21.5") {
		t.Errorf("KeyFindings = %v", ins.KeyFindings)
	}
	if len(ins.Suggestions) != 2 || !strings.Contains(ins.Suggestions[1], "drift") {
		t.Errorf("Suggestions = %v", ins.Suggestions)
	}

	if client.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", client.callCount())
	}
	prompt := client.prompts[0]
	for _, want := range []string{
		"Summarize the temperature distribution",
		"Central tendency and spread of temp_c",
		"mean=21.5 sd=0.6",
		"## Dataset\nsensors.csv",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestInterpretFailureSkipsBackend(t *testing.T) {
	client := &mockClient{respond: func(call int, prompt string) (string, error) {
		t.Error("backend consulted for a failed run")
		return "", nil
	}}
	it := NewInterpreter(client)

	art := project.ExecutionArtifact{
		ID:      "art_2",
		StepID:  "step_1",
		Outcome: project.OutcomeRuntimeError,
		Stderr:  "panic: index out of range\ngoroutine trace follows",
	}
	ins, err := it.Interpret(context.Background(), testStep(), art, "ctx")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if client.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0", client.callCount())
	}
	if ins.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", ins.Confidence)
	}
	if !strings.Contains(ins.Interpretation, "was not completed") {
		t.Errorf("Interpretation = %q", ins.Interpretation)
	}
	if !strings.Contains(ins.Interpretation, "failed at runtime") {
		t.Errorf("Interpretation = %q, want runtime cause", ins.Interpretation)
	}
	if len(ins.KeyFindings) != 1 || !strings.Contains(ins.KeyFindings[0], "panic: index out of range") {
		t.Errorf("KeyFindings = %v, want stderr head only", ins.KeyFindings)
	}
}

func TestInterpretFailureCauses(t *testing.T) {
	cases := []struct {
		outcome project.Outcome
		want    string
	}{
		{project.OutcomeTimeout, "wall-clock"},
		{project.OutcomePolicyViolation, "sandbox policy"},
		{project.OutcomeRuntimeError, "failed at runtime"},
	}
	it := NewInterpreter(&mockClient{respond: func(int, string) (string, error) { return "", nil }})

	for _, tc := range cases {
		art := project.ExecutionArtifact{StepID: "step_1", Outcome: tc.outcome}
		ins, err := it.Interpret(context.Background(), testStep(), art, "")
		if err != nil {
			t.Fatalf("%s: %v", tc.outcome, err)
		}
		if !strings.Contains(ins.Interpretation, tc.want) {
			t.Errorf("%s: Interpretation = %q, want %q", tc.outcome, ins.Interpretation, tc.want)
		}
	}
}

func TestInterpretEmptyOutputSkipsBackend(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		t.Error("backend consulted for empty output")
		return "", nil
	}}
	it := NewInterpreter(client)

	ins, err := it.Interpret(context.Background(), testStep(), successArtifact("   "), "ctx")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if ins.Confidence != 0 || !strings.Contains(ins.Interpretation, "no output") {
		t.Errorf("insight = %+v", ins)
	}
}

func TestInterpretFallsBackToStdout(t *testing.T) {
	client := &mockClient{respond: func(int, string) (string, error) {
		return "INTERPRETATION:\nLooks fine.", nil
	}}
	it := NewInterpreter(client)

	art := successArtifact("")
	art.Stdout = "rows scanned: 3"
	if _, err := it.Interpret(context.Background(), testStep(), art, "ctx"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(client.prompts[0], "rows scanned: 3") {
		t.Error("prompt missing stdout fallback output")
	}
}

func TestInterpretBackendErrorPropagates(t *testing.T) {
	wantErr := errors.New("rate limited")
	client := &mockClient{respond: func(int, string) (string, error) {
		return "", wantErr
	}}
	it := NewInterpreter(client)

	_, err := it.Interpret(context.Background(), testStep(), successArtifact("x"), "")
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped backend error", err)
	}
}

func TestParseResponseDefaults(t *testing.T) {
	ins := parseResponse("step_9", "The data looks fine overall.")

	if ins.Interpretation != "The data looks fine overall." {
		t.Errorf("Interpretation = %q", ins.Interpretation)
	}
	if ins.Confidence != defaultConfidence {
		t.Errorf("Confidence = %v, want default", ins.Confidence)
	}
	if len(ins.KeyFindings) != 0 || len(ins.Suggestions) != 0 {
		t.Errorf("lists = %v / %v, want empty", ins.KeyFindings, ins.Suggestions)
	}
}

func TestParseResponseCapsSuggestions(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("NEXT STEPS:\n")
	for i := 0; i < maxSuggestions+3; i++ {
		sb.WriteString("- another idea\n")
	}
	ins := parseResponse("step_9", sb.String())
	if len(ins.Suggestions) != maxSuggestions {
		t.Errorf("Suggestions = %d, want %d", len(ins.Suggestions), maxSuggestions)
	}
}

func TestParseResponseRecognizesSuggestionHeader(t *testing.T) {
	ins := parseResponse("step_9", "SUGGESTIONS:\n- check outliers\n* check units")
	if len(ins.Suggestions) != 2 {
		t.Errorf("Suggestions = %v", ins.Suggestions)
	}
}

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"CONFIDENCE: 85", 0.85, true},
		{"confidence: 85%", 0.85, true},
		{"CONFIDENCE: [90]", 0.9, true},
		{"CONFIDENCE: 0.4", 0.4, true},
		{"CONFIDENCE: 150", 1, true},
		{"CONFIDENCE:", 0, false},
		{"CONFIDENCE: high", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseConfidence(tc.line)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("parseConfidence(%q) = (%v, %v), want (%v, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}
