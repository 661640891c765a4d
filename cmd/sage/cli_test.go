package main

import (
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "resume", "report", "plan", "recall", "version"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRunRequiresDatasetArg(t *testing.T) {
	if err := runCmd.Args(runCmd, []string{}); err == nil {
		t.Error("run should require a dataset argument")
	}
	if err := runCmd.Args(runCmd, []string{"data.csv"}); err != nil {
		t.Errorf("run with one dataset argument should be accepted: %v", err)
	}
}

func TestResumeRequiresProjectAndDataset(t *testing.T) {
	if err := resumeCmd.Args(resumeCmd, []string{"proj_1"}); err == nil {
		t.Error("resume should require a project and a dataset argument")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo"); got != "one" {
		t.Errorf("firstLine = %q, want %q", got, "one")
	}
	if got := firstLine("single"); got != "single" {
		t.Errorf("firstLine = %q, want %q", got, "single")
	}
}
