package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"datasage/internal/project"
)

var planVerbose bool

var planCmd = &cobra.Command{
	Use:   "plan [project]",
	Short: "Print the stored analysis plan with step statuses",
	Args:  cobra.ExactArgs(1),
	RunE:  showPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planVerbose, "full", false, "include dependencies, attempts, and errors")
}

var (
	planStatusStyles = map[project.StepStatus]lipgloss.Style{
		project.StepCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		project.StepFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		project.StepInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		project.StepSkipped:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		project.StepPlanned:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
	}
	planDim = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func showPlan(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	projectID, err := st.FindProject(args[0])
	if err != nil {
		return err
	}
	state, err := st.LoadLatestSnapshot(projectID)
	if err != nil {
		return err
	}

	fmt.Printf("Plan for %s (%s), revision %d, round %d\n\n", state.ID, state.Name, state.Plan.Revision, state.Round)
	for i := range state.Plan.Steps {
		step := &state.Plan.Steps[i]
		status := strings.TrimPrefix(string(step.Status), "/")
		style, ok := planStatusStyles[step.Status]
		if !ok {
			style = planDim
		}
		fmt.Printf("%3d. [%s] %s  %s\n",
			step.Seq+1, style.Render(fmt.Sprintf("%-11s", status)),
			step.Description,
			planDim.Render(fmt.Sprintf("(%s, priority %d)", strings.TrimPrefix(string(step.Category), "/"), step.Priority)))

		if !planVerbose {
			continue
		}
		if len(step.DependsOn) > 0 {
			fmt.Printf("     %s\n", planDim.Render("depends on: "+strings.Join(step.DependsOn, ", ")))
		}
		if len(step.Attempts) > 0 {
			last := step.Attempts[len(step.Attempts)-1]
			fmt.Printf("     %s\n", planDim.Render(fmt.Sprintf("attempts: %d, last outcome %s",
				len(step.Attempts), strings.TrimPrefix(string(last.Outcome), "/"))))
		}
		if step.LastError != "" {
			fmt.Printf("     %s\n", planDim.Render("error: "+firstLine(step.LastError)))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
