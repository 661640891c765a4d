package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"datasage/internal/report"
)

var (
	reportRaw bool
	reportOut string
)

var reportCmd = &cobra.Command{
	Use:   "report [project]",
	Short: "Rebuild and render the report for a stored project",
	Long: `Builds the markdown analysis report from a project's last persisted
snapshot: dataset overview, per-step findings and figures, the cumulative
digest, and suggested next steps. Renders for the terminal unless --raw or
--out is given.`,
	Args: cobra.ExactArgs(1),
	RunE: showReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "print raw markdown instead of rendering")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "write the markdown report to a file")
}

func showReport(cmd *cobra.Command, args []string) error {
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

	md := report.NewBuilder().Build(state)
	if reportOut != "" {
		if err := os.WriteFile(reportOut, []byte(md), 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Printf("report written to %s\n", reportOut)
		return nil
	}
	if reportRaw {
		fmt.Print(md)
		return nil
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w
	}
	fmt.Print(report.Render(md, width))
	return nil
}
