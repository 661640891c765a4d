package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var recallLimit int

var recallCmd = &cobra.Command{
	Use:   "recall [query...]",
	Short: "Search stored insights across all projects",
	Long: `Keyword search over every insight the engine has recorded. With a
Gemini API key configured, results are re-ranked by embedding similarity;
without one, the most recent keyword matches are returned.`,
	Args: cobra.MinimumNArgs(1),
	RunE: recallInsights,
}

func init() {
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 10, "maximum results")
}

func recallInsights(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	query := strings.Join(args, " ")
	results, err := st.RecallInsights(cmd.Context(), query, recallLimit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no matching insights")
		return nil
	}

	for _, r := range results {
		header := fmt.Sprintf("%s · %s · %s", r.ProjectID, r.StepID, r.CreatedAt.Format("2006-01-02"))
		if r.Score > 0 {
			header += fmt.Sprintf(" · similarity %.2f", r.Score)
		}
		fmt.Println(summaryDim.Render(header))
		fmt.Printf("  %s\n", r.Interpretation)
		for _, f := range r.KeyFindings {
			fmt.Printf("  - %s\n", f)
		}
		fmt.Println()
	}
	return nil
}
