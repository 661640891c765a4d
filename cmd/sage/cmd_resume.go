package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"datasage/internal/ingest"
	"datasage/internal/logging"
	"datasage/internal/project"
)

var (
	resumeOutput string
	resumeWatch  bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume [project] [dataset.csv]",
	Short: "Continue an interrupted analysis run",
	Long: `Reloads the last persisted snapshot of a project and continues the
loop from the next ready step. Completed steps are never re-executed. The
project may be referenced by full id, id prefix, or name.

Example:
  sage resume proj_3f2a sales.csv`,
	Args: cobra.ExactArgs(2),
	RunE: resumeAnalysis,
}

func init() {
	resumeCmd.Flags().StringVarP(&resumeOutput, "output", "o", "output", "output directory for figures and the report")
	resumeCmd.Flags().BoolVar(&resumeWatch, "watch", false, "show a live progress view")
}

func resumeAnalysis(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
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

	loader := ingest.NewLoader(cfg.Ingest.SampleRows)
	dataset, err := loader.LoadDataset(args[1])
	if err != nil {
		return err
	}
	// The stored profile stays authoritative; a changed dataset is worth a
	// warning because cached code was generated against the old hash.
	if current, err := loader.Profile(dataset, nil); err == nil && current.Hash != state.Profile.Hash {
		logging.IngestWarn("dataset %s differs from the profiled data; cached code may carry stale assumptions", current.Dataset)
	}

	counts := state.Plan.CountByStatus()
	fmt.Printf("Resuming %s (%s): round %d, %d/%d steps completed, %d/%d analyses used\n",
		state.ID, state.Name, state.Round,
		counts[project.StepCompleted], len(state.Plan.Steps),
		state.AnalysesRun, cfg.Engine.MaxAnalyses)

	arena := project.NewArena(state, st.SaveSnapshot)
	return driveRun(ctx, st, arena, dataset, resumeOutput, resumeWatch)
}
