package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"datasage/internal/backend"
	"datasage/internal/engine"
	"datasage/internal/ingest"
	"datasage/internal/logging"
	"datasage/internal/project"
	"datasage/internal/report"
	"datasage/internal/store"
	"datasage/internal/tui"
)

var (
	runDict     string
	runName     string
	runOutput   string
	runParallel int
	runWatch    bool
	runBudget   int
)

var runCmd = &cobra.Command{
	Use:   "run [dataset.csv]",
	Short: "Run the analysis loop over a dataset",
	Long: `Loads a CSV dataset (and optionally a data dictionary), profiles it,
generates an analysis plan, and runs the loop: generate code, execute it in
the sandbox, interpret the output, revise the plan. State persists after
every round; an interrupted run can be continued with 'sage resume'.

Examples:
  sage run sales.csv --dict sales_dictionary.csv
  sage run sales.csv --parallel 5 --watch
  sage run sales.csv --max-analyses 4 -o results/`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalysis,
}

func init() {
	runCmd.Flags().StringVar(&runDict, "dict", "", "data dictionary file (CSV or markdown table)")
	runCmd.Flags().StringVar(&runName, "name", "", "project name (defaults to the dataset name)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "output", "output directory for figures and the report")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "concurrent analysis workers (overrides config)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "show a live progress view")
	runCmd.Flags().IntVar(&runBudget, "max-analyses", 0, "analysis step budget (overrides config)")
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if runParallel > 0 {
		cfg.Engine.MaxParallel = runParallel
	}
	if runBudget > 0 {
		cfg.Engine.MaxAnalyses = runBudget
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := ingest.NewLoader(cfg.Ingest.SampleRows)
	dataset, err := loader.LoadDataset(args[0])
	if err != nil {
		return err
	}
	var dict ingest.Dictionary
	if runDict != "" {
		if dict, err = loader.LoadDictionary(runDict); err != nil {
			return err
		}
	}
	profile, err := loader.Profile(dataset, dict)
	if err != nil {
		return err
	}

	name := runName
	if name == "" {
		name = strings.TrimSuffix(profile.Dataset, filepath.Ext(profile.Dataset))
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	state := project.NewProjectState(name, profile)
	arena := project.NewArena(state, st.SaveSnapshot)
	fmt.Printf("Project %s (%s): %d rows, %d fields\n", state.ID, name, profile.RowCount, len(profile.Fields))

	return driveRun(ctx, st, arena, dataset, runOutput, runWatch)
}

// openStore opens the configured database. Embedding-assisted recall is
// attached only when a Gemini key is present; without one recall stays
// keyword-only.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		emb, err := store.NewGenAIEmbedder(ctx, key, "")
		if err != nil {
			logging.StoreDebug("embedder unavailable, keyword recall only: %v", err)
		} else {
			st.SetEmbedder(emb)
		}
	}
	return st, nil
}

func newBackendClient() (backend.Client, error) {
	return backend.New(backend.Config{
		Provider: backend.Provider(cfg.LLM.Provider),
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.GetLLMTimeout(),
	})
}

// driveRun wires the orchestrator over an arena and runs it to completion,
// either headless or behind the watch view, then prints the run summary and
// writes the final report into the output directory.
func driveRun(ctx context.Context, st *store.Store, arena *project.Arena, dataset project.DatasetHandle, outputDir string, watch bool) error {
	client, err := newBackendClient()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	events := make(chan engine.Event, 64)
	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Config:    cfg,
		Client:    client,
		Arena:     arena,
		Dataset:   dataset,
		OutputDir: outputDir,
		CodeCache: st.CodeCache(),
		EventChan: events,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	var runErr error
	if watch {
		done := make(chan struct{})
		go func() {
			runErr = orch.Run(ctx)
			close(events)
			close(done)
		}()
		p := tea.NewProgram(tui.New(events, arena.Snapshot))
		if _, err := p.Run(); err != nil {
			logging.EngineWarn("watch view failed, run continues headless: %v", err)
		}
		<-done
	} else {
		go drainEvents(events)
		runErr = orch.Run(ctx)
		close(events)
	}

	printSummary(arena.Snapshot(), time.Since(start))

	// Backfill insight embeddings outside the loop; best effort.
	if n, err := st.EmbedPending(context.WithoutCancel(ctx)); err == nil && n > 0 {
		logging.StoreDebug("backfilled %d insight embedding(s)", n)
	}

	if writeErr := writeReport(arena.Snapshot(), outputDir); writeErr != nil {
		logging.EngineWarn("report not written: %v", writeErr)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// drainEvents keeps the event channel from filling in headless mode.
func drainEvents(events <-chan engine.Event) {
	for range events {
	}
}

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	summaryGood  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	summaryBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	summaryDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func printSummary(state *project.ProjectState, elapsed time.Duration) {
	counts := state.Plan.CountByStatus()
	fmt.Println()
	fmt.Println(summaryTitle.Render("Run summary"))
	fmt.Printf("  %s %d completed   %s %d failed   %s %d skipped\n",
		summaryGood.Render("✓"), counts[project.StepCompleted],
		summaryBad.Render("✗"), counts[project.StepFailed],
		summaryDim.Render("⊘"), counts[project.StepSkipped])
	fmt.Printf("  %d analyses, %d repair retries, %d rounds, %s\n",
		state.AnalysesRun, state.RetriesUsed, state.Round, elapsed.Round(time.Second))
	fmt.Printf("  project %s (%s)\n", state.ID, strings.TrimPrefix(string(state.Status), "/"))
}

func writeReport(state *project.ProjectState, outputDir string) error {
	md := report.NewBuilder().Build(state)
	path := filepath.Join(outputDir, "report.md")
	if err := os.WriteFile(path, []byte(md), 0644); err != nil {
		return err
	}
	fmt.Printf("  report written to %s\n", path)
	return nil
}
