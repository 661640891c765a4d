// Package main is the datasage CLI: an adaptive data-analysis engine that
// plans analyses over a dataset, generates and sandboxes code for each step,
// interprets the results, and revises its plan until the budget runs out.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"datasage/internal/config"
	"datasage/internal/logging"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	configPath string

	// Loaded in PersistentPreRunE, shared by every command.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "datasage - adaptive data analysis engine",
	Long: `datasage runs an iterative, self-correcting analysis loop over a
tabular dataset: it plans analysis steps, generates sandboxed code for each
step, executes it, interprets the output, and revises the plan, until the
plan or the analysis budget is exhausted.

Every round is persisted, so an interrupted run resumes where it left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logging.Init(logging.Options{
			Level:   cfg.Logging.Level,
			Format:  cfg.Logging.Format,
			File:    cfg.Logging.File,
			Verbose: verbose,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the datasage version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("datasage %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "datasage.yaml", "config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
