package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/state"
)

var (
	configPath string
	debugLog   bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Adaptive DAG orchestration with a supervising control loop",
	Long: `loom runs plans as dependency graphs of capability calls under a
control loop that observes results, replans around failures and delegates
sub-objectives to child loops whose output is reviewed before it is used.

Plans are YAML files. Without a plan file, the planner is a language model
working from the goal given with --goal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if debugLog || os.Getenv("LOOM_DEBUG") != "" {
			logging.SetDefault(logging.NewDebugLoggerForDir(dataDir()))
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/loom/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Write a debug log under the data directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// dataDir is where the default state, artifact and log files live.
func dataDir() string {
	return filepath.Dir(config.DefaultStatePath())
}

// openState opens and migrates the configured state database.
func openState() (*state.DB, error) {
	dsn := cfg.State.DSN
	if dsn == "" && cfg.State.Driver != state.DriverPostgres {
		dsn = config.DefaultStatePath()
	}
	db, err := state.OpenDriver(cfg.State.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	return db, nil
}

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// stateColor picks a color for a run or node state.
func stateColor(s string) *color.Color {
	switch s {
	case "completed", "succeeded", "accepted":
		return color.New(color.FgGreen)
	case "terminated", "failed", "rejected", "interrupted":
		return color.New(color.FgRed)
	case "running", "in_progress", "under_review":
		return color.New(color.FgYellow)
	case "revision_requested":
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgHiBlack)
	}
}
