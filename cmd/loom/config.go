package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `View loom configuration.

Without arguments, displays every configuration value.
With one argument (key), displays the value for that key.

Configuration is stored at ~/.config/loom/config.yaml
Project-specific overrides can be placed in .loom.yaml
Environment variables override both: LOOM_EXECUTOR_MAX_CONCURRENCY=8`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return displayConfigKey(args[0])
		}
		displayAllConfig()
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the user config file",
	Args:  cobra.ExactArgs(2),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.UserConfigPath()
		}
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Set %s = %s in %s", args[0], args[1], path), color.FgGreen)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default values",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.UserConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			printStatus("•", fmt.Sprintf("%s already exists (use --force to overwrite)", path), color.FgYellow)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := config.SaveTo(config.Default(), path); err != nil {
			return err
		}
		printStatus("✓", "Wrote "+path, color.FgGreen)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config and data file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user config:    %s\n", config.UserConfigPath())
		project := config.ProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Printf("project config: %s\n", project)
		fmt.Printf("state database: %s\n", config.DefaultStatePath())
		fmt.Printf("data directory: %s\n", dataDir())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configSetCmd, configInitCmd, configPathCmd)
}

// displayAllConfig prints all configuration values with the API key masked.
func displayAllConfig() {
	key, source, err := config.APIKey(cfg)
	switch {
	case err != nil:
		fmt.Printf("%s: %s\n", color.New(color.Bold).Sprint("api key"), color.YellowString("(not set)"))
	case source == config.KeySourceBedrock:
		fmt.Printf("%s: via AWS Bedrock (region %s)\n", color.New(color.Bold).Sprint("api key"), cfg.Anthropic.Region)
	default:
		fmt.Printf("%s: %s (from %s)\n", color.New(color.Bold).Sprint("api key"), config.MaskAPIKey(key), source)
		if verr := config.ValidateAPIKey(key); verr != nil {
			printStatus("!", verr.Error(), color.FgYellow)
		}
	}
	fmt.Println()

	for _, k := range cfg.Keys() {
		if k == "anthropic.api_key" {
			continue
		}
		v, _ := cfg.Value(k)
		fmt.Printf("%s: %s\n", k, v)
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(key string) error {
	if key == "anthropic.api_key" {
		k, _, _ := config.APIKey(cfg)
		fmt.Println(config.MaskAPIKey(k))
		return nil
	}
	v, err := cfg.Value(key)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}
