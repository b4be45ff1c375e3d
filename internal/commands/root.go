package commands

import (
	"github.com/spf13/cobra"

	"github.com/cleared-dev/budgetgrid/internal/buildinfo"
	"github.com/cleared-dev/budgetgrid/internal/config"
)

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "budgetgrid",
		Short:   "Spreadsheet-style budgeting against a production budget API",
		Version: buildinfo.Summary(),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.FileName, "path to the config file")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newReplayCommand(&configPath))

	return rootCmd
}

// loadConfig reads the config file, if present, and overlays the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
