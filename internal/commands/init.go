package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/budgetgrid/internal/config"
)

// ExampleScript is the file name of the sample replay script written by init.
const ExampleScript = "example.replay.yaml"

const exampleScript = `# Replay with: budgetgrid replay example.replay.yaml
seed: demo
steps:
  # Open the subaccounts of the first account.
  - open: accounts/1
  - sheet: accounts/1
    set:
      - {row: 2, field: quantity, value: "4"}
  # Record a new actual against the second subaccount.
  - sheet: actuals
    add: 1
  - sheet: actuals
    set:
      - {row: 3, field: subaccount, value: "@accounts/1:2"}
      - {row: 3, field: description, value: "Archive fees"}
      - {row: 3, field: value, value: "300"}
  - sheet: accounts/1
    group: {name: Above the line, color: "#87CEEB", rows: [1, 2]}
`

func newInitCommand() *cobra.Command {
	var backendURL string
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a budgetgrid project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}

			return runInit(cmd.OutOrStdout(), absDir, backendURL, force)
		},
	}

	cmd.Flags().StringVar(&backendURL, "backend-url", "", "budget API base URL (switches the backend to http mode)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	return cmd
}

func runInit(out io.Writer, dir, backendURL string, force bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}

	cfg := config.Default()
	if backendURL != "" {
		cfg.Backend.Mode = config.ModeHTTP
		cfg.Backend.BaseURL = backendURL
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	script := filepath.Join(dir, ExampleScript)
	if _, err := os.Stat(script); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(script, []byte(exampleScript), 0o644); err != nil {
			return fmt.Errorf("writing example script: %w", err)
		}
	}

	fmt.Fprintf(out, "Initialized budgetgrid project at %s\n", dir)
	return nil
}
