package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/backend/memory"
	"github.com/cleared-dev/budgetgrid/internal/config"
	"github.com/cleared-dev/budgetgrid/internal/export"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/replay"
	"github.com/cleared-dev/budgetgrid/internal/session"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

const requestTimeout = 30 * time.Second

type replayOptions struct {
	remote string
	token  string
	budget int
	csvDir string
	xlsx   string
}

func newReplayCommand(configPath *string) *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <script.yaml>",
		Short: "Apply a script of grid edits to a budget and print the resulting sheets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if opts.remote != "" {
				cfg.Backend.Mode = config.ModeHTTP
				cfg.Backend.BaseURL = opts.remote
			}
			if opts.token != "" {
				cfg.Backend.Token = opts.token
			}
			return runReplay(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.remote, "remote", "", "budget API base URL (overrides the config backend)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for the budget API")
	cmd.Flags().IntVar(&opts.budget, "budget", 0, "budget id (required with a remote backend)")
	cmd.Flags().StringVar(&opts.csvDir, "csv", "", "directory to write one CSV per sheet")
	cmd.Flags().StringVar(&opts.xlsx, "xlsx", "", "workbook to write with one worksheet per sheet")

	return cmd
}

func runReplay(ctx context.Context, out, errOut io.Writer, cfg *config.Config, path string, opts replayOptions) error {
	script, err := replay.Load(path)
	if err != nil {
		return err
	}
	log := cfg.Logger(errOut)

	client, budgetID, err := connect(cfg, script.Seed, model.ID(opts.budget), log)
	if err != nil {
		return err
	}

	s, err := session.New(ctx, client, budgetID, session.Options{
		Logger:           log,
		PlaceholderBatch: cfg.Grid.PlaceholderBatch,
		BulkThreshold:    cfg.Grid.BulkThreshold,
		OnBudgetChange: func(b model.Entity) {
			log.Debug("budget changed", "estimated", b.Estimated.Decimal, "actual", b.Actual.Decimal)
		},
	})
	if err != nil {
		return err
	}
	defer s.Shutdown()

	runner := replay.NewRunner(s, log)
	if err := runner.Run(ctx, script); err != nil {
		return err
	}

	sheets, err := selectSheets(runner, script.Print)
	if err != nil {
		return err
	}

	b := s.Budget()
	fmt.Fprintf(out, "Budget %d %s: estimated %s, actual %s, variance %s\n\n",
		b.ID, b.Values.Get(model.FieldName), amount(b.Estimated), amount(b.Actual), amount(b.Variance))

	states := make([]*sheet.State, len(sheets))
	for i, n := range sheets {
		states[i] = n.Sheet.State()
		if err := replay.Render(out, n.Path, states[i]); err != nil {
			return fmt.Errorf("printing %s: %w", n.Path, err)
		}
		fmt.Fprintln(out)
	}

	if opts.csvDir != "" {
		if err := writeCSVs(opts.csvDir, sheets, states); err != nil {
			return err
		}
	}
	if opts.xlsx != "" {
		if err := writeXLSX(opts.xlsx, states); err != nil {
			return err
		}
	}
	return nil
}

// connect builds the backend client. The memory backend is seeded from the
// script; a remote backend needs an explicit budget id.
func connect(cfg *config.Config, seed string, budgetID model.ID, log *slog.Logger) (backend.Client, model.ID, error) {
	switch cfg.Backend.Mode {
	case config.ModeHTTP:
		if budgetID == 0 {
			return nil, 0, errors.New("--budget is required with a remote backend")
		}
		hc := &http.Client{Timeout: requestTimeout}
		return backend.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.Token, hc), budgetID, nil
	default:
		mem := memory.New(log)
		var budget model.Entity
		if seed == replay.SeedEmpty {
			budget = mem.CreateBudget("Replay")
		} else {
			budget = mem.SeedDemo("Demo Feature")
		}
		return mem, budget.ID, nil
	}
}

func selectSheets(runner *replay.Runner, paths []string) ([]replay.Named, error) {
	if len(paths) == 0 {
		return runner.Sheets(), nil
	}
	out := make([]replay.Named, 0, len(paths))
	for _, p := range paths {
		sh, err := runner.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("print: %w", err)
		}
		out = append(out, replay.Named{Path: p, Sheet: sh})
	}
	return out, nil
}

func writeCSVs(dir string, sheets []replay.Named, states []*sheet.State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	for i, n := range sheets {
		name := filepath.Join(dir, CSVName(n.Path))
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
		err = export.WriteCSV(f, states[i])
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func writeXLSX(path string, states []*sheet.State) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	err = export.WriteXLSX(f, states...)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CSVName is the file name of the CSV export of the sheet at path:
// "accounts/2/1" becomes "accounts-2-1.csv".
func CSVName(path string) string {
	return strings.ReplaceAll(path, "/", "-") + ".csv"
}

func amount(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}
