package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/budgetgrid/internal/backend/fakeapi"
	"github.com/cleared-dev/budgetgrid/internal/backend/memory"
	"github.com/cleared-dev/budgetgrid/internal/config"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	addr    string
	token   string
	origins []string
	name    string
}

func newServeCommand(configPath *string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a seeded in-memory budget over the budget API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if opts.token == "" {
				opts.token = cfg.Backend.Token
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token clients must present")
	cmd.Flags().StringSliceVar(&opts.origins, "allow-origin", nil, "CORS origins to allow (default all)")
	cmd.Flags().StringVar(&opts.name, "name", "Demo Feature", "name of the seeded budget")

	return cmd
}

// runServe serves until ctx is cancelled, then shuts down gracefully.
func runServe(ctx context.Context, out, errOut io.Writer, cfg *config.Config, opts serveOptions) error {
	log := cfg.Logger(errOut)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	mem := memory.New(log)
	budget := mem.SeedDemo(opts.name)

	router := fakeapi.NewRouter(mem, fakeapi.Options{
		Token:        opts.token,
		AllowOrigins: opts.origins,
		Logger:       log,
	})

	ln, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.addr, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
	}

	fmt.Fprintf(out, "Serving budget %d (%s) at http://%s\n", budget.ID, opts.name, ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	log.Info("server stopped")
	return nil
}
