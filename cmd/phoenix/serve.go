package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/phoenix"
	"github.com/petrijr/phoenix/httpapi"
	"github.com/petrijr/phoenix/pkg/api"
)

var flagServeAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control plane",
	Long: `Serve the read-only control-plane API (workers, tasks, workflows,
logs) plus workflow submission. Submitting a goal inserts a workflow
and its seed PLAN task; a worker with the PLAN type picks it up from
there.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagServeAddr != "" {
			cfg.HTTPAddr = flagServeAddr
		}

		return runUntilSignalled(cmd, func(ctx context.Context) error {
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			logger, err := newLogger(store)
			if err != nil {
				return err
			}

			handler := httpapi.New(store, httpapi.Config{
				Submit: func(ctx context.Context, goal string) (*api.Workflow, error) {
					return phoenix.SubmitGoal(ctx, store, goal)
				},
				Logger: logger,
			})

			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("control plane listening", slog.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return ctx.Err()
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "listen address (default :8000)")
	rootCmd.AddCommand(serveCmd)
}
