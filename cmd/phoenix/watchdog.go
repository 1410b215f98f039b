package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/phoenix/httpapi"
	"github.com/petrijr/phoenix/watchdog"
)

var flagAdminAddr string

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Supervise the orchestrator and restart it when it dies",
	Long: `Run the watchdog: it launches an orchestrator subprocess, watches
its heartbeat document and process health, and restarts it on failure.
An admin endpoint (POST /admin/kill) deliberately kills the
orchestrator so the resurrection can be observed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
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

			self, err := os.Executable()
			if err != nil {
				return err
			}
			// The subprocess re-reads PHOENIX_* env itself; forward the
			// flag-level settings explicitly.
			command := []string{self, "orchestrator"}
			if flagConfigFile != "" {
				command = append(command, "--config", flagConfigFile)
			}
			if flagStoreURI != "" {
				command = append(command, "--store-uri", flagStoreURI)
			}
			if flagDatabase != "" {
				command = append(command, "--database", flagDatabase)
			}

			wd, err := watchdog.New(store, watchdog.Config{
				Command:          command,
				HeartbeatTimeout: cfg.HeartbeatTimeout,
				Logger:           logger,
			})
			if err != nil {
				return err
			}

			// The kill switch is served next to the watchdog because
			// only the watchdog owns the orchestrator process.
			admin := httpapi.New(store, httpapi.Config{
				Kill:   wd.Kill,
				Logger: logger,
			})
			srv := &http.Server{Addr: flagAdminAddr, Handler: admin}
			go func() {
				logger.Info("admin endpoint listening", slog.String("addr", flagAdminAddr))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin endpoint failed", slog.String("error", err.Error()))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			return wd.Run(ctx)
		})
	},
}

func init() {
	watchdogCmd.Flags().StringVar(&flagAdminAddr, "admin-addr", ":8001", "admin endpoint listen address")
	rootCmd.AddCommand(watchdogCmd)
}
