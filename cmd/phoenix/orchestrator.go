package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/petrijr/phoenix/pkg/orchestrator"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the dependency-resolution loop",
	Long: `Run the orchestrator: every tick it unblocks tasks whose
dependencies completed, reclaims tasks from expired leases, aggregates
workflow status, and writes its heartbeat for the watchdog.

Running more than one orchestrator is safe (every pass is idempotent)
but one is enough.`,
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

			o := orchestrator.New(store, orchestrator.Config{
				PollInterval: cfg.PollInterval,
				LeaseTTL:     cfg.LeaseTTL,
				Logger:       logger,
			})
			return o.Run(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(orchestratorCmd)
}
