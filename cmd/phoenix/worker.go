package main

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/petrijr/phoenix/internal/llm"
	"github.com/petrijr/phoenix/pkg/agent"
	"github.com/petrijr/phoenix/pkg/api"
	"github.com/petrijr/phoenix/pkg/planner"
	"github.com/petrijr/phoenix/pkg/worker"
)

var (
	flagWorkerTypes []string
	flagWorkerName  string
	flagWorkerID    string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker claiming the given task types",
	Long: `Run a long-lived worker loop. The worker registers itself in the
store, claims one PENDING task of its declared types at a time, runs
the handler, and writes the artifact or failure back.

Any number of workers may run concurrently, on any machine that can
reach the store. Kill them freely: an interrupted task is reclaimed by
the orchestrator once its lease expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if len(flagWorkerTypes) > 0 {
			cfg.TaskTypes = flagWorkerTypes
		}
		if flagWorkerName != "" {
			cfg.WorkerName = flagWorkerName
		}
		if flagWorkerID != "" {
			cfg.WorkerID = flagWorkerID
		}

		types := cfg.ParsedTaskTypes()
		if len(types) == 0 {
			types = api.KnownTaskTypes()
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

			completer, err := llm.NewClient(llm.Config{
				Model: anthropic.Model(cfg.AnthropicModel),
			})
			if err != nil {
				return fmt.Errorf("worker handlers need an LLM: %w", err)
			}

			registry := api.NewRegistry()
			if err := agent.Register(registry, completer); err != nil {
				return err
			}
			p := planner.New(store, planner.NewLLMDecomposer(completer), planner.Config{
				MaxRetries: cfg.MaxRetriesDefault,
				Logger:     logger,
			})
			registry.MustRegister(api.TaskTypePlan, p.Handler())

			w, err := worker.New(store, registry, worker.Config{
				WorkerID:       cfg.WorkerID,
				Name:           cfg.WorkerName,
				TaskTypes:      types,
				PollInterval:   cfg.PollInterval,
				BackoffOnError: cfg.BackoffOnError,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		})
	},
}

func init() {
	workerCmd.Flags().StringSliceVar(&flagWorkerTypes, "types", nil,
		"task types to claim (default: all known types)")
	workerCmd.Flags().StringVar(&flagWorkerName, "name", "", "human-readable worker name")
	workerCmd.Flags().StringVar(&flagWorkerID, "id", "", "stable worker id (default: random uuid)")
	rootCmd.AddCommand(workerCmd)
}
