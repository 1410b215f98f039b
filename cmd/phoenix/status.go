package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petrijr/phoenix"
)

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if len(args) == 0 {
			return printWorkflows(ctx, cmd, store)
		}
		return printWorkflow(ctx, cmd, store, args[0])
	},
}

func printWorkflows(ctx context.Context, cmd *cobra.Command, store phoenix.Store) error {
	workflows, err := store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no workflows")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tGOAL")
	for _, wf := range workflows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			wf.ID, wf.Status, wf.CreatedAt.Format("2006-01-02 15:04:05"), wf.Goal)
	}
	return tw.Flush()
}

func printWorkflow(ctx context.Context, cmd *cobra.Command, store phoenix.Store, id string) error {
	wf, err := store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "workflow %s [%s]\ngoal: %s\n\n", wf.ID, wf.Status, wf.Goal)

	tasks, err := store.ListTasks(ctx, phoenix.TaskFilter{WorkflowID: id})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTYPE\tSTATUS\tRETRIES\tLOCK\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Type, t.Status, t.RetryCount, t.MaxRetries, t.WorkerLock, t.LastError)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
