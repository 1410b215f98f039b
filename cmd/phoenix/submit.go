package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/phoenix"
)

var submitCmd = &cobra.Command{
	Use:   "submit <goal...>",
	Short: "Submit a goal as a new workflow",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		goal := strings.Join(args, " ")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		wf, err := phoenix.SubmitGoal(ctx, store, goal)
		if err != nil {
			return err
		}

		fmt.Printf("workflow %s submitted\n", wf.ID)
		fmt.Printf("goal: %s\n", wf.Goal)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
