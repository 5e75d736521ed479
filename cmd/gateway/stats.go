package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStatsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print call statistics from the shared store as JSON",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "user <user-id>",
			Short: "Show quota and call statistics for one user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(*configPath, func(ctx context.Context, a *app) any {
					return a.optimizer.UserStats(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "global",
			Short: "Show today's global statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(*configPath, func(ctx context.Context, a *app) any {
					return a.optimizer.GlobalStats(ctx)
				})
			},
		},
	)
	return cmd
}

// withApp builds the components without an upstream client and prints what
// fn returns. Only the shared aggregates are meaningful here, since this
// process served no calls.
func withApp(configPath string, fn func(ctx context.Context, a *app) any) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, zap.NewNop(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(fn(ctx, a))
}
