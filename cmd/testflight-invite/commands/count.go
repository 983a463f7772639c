package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count <login> <password> <app_id>",
		Short: "Prints how many external testers the app has.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			client, err := newSession(ctx, args[0], args[1], args[2])
			if err != nil {
				return fail(err)
			}
			count, err := client.TesterCount(ctx)
			if err != nil {
				return fail(fmt.Errorf("count failed: %w", err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
