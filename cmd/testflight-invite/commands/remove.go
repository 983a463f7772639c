package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <login> <password> <app_id> <tester_email>",
		Short: "Removes an external tester from the app.",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			client, err := newSession(ctx, args[0], args[1], args[2])
			if err != nil {
				return fail(err)
			}
			status, err := client.RemoveTester(ctx, args[3])
			if err != nil {
				return fail(fmt.Errorf("remove failed: %w", err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
