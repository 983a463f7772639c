package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <login> <password> <app_id>",
		Short: "Lists the app's external testers.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			client, err := newSession(ctx, args[0], args[1], args[2])
			if err != nil {
				return fail(err)
			}
			testers, err := client.Testers(ctx)
			if err != nil {
				return fail(fmt.Errorf("list failed: %w", err))
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Email", "First name", "Last name", "Testing"})
			for _, tester := range testers {
				t.AppendRow(table.Row{tester.Email, tester.FirstName, tester.LastName, tester.Testing})
			}
			t.AppendFooter(table.Row{"", "", "Total", len(testers)})
			t.Render()
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
