package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/inboxops/sweep/internal/intercom"
)

// newCloseCmd creates the bulk conversation closer.
func newCloseCmd(configPath *string) *cobra.Command {
	var flags runFlags
	var state string

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close all matching conversations in a team inbox",
		Example: `  sweep close --team 12345
  sweep close --team 12345 --mode maximal --workers 20 --batch-size 100
  sweep close --team 12345 --state snoozed --max-items 1000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := loadClient(*configPath)
			if err != nil {
				return err
			}

			q, err := intercom.TeamStateQuery(flags.team, state)
			if err != nil {
				return err
			}

			action := func(ctx context.Context, id string) (json.RawMessage, error) {
				return client.CloseConversation(ctx, id)
			}
			return runBulk(cmd, client, q, action, &flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&state, "state", "open", "conversation state to match")
	return cmd
}
