package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/inboxops/sweep/internal/intercom"
)

// newStateCmd creates the bulk state changer.
func newStateCmd(configPath *string) *cobra.Command {
	var flags runFlags
	var fromState, toState string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Move all matching conversations into a new state",
		Example: `  sweep state --team 12345 --from open --to snoozed
  sweep state --team 12345 --from snoozed --to closed`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := loadClient(*configPath)
			if err != nil {
				return err
			}

			q, err := intercom.TeamStateQuery(flags.team, fromState)
			if err != nil {
				return err
			}

			action := func(ctx context.Context, id string) (json.RawMessage, error) {
				return client.UpdateState(ctx, id, toState)
			}
			return runBulk(cmd, client, q, action, &flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&fromState, "from", "open", "current conversation state to match")
	cmd.Flags().StringVar(&toState, "to", "closed", "state to move conversations into")
	return cmd
}
