package cli

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/inboxops/sweep/internal/intercom"
)

var errNoTags = errors.New("at least one --tag is required")

// newTagCmd creates the bulk tag assigner.
func newTagCmd(configPath *string) *cobra.Command {
	var flags runFlags
	var state string
	var tags []string

	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Attach tags to all matching conversations",
		Example: `  sweep tag --team 12345 --tag urgent-id
  sweep tag --team 12345 --tag urgent-id --tag follow-up-id --state open`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(tags) == 0 {
				return errNoTags
			}

			client, err := loadClient(*configPath)
			if err != nil {
				return err
			}

			q, err := intercom.TeamStateQuery(flags.team, state)
			if err != nil {
				return err
			}

			action := func(ctx context.Context, id string) (json.RawMessage, error) {
				return client.TagConversation(ctx, id, tags)
			}
			return runBulk(cmd, client, q, action, &flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&state, "state", "open", "conversation state to match")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag ID to attach (repeatable)")
	return cmd
}
