package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"chatrelay/internal/database"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/types"
)

const bodyPreview = 40

func newPendingCmd(opts *rootOptions) *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the messages still waiting for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !types.IsValidIdentity(identity) {
				return fmt.Errorf("%w: --user must be a UUID", types.ErrValidation)
			}

			cfg := dbconfig.DefaultConfig()
			cfg.DatabasePath = opts.databasePath()
			store, err := database.NewManager(cfg, opts.logger("WARN"))
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := store.PendingUndelivered(cmd.Context(), identity)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, color.New(color.FgCyan, color.OpBold).Render(
				fmt.Sprintf("%d pending message(s) for %s", len(pending), identity)))
			if len(pending) == 0 {
				return nil
			}

			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Message", "Conversation", "Sender", "Sent", "Body"})
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, message := range pending {
				table.Append([]string{
					message.ID,
					types.ShortID(message.ConversationID),
					types.ShortID(message.SenderID),
					message.CreatedAt.Format(time.RFC3339),
					preview(message.Body),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&identity, "user", "u", "", "Identity whose undelivered messages are listed")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func preview(body string) string {
	body = strings.ReplaceAll(body, "\n", " ")
	runes := []rune(body)
	if len(runes) <= bodyPreview {
		return body
	}
	return string(runes[:bodyPreview-3]) + "..."
}
