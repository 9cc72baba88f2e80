package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/medcord/backend/internal/messaging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

func newMessagesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <case-id>",
		Short: "List the messages of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				msgs, err := svc.GetMessages(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printMessages(cmd.OutOrStdout(), msgs)
				return nil
			})
		},
	}
	cmd.AddCommand(newSendCmd(a), newPendingCmd(a))
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <case-id> <text>...",
		Short: "Send a message; it is queued locally until pushed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				msg, err := svc.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued message %s\n", msg.ID)
				return nil
			})
		},
	}
}

func newPendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List messages not yet pushed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				msgs, err := svc.GetPendingMessages(cmd.Context())
				if err != nil {
					return err
				}
				printMessages(cmd.OutOrStdout(), msgs)
				return nil
			})
		},
	}
}

func printMessages(out io.Writer, msgs []*models.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSENDER\tSTATUS\tCONTENT")
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Timestamp.Format(time.RFC3339), sender, m.SyncStatus, m.Content)
	}
	w.Flush()
}
