package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/messaging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

func newCasesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List and manage care cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				cases, err := svc.GetUserCases(cmd.Context())
				if err != nil {
					return err
				}
				printCases(cmd.OutOrStdout(), cases)
				return nil
			})
		},
	}
	cmd.AddCommand(newCaseCreateCmd(a), newCaseShowCmd(a), newCaseStatusCmd(a))
	return cmd
}

func newCaseCreateCmd(a *app) *cobra.Command {
	var in messaging.CreateCaseInput
	var urgency string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new case",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Urgency = models.Urgency(urgency)
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				c, err := svc.CreateCase(cmd.Context(), in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created case %s\n", c.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.PatientID, "patient", "", "patient ID (taken from the local participant when it is a patient)")
	f.StringVar(&in.PatientName, "patient-name", "", "patient display name")
	f.StringVar(&in.ProviderID, "provider", "", "provider ID (taken from the local participant when it is a provider)")
	f.StringVar(&in.ProviderName, "provider-name", "", "provider display name")
	f.StringVar(&in.Subject, "subject", "", "case subject")
	f.StringVar(&in.Description, "description", "", "case description")
	f.StringVar(&urgency, "urgency", "", "low, medium or emergency")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func newCaseShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				c, err := svc.GetCase(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Case:     %s\n", c.ID)
				fmt.Fprintf(w, "Subject:  %s\n", c.Subject)
				fmt.Fprintf(w, "Status:   %s\n", c.Status)
				fmt.Fprintf(w, "Urgency:  %s\n", c.Urgency)
				fmt.Fprintf(w, "Patient:  %s\n", participantLabel(c.PatientID, c.PatientName))
				fmt.Fprintf(w, "Provider: %s\n", participantLabel(c.ProviderID, c.ProviderName))
				fmt.Fprintf(w, "Updated:  %s\n", c.UpdatedAt.Format(time.RFC3339))
				if c.Description != "" {
					fmt.Fprintf(w, "\n%s\n", c.Description)
				}
				if len(c.Messages) > 0 {
					fmt.Fprintln(w)
					printMessages(w, c.Messages)
				}
				return nil
			})
		},
	}
}

func newCaseStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <case-id> <pending|reviewed|resolved>",
		Short: "Move a case to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.CaseStatus(strings.ToLower(args[1]))
			if !status.Valid() {
				return apperrors.New(apperrors.ErrInvalid, "unknown status: "+args[1])
			}
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				c, err := svc.UpdateCaseStatus(cmd.Context(), args[0], status)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Case %s is now %s\n", c.ID, c.Status)
				return nil
			})
		},
	}
}

func participantLabel(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

func printCases(out io.Writer, cases []*models.Case) {
	if len(cases) == 0 {
		fmt.Fprintln(out, "No cases.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tURGENCY\tUPDATED\tSUBJECT")
	for _, c := range cases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Status, c.Urgency, c.UpdatedAt.Format(time.RFC3339), c.Subject)
	}
	w.Flush()
}
