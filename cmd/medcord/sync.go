package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/messaging"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued messages and pull remote changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				result, err := svc.SyncNow(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Re-queue messages that exhausted their push attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				n, err := svc.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %d message(s)\n", n)
				return nil
			})
		},
	})
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, queue depth and storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				ctx := cmd.Context()
				pending, err := svc.GetPendingCount(ctx)
				if err != nil {
					return err
				}
				storage, err := svc.GetStorageInfo(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"participant":   a.cfg.LocalParticipant(),
					"state":         svc.State(),
					"pending_count": pending,
					"storage":       storage,
				})
			})
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove synced messages past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				n, err := svc.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d message(s)\n", n)
				return nil
			})
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-data",
		Short: "Delete every local record of the configured participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return apperrors.New(apperrors.ErrInvalid, "refusing to clear local data without --yes")
			}
			return a.withService(cmd.Context(), func(svc *messaging.Service) error {
				if err := svc.ClearAllData(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Local data cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
