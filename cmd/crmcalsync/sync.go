package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync batch, or a single account, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if accountID != "" {
				result := a.engine.SyncOne(ctx, accountID)
				if err := printJSON(result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("sync failed: %s", result.Message)
				}
				return nil
			}

			ctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.BatchTimeout)
			defer cancel()
			result, err := a.engine.SyncAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(result); err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d accounts failed", result.Failed, result.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "sync only this account ID")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the stored sync state of a user's accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			accounts, err := a.engine.Status(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(accounts)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "CRM user ID")
	_ = cmd.MarkFlagRequired("user") //nolint:errcheck // flag is defined above
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
