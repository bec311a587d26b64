package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	stripebilling "github.com/mihaimyh/subgate/pkg/billing/stripe"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <subscription-id>...",
		Short: "Pull subscriptions from Stripe and write them to storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.provider == nil {
				return errors.New("stripe.api_key is required for sync")
			}

			failed := 0
			for _, id := range args {
				row, err := a.provider.SyncSubscriptionByID(cmd.Context(), id, "")
				if err != nil {
					failed++
					var syncErr *stripebilling.SyncError
					if errors.As(err, &syncErr) {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: failed at %s: %v\n", id, syncErr.Stage, syncErr.Err)
					} else {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (user %s, price %s)\n", id, row.Status, row.UserID, row.PriceID)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d subscriptions failed to sync", failed, len(args))
			}
			return nil
		},
	}
}
