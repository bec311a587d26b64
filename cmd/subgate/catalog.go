package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCatalogCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage plans, prices and feature flags",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "load <file.json>",
		Short: "Save plans, prices and feature flags from a JSON file",
		Args:  cobra.ExactArgs(1),
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

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := loadCatalog(cmd.Context(), a.storage, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d catalog entries\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flags",
		Short: "List feature flags and their tier limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			flags, err := a.storage.ListFeatureFlags(cmd.Context())
			if err != nil {
				return err
			}
			for _, flag := range flags {
				fmt.Fprintln(cmd.OutOrStdout(), flag.Name)
				for _, c := range flag.Configs {
					price := "free"
					if c.PriceID != nil {
						price = *c.PriceID
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %-30s %s\n", price, c.Limit)
				}
			}
			return nil
		},
	})
	return cmd
}
