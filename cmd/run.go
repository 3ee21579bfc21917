package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one scrape now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.worker.RunScrape(ctx, "manual")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s\n", sum.RunID)
		fmt.Fprintf(out, "shops: %d ok, %d failed of %d\n", sum.ShopsSucceeded, sum.ShopsFailed, sum.ShopsTotal)
		fmt.Fprintf(out, "products: %d, new: %d, tracked: %d\n", sum.ProductsFound, sum.NewListings, sum.Tracked)
		fmt.Fprintf(out, "top: %d, archived: %d\n", sum.Top, sum.Archived)
		if sum.Stopped {
			fmt.Fprintln(out, "stopped before all shops were processed")
		}
		return nil
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Refresh metrics of tracked listings and classify matured ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.worker.RunAnalytics(ctx, "manual")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s\n", sum.RunID)
		fmt.Fprintf(out, "tracked: %d, stored: %d, compacted: %d, missing: %d\n", sum.Tracked, sum.Stored, sum.Compacted, sum.Missing)
		fmt.Fprintf(out, "top: %d, archived: %d\n", sum.Top, sum.Archived)

		verbose, _ := cmd.Flags().GetBool("changes")
		if !verbose {
			return nil
		}
		for _, ch := range sum.Changes {
			fmt.Fprintf(out, "%s %s\n", ch.ListingID, ch.URL)
			for _, f := range ch.Fields {
				fmt.Fprintf(out, "  %-22s %10.2f -> %10.2f (%+.2f)\n", f.Field, f.Old, f.New, f.Diff)
			}
		}
		return nil
	},
}

func init() {
	analyticsCmd.Flags().Bool("changes", false, "print per-listing metric changes")
}
