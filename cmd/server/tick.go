package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanbase/market-engine/internal/feed"
	"github.com/fanbase/market-engine/internal/pricing"
)

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single pricing tick and print the new ratings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Feed.URL == "" {
				return errors.New("FEED_URL is required for tick")
			}
			f := feed.NewHTTPFeed(a.cfg.Feed, a.log.With("component", "feed"))
			defer f.Close()

			engine := pricing.NewEngine(a.store, f, a.cfg.Pricing, a.log.With("component", "pricing"))
			update, err := engine.RunTick(ctx)
			if err != nil {
				return err
			}
			for abbr, p := range update {
				fmt.Printf("%s\t%s\t%s\n", abbr, p.Rating.StringFixed(2), p.Timestamp.Format(time.RFC3339))
			}
			return nil
		},
	}
}
