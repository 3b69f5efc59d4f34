package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/store"
)

// seedFile is the YAML layout read by seed and serve --instruments.
type seedFile struct {
	Instruments []struct {
		Abbr   string  `yaml:"abbr"`
		Name   string  `yaml:"name"`
		Rating float64 `yaml:"rating"`
	} `yaml:"instruments"`
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Create instruments at their initial ratings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sf, err := readSeedFile(args[0])
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.seed(ctx, sf)
		},
	}
}

func readSeedFile(path string) (seedFile, error) {
	var sf seedFile
	input, err := os.ReadFile(path)
	if err != nil {
		return sf, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(input, &sf); err != nil {
		return sf, fmt.Errorf("parse seed file: %w", err)
	}
	return sf, nil
}

// seed creates every instrument in sf that does not exist yet.
func (a *app) seed(ctx context.Context, sf seedFile) error {
	now := time.Now().UTC()
	created := 0
	for _, s := range sf.Instruments {
		inst := &model.Instrument{
			ID:         uuid.New().String(),
			Abbr:       s.Abbr,
			Name:       s.Name,
			SeedRating: decimal.NewFromFloat(s.Rating),
		}
		err := a.store.Update(ctx, func(tx store.Tx) error {
			return rating.Seed(ctx, tx, inst, now)
		})
		switch {
		case errors.Is(err, store.ErrDuplicate):
			a.log.Infow("instrument exists, skipping", "abbr", s.Abbr)
		case err != nil:
			return err
		default:
			created++
			a.log.Infow("instrument seeded", "abbr", s.Abbr, "rating", inst.SeedRating.String())
		}
	}
	a.log.Infof("seeded %d of %d instruments", created, len(sf.Instruments))
	return nil
}
