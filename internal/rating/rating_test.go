package rating_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2020, 8, 20, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, ms *store.MemoryStore, abbr string, r float64) *model.Instrument {
	t.Helper()
	inst := &model.Instrument{ID: "inst-" + abbr, Abbr: abbr, Name: abbr, SeedRating: d(r)}
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		return rating.Seed(context.Background(), tx, inst, t0)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", abbr, err)
	}
	return inst
}

func TestAdjust_WritesPointAndPrev(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inst := seed(t, ms, "BOS", 1500)
	u := rating.NewUpdater(d(1))

	err := ms.Update(ctx, func(tx store.Tx) error {
		_, err := u.Adjust(ctx, tx, inst.ID, d(7.5), t0.Add(time.Minute))
		return err
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	_ = ms.View(ctx, func(r store.Reader) error {
		got, _ := r.GetInstrument(ctx, inst.ID)
		if !got.Rating.Equal(d(1507.5)) {
			t.Errorf("rating = %s, want 1507.5", got.Rating)
		}
		if !got.PrevRating.Equal(d(1500)) || !got.LastDelta.Equal(d(7.5)) {
			t.Errorf("prev=%s delta=%s", got.PrevRating, got.LastDelta)
		}
		hist, _ := r.RatingHistory(ctx, inst.ID, time.Time{}, t0.Add(time.Hour))
		if len(hist) != 2 {
			t.Fatalf("history len = %d, want 2", len(hist))
		}
		return nil
	})
}

func TestSet_ClampsToFloorAndTimestamp(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inst := seed(t, ms, "MIA", 1400)
	u := rating.NewUpdater(d(100))

	var p model.RatingPoint
	err := ms.Update(ctx, func(tx store.Tx) error {
		var err error
		p, err = u.Set(ctx, tx, inst.ID, d(-5), t0.Add(-time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	if !p.Rating.Equal(d(100)) {
		t.Errorf("rating = %s, want floor 100", p.Rating)
	}
	if !p.Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want clamped to %v", p.Timestamp, t0)
	}
}

func TestSet_UnknownInstrument(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	u := rating.NewUpdater(d(1))

	err := ms.Update(ctx, func(tx store.Tx) error {
		_, err := u.Set(ctx, tx, "nope", d(1500), t0)
		return err
	})
	if !errors.Is(err, store.ErrUnknownInstrument) {
		t.Errorf("err = %v, want ErrUnknownInstrument", err)
	}
}

func TestAsOf(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inst := seed(t, ms, "LAL", 1600)
	u := rating.NewUpdater(d(1))

	_ = ms.Update(ctx, func(tx store.Tx) error {
		_, err := u.Set(ctx, tx, inst.ID, d(1650), t0.Add(time.Hour))
		return err
	})

	cases := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"before history uses seed", t0.Add(-time.Hour), 1600},
		{"at seed point", t0, 1600},
		{"between points", t0.Add(30 * time.Minute), 1600},
		{"at second point", t0.Add(time.Hour), 1650},
		{"after history", t0.Add(48 * time.Hour), 1650},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_ = ms.View(ctx, func(r store.Reader) error {
				got, err := rating.AsOf(ctx, r, inst, tc.at)
				if err != nil {
					t.Fatalf("as of: %v", err)
				}
				if !got.Equal(d(tc.want)) {
					t.Errorf("got %s, want %v", got, tc.want)
				}
				return nil
			})
		})
	}
}

func TestAsOf_NoHistory(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inst := &model.Instrument{ID: "bare", Abbr: "BARE", Rating: d(1500)}
	_ = ms.Update(ctx, func(tx store.Tx) error { return tx.CreateInstrument(ctx, inst) })

	_ = ms.View(ctx, func(r store.Reader) error {
		_, err := rating.AsOf(ctx, r, inst, t0)
		if !errors.Is(err, rating.ErrStaleRatingHistory) {
			t.Errorf("err = %v, want ErrStaleRatingHistory", err)
		}
		return nil
	})
}

func TestSample_MatchesAsOf(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inst := seed(t, ms, "DEN", 1450)
	u := rating.NewUpdater(d(1))

	_ = ms.Update(ctx, func(tx store.Tx) error {
		for i := 1; i <= 3; i++ {
			if _, err := u.Adjust(ctx, tx, inst.ID, d(10), t0.Add(time.Duration(i)*time.Hour)); err != nil {
				return err
			}
		}
		return nil
	})

	_ = ms.View(ctx, func(r store.Reader) error {
		hist, _ := r.RatingHistory(ctx, inst.ID, time.Time{}, t0.Add(24*time.Hour))
		for m := -60; m <= 240; m += 15 {
			at := t0.Add(time.Duration(m) * time.Minute)
			want, _ := rating.AsOf(ctx, r, inst, at)
			got, err := rating.Sample(inst, hist, at)
			if err != nil || !got.Equal(want) {
				t.Errorf("at %v: sample = %s (%v), as of = %s", at, got, err, want)
			}
		}
		if _, err := rating.Sample(inst, nil, t0); !errors.Is(err, rating.ErrStaleRatingHistory) {
			t.Errorf("empty history: err = %v", err)
		}
		return nil
	})
}
