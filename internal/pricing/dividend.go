package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

type dividendBand struct {
	min    decimal.Decimal
	payout decimal.Decimal
}

// Lower rated winners pay more per share.
var dividendTable = []dividendBand{
	{decimal.NewFromInt(1800), decimal.NewFromInt(5)},
	{decimal.NewFromInt(1700), decimal.NewFromInt(10)},
	{decimal.NewFromInt(1650), decimal.NewFromInt(15)},
	{decimal.NewFromInt(1600), decimal.RequireFromString("17.5")},
	{decimal.NewFromInt(1550), decimal.NewFromInt(20)},
	{decimal.NewFromInt(1500), decimal.RequireFromString("37.5")},
	{decimal.NewFromInt(1450), decimal.NewFromInt(45)},
	{decimal.NewFromInt(1400), decimal.NewFromInt(55)},
	{decimal.NewFromInt(1350), decimal.NewFromInt(65)},
	{decimal.NewFromInt(1300), decimal.NewFromInt(75)},
	{decimal.NewFromInt(1250), decimal.NewFromInt(85)},
	{decimal.NewFromInt(1200), decimal.NewFromInt(95)},
	{decimal.NewFromInt(1150), decimal.NewFromInt(110)},
	{decimal.NewFromInt(1100), decimal.NewFromInt(125)},
	{decimal.NewFromInt(1050), decimal.NewFromInt(145)},
	{decimal.NewFromInt(1000), decimal.NewFromInt(175)},
}

// DividendRate is the base per-share payout for a winner at the given rating.
// Ratings below the lowest band pay nothing.
func DividendRate(r decimal.Decimal) decimal.Decimal {
	for _, b := range dividendTable {
		if r.GreaterThanOrEqual(b.min) {
			return b.payout
		}
	}
	return decimal.Zero
}

// Dividend is the payout once a winner clinches a series: the base rate times
// 1 + wins/4, paid only at every fourth win.
func Dividend(r decimal.Decimal, seriesWins int) decimal.Decimal {
	if seriesWins <= 0 || seriesWins%4 != 0 {
		return decimal.Zero
	}
	mult := decimal.NewFromInt(int64(1 + seriesWins/4))
	return DividendRate(r).Mul(mult)
}

// SeriesBoundary returns the first series start strictly after now, or now
// when the schedule is exhausted.
func SeriesBoundary(starts []time.Time, now time.Time) time.Time {
	for _, s := range starts {
		if s.After(now) {
			return s
		}
	}
	return now
}
