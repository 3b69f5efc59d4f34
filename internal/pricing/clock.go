package pricing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	periodMinutes   = 12.0
	overtimeMinutes = 5.0
	regulation      = 4
)

// ParseClock returns the minutes remaining in the period. The feed reports
// "MM:SS", bare seconds ("SS.s") in the final minute, or "" between periods.
func ParseClock(clock string) (float64, error) {
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return 0, nil
	}

	var minutes, seconds float64
	var err error
	if i := strings.Index(clock, ":"); i >= 0 {
		if minutes, err = strconv.ParseFloat(clock[:i], 64); err != nil {
			return 0, fmt.Errorf("clock %q: %w", clock, err)
		}
		if seconds, err = strconv.ParseFloat(clock[i+1:], 64); err != nil {
			return 0, fmt.Errorf("clock %q: %w", clock, err)
		}
	} else if seconds, err = strconv.ParseFloat(clock, 64); err != nil {
		return 0, fmt.Errorf("clock %q: %w", clock, err)
	}

	return math.Round((minutes+seconds/60)*100) / 100, nil
}

// ElapsedMinutes converts a period and clock into game minutes played.
// Regulation periods are 12 minutes, overtime periods 5.
func ElapsedMinutes(period int, clock string) (float64, error) {
	remaining, err := ParseClock(clock)
	if err != nil {
		return 0, err
	}

	var elapsed float64
	if period <= regulation {
		elapsed = float64(period-1)*periodMinutes + (periodMinutes - remaining)
	} else {
		elapsed = regulation*periodMinutes + (float64(period-regulation)*overtimeMinutes - remaining)
	}
	return math.Max(elapsed, 0), nil
}
