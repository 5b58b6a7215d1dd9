package models

import (
	"fmt"
	"time"
)

const vendorTimeLayout = "2006-01-02 15:04:05"

// Duration returns the wall-clock length of one bar for this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe1H:
		return time.Hour
	}
	return 0
}

// ParseVendorTime parses a vendor datetime string as UTC. Daily bars come
// without a time component.
func ParseVendorTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(vendorTimeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing vendor time %q: %w", s, err)
	}
	return t, nil
}

// NextBoundary returns the first wall-clock instant strictly after t that
// is aligned to d (e.g. the next quarter hour for d=15m).
func NextBoundary(t time.Time, d time.Duration) time.Time {
	return t.Truncate(d).Add(d)
}

// LatestClosed returns the most recent candle whose window has fully
// elapsed at instant now, i.e. open time + d <= now. Candles are expected
// ordered most-recent-first.
func LatestClosed(candles []Candle, d time.Duration, now time.Time) (Candle, bool) {
	for _, c := range candles {
		if !c.Datetime.Add(d).After(now) {
			return c, true
		}
	}
	return Candle{}, false
}

// FilterClosed keeps only candles at or before cutoff, preserving order.
// Used to make sure a still-forming bar never reaches evaluation.
func FilterClosed(candles []Candle, cutoff time.Time) []Candle {
	out := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if !c.Datetime.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// FilterRowsClosed is FilterClosed for indicator rows.
func FilterRowsClosed(rows []IndicatorRow, cutoff time.Time) []IndicatorRow {
	out := make([]IndicatorRow, 0, len(rows))
	for _, r := range rows {
		if !r.Datetime.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}
