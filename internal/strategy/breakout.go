package strategy

import (
	"sort"

	"github.com/avolkov/signalscan/models"
)

const (
	breakoutScore       = 70
	breakoutMinCandles  = 24
	breakoutMinRows     = 50
	breakoutWidthWindow = 50
	breakoutMinWidths   = 10
	rangeWindow         = 20
	// The two most recent candles are follow-through confirmation bars,
	// not part of the range itself.
	rangeSkip = 2
)

// rangeBreakout looks for a volatility squeeze resolving with two
// consecutive closes beyond a 20-bar range.
func rangeBreakout(in Input) (Result, bool) {
	if len(in.EntryCandles) < breakoutMinCandles || len(in.EntryIndicators) < breakoutMinRows {
		return Result{}, false
	}

	ind := indicatorAt(in.EntryIndicators, in, 0)
	if ind == nil || !ind.Complete() {
		return Result{}, false
	}

	// Gate 1: only ranging regimes qualify.
	if *ind.ADX > adxTrending {
		return Result{}, false
	}

	// Gate 2: latest band width strictly below the trailing median.
	widths := make([]float64, 0, breakoutWidthWindow)
	for i := 0; i < breakoutWidthWindow && i < len(in.EntryIndicators); i++ {
		if w := in.EntryIndicators[i].BBWidth(); w != nil {
			widths = append(widths, *w)
		}
	}
	if len(widths) < breakoutMinWidths {
		return Result{}, false
	}
	latestWidth := ind.BBWidth()
	if latestWidth == nil || !(*latestWidth < median(widths)) {
		return Result{}, false
	}

	rangeHigh, rangeLow := rangeBounds(in.EntryCandles)
	latest := in.EntryCandles[0]
	prev := in.EntryCandles[1]

	var dir models.Direction
	switch {
	case prev.Close > rangeHigh && latest.Close > rangeHigh && latest.Close >= *ind.BBUpper:
		dir = models.DirectionLong
	case prev.Close < rangeLow && latest.Close < rangeLow && latest.Close <= *ind.BBLower:
		dir = models.DirectionShort
	default:
		return Result{}, false
	}

	entry := latest.Close
	stop, target := stopAndTarget(entry, *ind.ATR, dir)
	return Result{
		Strategy:  models.StrategyRangeBreakout,
		Direction: dir,
		Score:     breakoutScore,
		Reason: models.SignalReason{
			Entry:      round5(entry),
			StopLoss:   round5(stop),
			TakeProfit: round5(target),
			Factors: []string{
				"band squeeze below trailing median width",
				"two consecutive closes beyond 20-bar range",
				"close reached the outer Bollinger band",
			},
		},
	}, true
}

// rangeBounds computes the max high / min low over the 20-candle window
// that excludes the two most recent candles.
func rangeBounds(candles []models.Candle) (high, low float64) {
	window := candles[rangeSkip : rangeSkip+rangeWindow]
	high, low = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
