// Package strategy evaluates aligned candle and indicator series against
// the rule set and produces scored, explainable results. Evaluation is a
// pure function of its input; persistence and logging stay with the
// caller.
package strategy

import (
	"math"

	"github.com/avolkov/signalscan/models"
)

// Input is one evaluation context. All series are ordered
// most-recent-first: index 0 is the latest closed bar, index 1 the
// previous one. Indicator rows match candles by exact timestamp equality.
type Input struct {
	InstrumentID    int64
	EntryTimeframe  models.Timeframe
	EntryCandles    []models.Candle
	EntryIndicators []models.IndicatorRow
	BiasCandles     []models.Candle
	BiasIndicators  []models.IndicatorRow
}

// Result is one emitted signal candidate.
type Result struct {
	Strategy  models.Strategy
	Direction models.Direction
	Score     int
	Reason    models.SignalReason
}

// Evaluate runs both strategies over the context. Each contributes at
// most one result.
func Evaluate(in Input) []Result {
	var out []Result
	if r, ok := trendContinuation(in); ok {
		out = append(out, r)
	}
	if r, ok := rangeBreakout(in); ok {
		out = append(out, r)
	}
	return out
}

// indicatorAt returns the row matching t exactly, or nil.
func indicatorAt(rows []models.IndicatorRow, in Input, idx int) *models.IndicatorRow {
	if idx >= len(in.EntryCandles) {
		return nil
	}
	t := in.EntryCandles[idx].Datetime
	for i := range rows {
		if rows[i].Datetime.Equal(t) {
			return &rows[i]
		}
	}
	return nil
}

// round5 rounds a price-like value to 5 decimal places.
func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// stopAndTarget derives stop-loss and take-profit from a 1.2xATR stop
// distance at a fixed 1:2 risk-reward ratio.
func stopAndTarget(entry, atr float64, dir models.Direction) (stop, target float64) {
	dist := 1.2 * atr
	if dir == models.DirectionLong {
		return entry - dist, entry + 2*dist
	}
	return entry + dist, entry - 2*dist
}
