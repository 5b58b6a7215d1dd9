package strategy

import "github.com/avolkov/signalscan/models"

// Scoring weights for TREND_CONTINUATION confirmations.
const (
	trendBaseScore     = 20
	trendStackScore    = 25
	trendPullbackScore = 20
	trendMACDScore     = 15
	trendADXScore      = 20
	trendScoreFloor    = 40

	ema21Tolerance = 0.002
	ema55Tolerance = 0.005
	adxTrending    = 18.0
)

// trendContinuation looks for a pullback entry in the direction of the
// bias-timeframe trend. Bias direction needs both the EMA200 slope over
// three bars and the latest close's side of the EMA200 to agree.
func trendContinuation(in Input) (Result, bool) {
	if len(in.BiasIndicators) < 4 || len(in.BiasCandles) < 1 {
		return Result{}, false
	}
	if len(in.EntryCandles) < 2 || len(in.EntryIndicators) < 2 {
		return Result{}, false
	}

	emaNow := in.BiasIndicators[0].EMA200
	emaPrior := in.BiasIndicators[3].EMA200
	if emaNow == nil || emaPrior == nil {
		return Result{}, false
	}
	biasClose := in.BiasCandles[0].Close
	rising := *emaNow > *emaPrior
	falling := *emaNow < *emaPrior

	var dir models.Direction
	switch {
	case biasClose > *emaNow && rising:
		dir = models.DirectionLong
	case biasClose < *emaNow && falling:
		dir = models.DirectionShort
	default:
		return Result{}, false
	}

	ind := indicatorAt(in.EntryIndicators, in, 0)
	if ind == nil || !ind.Complete() {
		return Result{}, false
	}
	prevInd := indicatorAt(in.EntryIndicators, in, 1)
	latest := in.EntryCandles[0]
	prev := in.EntryCandles[1]

	score := trendBaseScore
	factors := []string{"bias timeframe trend agreement (close and EMA200 slope aligned)"}

	if emaStackAligned(ind, dir) {
		score += trendStackScore
		factors = append(factors, "EMA 9/21/55 stack aligned with direction")
	}
	if prevInd != nil && pullbackReclaimed(prev, latest, prevInd, ind, dir) {
		score += trendPullbackScore
		factors = append(factors, "pullback into EMA zone reclaimed")
	}
	if macdAgrees(ind, dir) {
		score += trendMACDScore
		factors = append(factors, "MACD histogram agrees with direction")
	}
	if *ind.ADX >= adxTrending {
		score += trendADXScore
		factors = append(factors, "ADX confirms trend strength")
	}

	if score < trendScoreFloor {
		return Result{}, false
	}
	if score > 100 {
		score = 100
	}

	entry := latest.Close
	stop, target := stopAndTarget(entry, *ind.ATR, dir)
	return Result{
		Strategy:  models.StrategyTrendContinuation,
		Direction: dir,
		Score:     score,
		Reason: models.SignalReason{
			Entry:      round5(entry),
			StopLoss:   round5(stop),
			TakeProfit: round5(target),
			EMA21Zone:  round5(*ind.EMA21),
			EMA55Zone:  round5(*ind.EMA55),
			Factors:    factors,
		},
	}, true
}

func emaStackAligned(ind *models.IndicatorRow, dir models.Direction) bool {
	if dir == models.DirectionLong {
		return *ind.EMA9 > *ind.EMA21 && *ind.EMA21 > *ind.EMA55
	}
	return *ind.EMA9 < *ind.EMA21 && *ind.EMA21 < *ind.EMA55
}

// pullbackReclaimed checks that the previous bar dipped into the EMA21
// zone (0.2% tolerance) or the EMA55 zone (0.5% tolerance) while the
// latest close has moved back beyond EMA21 in the trade direction.
func pullbackReclaimed(prev, latest models.Candle, prevInd, ind *models.IndicatorRow, dir models.Direction) bool {
	if prevInd.EMA21 == nil || prevInd.EMA55 == nil {
		return false
	}
	if dir == models.DirectionLong {
		dipped := prev.Low <= *prevInd.EMA21*(1+ema21Tolerance) ||
			prev.Low <= *prevInd.EMA55*(1+ema55Tolerance)
		return dipped && latest.Close > *ind.EMA21
	}
	dipped := prev.High >= *prevInd.EMA21*(1-ema21Tolerance) ||
		prev.High >= *prevInd.EMA55*(1-ema55Tolerance)
	return dipped && latest.Close < *ind.EMA21
}

func macdAgrees(ind *models.IndicatorRow, dir models.Direction) bool {
	if dir == models.DirectionLong {
		return *ind.MACDHist > 0
	}
	return *ind.MACDHist < 0
}
