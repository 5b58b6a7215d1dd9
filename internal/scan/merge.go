package scan

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/models"
)

const candleSource = "twelvedata"

// CandlesFromBars normalizes raw vendor bars into candle rows, ordered
// most-recent-first. Bars with unparseable datetimes are dropped with a
// log line rather than failing the whole batch.
func CandlesFromBars(instrumentID int64, tf models.Timeframe, bars []models.TwelveBar) []models.Candle {
	out := make([]models.Candle, 0, len(bars))
	for _, b := range bars {
		ts, err := models.ParseVendorTime(b.Datetime)
		if err != nil {
			log.Warn().Err(err).Str("datetime", b.Datetime).Msg("dropping bar with bad datetime")
			continue
		}
		out = append(out, models.Candle{
			InstrumentID: instrumentID,
			Timeframe:    tf,
			Datetime:     ts,
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			Source:       candleSource,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Datetime.After(out[j].Datetime)
	})
	return out
}

// MergeIndicators folds every endpoint response of a bundle into
// per-timestamp indicator rows, ordered most-recent-first. Partial rows
// are a valid output; completeness is checked by the evaluation gate, not
// here.
func MergeIndicators(instrumentID int64, tf models.Timeframe, b *models.IndicatorBundle) []models.IndicatorRow {
	acc := make(map[string]*models.IndicatorRow)
	rowFor := func(datetime string) *models.IndicatorRow {
		if r, ok := acc[datetime]; ok {
			return r
		}
		ts, err := models.ParseVendorTime(datetime)
		if err != nil {
			log.Warn().Err(err).Str("datetime", datetime).Msg("dropping indicator value with bad datetime")
			return nil
		}
		r := &models.IndicatorRow{
			InstrumentID: instrumentID,
			Timeframe:    tf,
			Datetime:     ts,
		}
		acc[datetime] = r
		return r
	}

	ptr := func(v float64) *float64 { return &v }

	for period, values := range b.EMA {
		for _, v := range values {
			r := rowFor(v.Datetime)
			if r == nil {
				continue
			}
			switch period {
			case 9:
				r.EMA9 = ptr(v.EMA)
			case 21:
				r.EMA21 = ptr(v.EMA)
			case 55:
				r.EMA55 = ptr(v.EMA)
			case 200:
				r.EMA200 = ptr(v.EMA)
			}
		}
	}
	for _, v := range b.BBands {
		if r := rowFor(v.Datetime); r != nil {
			r.BBUpper = ptr(v.UpperBand)
			r.BBMiddle = ptr(v.MiddleBand)
			r.BBLower = ptr(v.LowerBand)
		}
	}
	for _, v := range b.MACD {
		if r := rowFor(v.Datetime); r != nil {
			r.MACD = ptr(v.MACD)
			r.MACDSignal = ptr(v.MACDSignal)
			r.MACDHist = ptr(v.MACDHist)
		}
	}
	for _, v := range b.ATR {
		if r := rowFor(v.Datetime); r != nil {
			r.ATR = ptr(v.ATR)
		}
	}
	for _, v := range b.ADX {
		if r := rowFor(v.Datetime); r != nil {
			r.ADX = ptr(v.ADX)
		}
	}

	out := make([]models.IndicatorRow, 0, len(acc))
	for _, r := range acc {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Datetime.After(out[j].Datetime)
	})
	return out
}
