package scan

import (
	"testing"
	"time"

	"github.com/avolkov/signalscan/models"
)

func TestCandlesFromBarsDropsBadDatetimes(t *testing.T) {
	bars := []models.TwelveBar{
		{Datetime: "2025-03-10 13:45:00", Open: 1.08, High: 1.081, Low: 1.079, Close: 1.0805},
		{Datetime: "not-a-time", Open: 1, High: 1, Low: 1, Close: 1},
		{Datetime: "2025-03-10 14:00:00", Open: 1.0805, High: 1.082, Low: 1.080, Close: 1.0815},
	}
	candles := CandlesFromBars(7, EntryTimeframe, bars)
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	if !candles[0].Datetime.After(candles[1].Datetime) {
		t.Error("candles must be ordered most-recent-first")
	}
	want := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	if !candles[0].Datetime.Equal(want) {
		t.Errorf("latest candle at %v, want %v", candles[0].Datetime, want)
	}
	if candles[0].InstrumentID != 7 || candles[0].Source != candleSource {
		t.Errorf("candle metadata not carried: %+v", candles[0])
	}
}

func TestMergeIndicatorsFoldsAllEndpoints(t *testing.T) {
	dt := "2025-03-10 14:00:00"
	b := &models.IndicatorBundle{
		Interval: EntryTimeframe,
		EMA: map[int][]models.TwelveEMAValue{
			9:   {{Datetime: dt, EMA: 1.0790}},
			21:  {{Datetime: dt, EMA: 1.0795}},
			55:  {{Datetime: dt, EMA: 1.0800}},
			200: {{Datetime: dt, EMA: 1.0700}},
		},
		BBands: []models.TwelveBBandsValue{{Datetime: dt, UpperBand: 1.083, MiddleBand: 1.081, LowerBand: 1.079}},
		MACD:   []models.TwelveMACDValue{{Datetime: dt, MACD: 0.0003, MACDSignal: 0.0001, MACDHist: 0.0002}},
		ATR:    []models.TwelveATRValue{{Datetime: dt, ATR: 0.001}},
		ADX:    []models.TwelveADXValue{{Datetime: dt, ADX: 25}},
	}

	rows := MergeIndicators(3, EntryTimeframe, b)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if !r.Complete() {
		t.Fatalf("row with every endpoint present must be complete: %+v", r)
	}
	if *r.EMA21 != 1.0795 || *r.BBMiddle != 1.081 || *r.MACDHist != 0.0002 || *r.ADX != 25 {
		t.Errorf("values not folded: %+v", r)
	}
	if r.InstrumentID != 3 || r.Timeframe != EntryTimeframe {
		t.Errorf("row metadata not carried: %+v", r)
	}
}

func TestMergeIndicatorsKeepsPartialRows(t *testing.T) {
	b := &models.IndicatorBundle{
		Interval: EntryTimeframe,
		EMA: map[int][]models.TwelveEMAValue{
			21: {
				{Datetime: "2025-03-10 14:00:00", EMA: 1.0795},
				{Datetime: "2025-03-10 13:45:00", EMA: 1.0793},
			},
		},
		ADX: []models.TwelveADXValue{{Datetime: "2025-03-10 14:00:00", ADX: 25}},
	}

	rows := MergeIndicators(1, EntryTimeframe, b)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Complete() || rows[1].Complete() {
		t.Error("partial rows must not report complete")
	}
	if rows[0].ADX == nil || *rows[0].ADX != 25 {
		t.Errorf("latest row lost its ADX: %+v", rows[0])
	}
	if rows[1].ADX != nil {
		t.Errorf("older row gained a value it never had: %+v", rows[1])
	}
	if rows[0].Datetime.Before(rows[1].Datetime) {
		t.Error("rows must be ordered most-recent-first")
	}
}
