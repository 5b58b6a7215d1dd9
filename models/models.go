package models

import (
	"time"
)

// AssetClass determines the vendor symbol format for an instrument.
type AssetClass string

const (
	AssetForex  AssetClass = "FOREX"
	AssetMetal  AssetClass = "METAL"
	AssetCrypto AssetClass = "CRYPTO"
)

// Timeframe is a vendor interval label for a fixed wall-clock bar duration.
type Timeframe string

const (
	Timeframe15Min Timeframe = "15min"
	Timeframe1H    Timeframe = "1h"
)

// Instrument is one scannable symbol. Symbol is the canonical
// exchange-agnostic form ("EURUSD"); VendorSymbol is what the quote API
// expects ("EUR/USD", "BTC/USD:KuCoin").
type Instrument struct {
	ID           int64      `json:"id"`
	Symbol       string     `json:"symbol"`
	AssetClass   AssetClass `json:"asset_class"`
	VendorSymbol string     `json:"vendor_symbol"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Candle represents a single OHLCV bar. Datetime is the bar open time in UTC.
type Candle struct {
	InstrumentID int64     `json:"instrument_id"`
	Timeframe    Timeframe `json:"timeframe"`
	Datetime     time.Time `json:"datetime"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume,omitempty"`
	Source       string    `json:"source"`
}

// IndicatorRow holds the vendor-computed indicator values for one bar.
// Fields are pointers because the vendor may deliver a partial row; a row
// only becomes usable for evaluation once Complete reports true.
type IndicatorRow struct {
	InstrumentID int64     `json:"instrument_id"`
	Timeframe    Timeframe `json:"timeframe"`
	Datetime     time.Time `json:"datetime"`
	EMA9         *float64  `json:"ema9"`
	EMA21        *float64  `json:"ema21"`
	EMA55        *float64  `json:"ema55"`
	EMA200       *float64  `json:"ema200"`
	BBUpper      *float64  `json:"bb_upper"`
	BBMiddle     *float64  `json:"bb_middle"`
	BBLower      *float64  `json:"bb_lower"`
	MACD         *float64  `json:"macd"`
	MACDSignal   *float64  `json:"macd_signal"`
	MACDHist     *float64  `json:"macd_hist"`
	ATR          *float64  `json:"atr"`
	ADX          *float64  `json:"adx"`
}

// Complete reports whether all twelve indicator fields are present.
func (r *IndicatorRow) Complete() bool {
	for _, f := range []*float64{
		r.EMA9, r.EMA21, r.EMA55, r.EMA200,
		r.BBUpper, r.BBMiddle, r.BBLower,
		r.MACD, r.MACDSignal, r.MACDHist,
		r.ATR, r.ADX,
	} {
		if f == nil {
			return false
		}
	}
	return true
}

// BBWidth returns (upper-lower)/middle, or nil when the bands are partial
// or the middle band is zero.
func (r *IndicatorRow) BBWidth() *float64 {
	if r.BBUpper == nil || r.BBMiddle == nil || r.BBLower == nil || *r.BBMiddle == 0 {
		return nil
	}
	w := (*r.BBUpper - *r.BBLower) / *r.BBMiddle
	return &w
}

// ScanRun statuses.
const (
	RunStatusRunning             = "running"
	RunStatusCompleted           = "completed"
	RunStatusCompletedWithErrors = "completed_with_errors"
	RunStatusError               = "error"
)

// ScanNotes is the structured outcome summary attached to a finished run.
type ScanNotes struct {
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Signals   int      `json:"signals"`
	Retries   int      `json:"retries"`
	Failures  []string `json:"failures,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// ScanRun is one record per scheduler cycle. Terminal once finished.
type ScanRun struct {
	ID          int64      `json:"id"`
	Timeframe   Timeframe  `json:"timeframe"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreditsUsed int64      `json:"credits_used"`
	Notes       ScanNotes  `json:"notes"`
}

// ScanProgress is the per (instrument, timeframe) watermark of the last
// bar fully evaluated. Only ever advances forward.
type ScanProgress struct {
	InstrumentID  int64     `json:"instrument_id"`
	Timeframe     Timeframe `json:"timeframe"`
	LastEvaluated time.Time `json:"last_evaluated"`
}

// Direction of a trade signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Strategy identifiers.
type Strategy string

const (
	StrategyTrendContinuation Strategy = "TREND_CONTINUATION"
	StrategyRangeBreakout     Strategy = "RANGE_BREAKOUT"
)

// Signal statuses.
type SignalStatus string

const (
	SignalStatusNew     SignalStatus = "NEW"
	SignalStatusAlerted SignalStatus = "ALERTED"
	SignalStatusIgnored SignalStatus = "IGNORED"
)

// SignalReason is the structured, explainable payload behind a signal.
// Price fields are rounded to 5 decimal places before persistence.
type SignalReason struct {
	Entry      float64  `json:"entry"`
	StopLoss   float64  `json:"stop_loss"`
	TakeProfit float64  `json:"take_profit"`
	EMA21Zone  float64  `json:"ema21_zone,omitempty"`
	EMA55Zone  float64  `json:"ema55_zone,omitempty"`
	Factors    []string `json:"factors"`
}

// Signal is uniquely keyed by (instrument, timeframe, strategy, direction,
// candle datetime). Re-detection refreshes score/reason/detection time in
// place rather than creating a second row.
type Signal struct {
	ID             int64        `json:"id"`
	InstrumentID   int64        `json:"instrument_id"`
	Timeframe      Timeframe    `json:"timeframe"`
	Strategy       Strategy     `json:"strategy"`
	Direction      Direction    `json:"direction"`
	CandleDatetime time.Time    `json:"candle_datetime"`
	Score          int          `json:"score"`
	Reason         SignalReason `json:"reason"`
	Status         SignalStatus `json:"status"`
	DetectedAt     time.Time    `json:"detected_at"`
}

// AlertEvent statuses.
const (
	AlertStatusSent  = "sent"
	AlertStatusError = "error"
)

// AlertEvent is an append-only audit record of one dispatch attempt.
type AlertEvent struct {
	ID        int64     `json:"id"`
	SignalID  int64     `json:"signal_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings is the singleton configuration row, lazily created with
// defaults on first read.
type Settings struct {
	ScanEnabled      bool      `json:"scan_enabled"`
	EmailEnabled     bool      `json:"email_enabled"`
	AlertRecipient   string    `json:"alert_recipient"`
	AlertFrom        string    `json:"alert_from"`
	MinAlertScore    int       `json:"min_alert_score"`
	BurstSize        int       `json:"burst_size"`
	BurstSleepMs     int       `json:"burst_sleep_ms"`
	AlertCooldownMin int       `json:"alert_cooldown_min"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultSettings returns the values used when the settings row is absent.
func DefaultSettings() Settings {
	return Settings{
		ScanEnabled:      true,
		EmailEnabled:     false,
		MinAlertScore:    60,
		BurstSize:        4,
		BurstSleepMs:     1000,
		AlertCooldownMin: 30,
	}
}

// TwelveBar is one raw time-series row from the vendor. Numeric fields
// arrive as quoted strings.
type TwelveBar struct {
	Datetime string  `json:"datetime"`
	Open     float64 `json:"open,string"`
	High     float64 `json:"high,string"`
	Low      float64 `json:"low,string"`
	Close    float64 `json:"close,string"`
	Volume   int64   `json:"volume,string,omitempty"`
}

// TwelveSeriesResponse is the time_series envelope.
type TwelveSeriesResponse struct {
	Meta struct {
		Symbol   string `json:"symbol"`
		Interval string `json:"interval"`
	} `json:"meta"`
	Values  []TwelveBar `json:"values"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

// TwelveEMAValue is one row of an ema endpoint response.
type TwelveEMAValue struct {
	Datetime string  `json:"datetime"`
	EMA      float64 `json:"ema,string"`
}

// TwelveBBandsValue is one row of a bbands endpoint response.
type TwelveBBandsValue struct {
	Datetime   string  `json:"datetime"`
	UpperBand  float64 `json:"upper_band,string"`
	MiddleBand float64 `json:"middle_band,string"`
	LowerBand  float64 `json:"lower_band,string"`
}

// TwelveMACDValue is one row of a macd endpoint response.
type TwelveMACDValue struct {
	Datetime   string  `json:"datetime"`
	MACD       float64 `json:"macd,string"`
	MACDSignal float64 `json:"macd_signal,string"`
	MACDHist   float64 `json:"macd_hist,string"`
}

// TwelveATRValue is one row of an atr endpoint response.
type TwelveATRValue struct {
	Datetime string  `json:"datetime"`
	ATR      float64 `json:"atr,string"`
}

// TwelveADXValue is one row of an adx endpoint response.
type TwelveADXValue struct {
	Datetime string  `json:"datetime"`
	ADX      float64 `json:"adx,string"`
}

// IndicatorBundle carries the raw per-endpoint value arrays for one
// (symbol, interval) fetch. A legitimately empty endpoint yields an empty
// slice, not an error.
type IndicatorBundle struct {
	Symbol   string
	Interval Timeframe
	Bars     []TwelveBar
	EMA      map[int][]TwelveEMAValue
	BBands   []TwelveBBandsValue
	MACD     []TwelveMACDValue
	ATR      []TwelveATRValue
	ADX      []TwelveADXValue
}

// EMAPeriods are the four EMA lengths fetched per instrument.
var EMAPeriods = []int{9, 21, 55, 200}
