package models

import (
	"context"
	"time"
)

// DashboardCounts are the aggregate numbers shown by the operational CLI.
type DashboardCounts struct {
	EnabledInstruments int            `json:"enabled_instruments"`
	SignalsByStatus    map[string]int `json:"signals_by_status"`
	LastRun            *ScanRun       `json:"last_run,omitempty"`
}

// Storage is the persistence collaborator. Upsert operations are atomic
// per call; the scan pipeline never manages transactions beyond that.
type Storage interface {
	SeedInstruments(ctx context.Context, instruments []Instrument) error
	EnabledInstruments(ctx context.Context) ([]Instrument, error)
	SetInstrumentEnabled(ctx context.Context, symbol string, enabled bool) error

	UpsertCandles(ctx context.Context, candles []Candle) error
	UpsertIndicators(ctx context.Context, rows []IndicatorRow) error

	CreateScanRun(ctx context.Context, run *ScanRun) error
	FinishScanRun(ctx context.Context, run *ScanRun) error

	GetProgress(ctx context.Context, instrumentID int64, tf Timeframe) (*ScanProgress, error)
	UpsertProgress(ctx context.Context, progress ScanProgress) error

	FindActiveSignal(ctx context.Context, instrumentID int64, tf Timeframe, strategy Strategy, direction Direction) (*Signal, error)
	UpsertSignal(ctx context.Context, sig *Signal) error
	MarkSignalAlerted(ctx context.Context, signalID int64) error

	AppendAlertEvent(ctx context.Context, ev *AlertEvent) error
	LastAlertTime(ctx context.Context, instrumentID int64, tf Timeframe) (*time.Time, error)

	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, s *Settings) error

	DashboardCounts(ctx context.Context) (*DashboardCounts, error)
}

// DispatchResult describes one alert dispatch attempt.
type DispatchResult struct {
	Channel   string
	Recipient string
	Subject   string
	Err       error
}

// Alerter delivers one signal notification over a single channel. The
// implementation owns transport and sanitization of user-influenced
// strings; recording the AlertEvent stays with the caller.
type Alerter interface {
	Send(ctx context.Context, sig *Signal, inst *Instrument, settings *Settings) DispatchResult
}

// Locker is the fleet-wide single-flight primitive. TryLock never blocks;
// a false return means another instance holds the scanner role.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
