package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avolkov/signalscan/models"
)

// fakeStorage is an in-memory Storage recording write counts.
type fakeStorage struct {
	mu sync.Mutex

	settings    models.Settings
	instruments []models.Instrument
	progress    map[string]models.ScanProgress
	active      map[string]*models.Signal

	runs          []*models.ScanRun
	candleWrites  int
	rowWrites     int
	signalWrites  int
	progressUps   int
	alertEvents   []*models.AlertEvent
	alertedIDs    []int64
	lastAlertTime *time.Time
	nextSignalID  int64
}

func newFakeStorage() *fakeStorage {
	s := models.DefaultSettings()
	s.EmailEnabled = true
	s.MinAlertScore = 50
	s.BurstSleepMs = 0
	s.AlertCooldownMin = 0
	return &fakeStorage{
		settings: s,
		progress: make(map[string]models.ScanProgress),
		active:   make(map[string]*models.Signal),
	}
}

func progressKey(id int64, tf models.Timeframe) string {
	return fmt.Sprintf("%d/%s", id, tf)
}

func signalKey(id int64, tf models.Timeframe, st models.Strategy, d models.Direction) string {
	return fmt.Sprintf("%d/%s/%s/%s", id, tf, st, d)
}

func (f *fakeStorage) SeedInstruments(ctx context.Context, in []models.Instrument) error { return nil }

func (f *fakeStorage) EnabledInstruments(ctx context.Context) ([]models.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeStorage) SetInstrumentEnabled(ctx context.Context, symbol string, enabled bool) error {
	return nil
}

func (f *fakeStorage) UpsertCandles(ctx context.Context, candles []models.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleWrites++
	return nil
}

func (f *fakeStorage) UpsertIndicators(ctx context.Context, rows []models.IndicatorRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowWrites++
	return nil
}

func (f *fakeStorage) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.ID = int64(len(f.runs) + 1)
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStorage) FinishScanRun(ctx context.Context, run *models.ScanRun) error { return nil }

func (f *fakeStorage) GetProgress(ctx context.Context, id int64, tf models.Timeframe) (*models.ScanProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.progress[progressKey(id, tf)]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStorage) UpsertProgress(ctx context.Context, p models.ScanProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressUps++
	f.progress[progressKey(p.InstrumentID, p.Timeframe)] = p
	return nil
}

func (f *fakeStorage) FindActiveSignal(ctx context.Context, id int64, tf models.Timeframe, st models.Strategy, d models.Direction) (*models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := f.active[signalKey(id, tf, st, d)]
	if sig == nil || sig.Status != models.SignalStatusNew {
		return nil, nil
	}
	return sig, nil
}

func (f *fakeStorage) UpsertSignal(ctx context.Context, sig *models.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalWrites++
	f.nextSignalID++
	sig.ID = f.nextSignalID
	return nil
}

func (f *fakeStorage) MarkSignalAlerted(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertedIDs = append(f.alertedIDs, id)
	return nil
}

func (f *fakeStorage) AppendAlertEvent(ctx context.Context, ev *models.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertEvents = append(f.alertEvents, ev)
	return nil
}

func (f *fakeStorage) LastAlertTime(ctx context.Context, id int64, tf models.Timeframe) (*time.Time, error) {
	return f.lastAlertTime, nil
}

func (f *fakeStorage) GetSettings(ctx context.Context) (*models.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.settings
	return &cp, nil
}

func (f *fakeStorage) UpdateSettings(ctx context.Context, s *models.Settings) error { return nil }

func (f *fakeStorage) DashboardCounts(ctx context.Context) (*models.DashboardCounts, error) {
	return &models.DashboardCounts{}, nil
}

// fakeClient serves canned bundles per timeframe.
type fakeClient struct {
	bundles map[models.Timeframe]*models.IndicatorBundle
	err     map[string]error // vendor symbol -> error
	fetches int
}

func (c *fakeClient) FetchAllIndicators(ctx context.Context, symbol string, interval models.Timeframe, outputSize int) (*models.IndicatorBundle, error) {
	c.fetches++
	if err := c.err[symbol]; err != nil {
		return nil, err
	}
	b, ok := c.bundles[interval]
	if !ok {
		return &models.IndicatorBundle{Symbol: symbol, Interval: interval}, nil
	}
	return b, nil
}

func (c *fakeClient) CreditsUsed() int64 { return int64(c.fetches) }
func (c *fakeClient) Throttles() int64   { return 0 }

type fakeLocker struct {
	held     bool
	unlocked bool
}

func (l *fakeLocker) TryLock(ctx context.Context) (bool, error) { return !l.held, nil }
func (l *fakeLocker) Unlock(ctx context.Context) error {
	l.unlocked = true
	return nil
}

type fakeAlerter struct {
	sent []*models.Signal
	fail bool
}

func (a *fakeAlerter) Send(ctx context.Context, sig *models.Signal, inst *models.Instrument, settings *models.Settings) models.DispatchResult {
	a.sent = append(a.sent, sig)
	res := models.DispatchResult{Channel: "fake", Recipient: "ops@example.com", Subject: "signal"}
	if a.fail {
		res.Err = errors.New("smtp unavailable")
	}
	return res
}

// scanNow is the simulated wall clock: the 14:00 entry bar and the 13:00
// bias bar are closed, the 14:15 entry bar is still forming.
var scanNow = time.Date(2025, 3, 10, 14, 20, 0, 0, time.UTC)

func vendorTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// signalBundles builds entry/bias bundles that make TREND_CONTINUATION
// emit one LONG result with score 55 for the 14:00 bar.
func signalBundles() map[models.Timeframe]*models.IndicatorBundle {
	entryTimes := []time.Time{
		time.Date(2025, 3, 10, 14, 15, 0, 0, time.UTC), // forming
		time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 10, 13, 45, 0, 0, time.UTC),
	}
	entry := &models.IndicatorBundle{
		Interval: EntryTimeframe,
		EMA:      make(map[int][]models.TwelveEMAValue),
	}
	closes := []float64{1.0812, 1.0810, 1.0808}
	for i, ts := range entryTimes {
		entry.Bars = append(entry.Bars, models.TwelveBar{
			Datetime: vendorTime(ts),
			Open:     closes[i], High: closes[i] + 0.01, Low: 1.09, Close: closes[i],
		})
		dt := vendorTime(ts)
		entry.EMA[9] = append(entry.EMA[9], models.TwelveEMAValue{Datetime: dt, EMA: 1.0790})
		entry.EMA[21] = append(entry.EMA[21], models.TwelveEMAValue{Datetime: dt, EMA: 1.0795})
		entry.EMA[55] = append(entry.EMA[55], models.TwelveEMAValue{Datetime: dt, EMA: 1.0800})
		entry.EMA[200] = append(entry.EMA[200], models.TwelveEMAValue{Datetime: dt, EMA: 1.0700})
		entry.BBands = append(entry.BBands, models.TwelveBBandsValue{Datetime: dt, UpperBand: 1.0830, MiddleBand: 1.0810, LowerBand: 1.0790})
		entry.MACD = append(entry.MACD, models.TwelveMACDValue{Datetime: dt, MACD: 0.0002, MACDSignal: 0, MACDHist: 0.0002})
		entry.ATR = append(entry.ATR, models.TwelveATRValue{Datetime: dt, ATR: 0.001})
		entry.ADX = append(entry.ADX, models.TwelveADXValue{Datetime: dt, ADX: 25})
	}

	bias := &models.IndicatorBundle{
		Interval: BiasTimeframe,
		EMA:      make(map[int][]models.TwelveEMAValue),
	}
	for i := 0; i < 5; i++ {
		ts := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Hour)
		dt := vendorTime(ts)
		bias.Bars = append(bias.Bars, models.TwelveBar{
			Datetime: dt, Open: 1.10, High: 1.101, Low: 1.099, Close: 1.10,
		})
		bias.EMA[200] = append(bias.EMA[200], models.TwelveEMAValue{Datetime: dt, EMA: 1.08 - float64(i)*0.001})
	}
	return map[models.Timeframe]*models.IndicatorBundle{
		EntryTimeframe: entry,
		BiasTimeframe:  bias,
	}
}

func newTestScheduler(store *fakeStorage, client *fakeClient, locker *fakeLocker, alerters ...models.Alerter) *Scheduler {
	s := New(store, client, locker, alerters...)
	s.now = func() time.Time { return scanNow }
	return s
}
