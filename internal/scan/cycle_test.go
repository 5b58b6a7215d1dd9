package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avolkov/signalscan/models"
)

func eurusd() models.Instrument {
	return models.Instrument{ID: 1, Symbol: "EURUSD", AssetClass: models.AssetForex, VendorSymbol: "EUR/USD", Enabled: true}
}

func TestRunCycleEmitsSignalAndAlerts(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	client := &fakeClient{bundles: signalBundles()}
	alerter := &fakeAlerter{}
	s := newTestScheduler(store, client, &fakeLocker{}, alerter)

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if run.Notes.Signals != 1 || run.Notes.Processed != 1 || run.Notes.Total != 1 {
		t.Errorf("notes = %+v, want 1 signal over 1 instrument", run.Notes)
	}
	if store.signalWrites != 1 {
		t.Errorf("signal writes = %d, want 1", store.signalWrites)
	}
	if len(alerter.sent) != 1 {
		t.Fatalf("alerts sent = %d, want 1", len(alerter.sent))
	}
	if alerter.sent[0].Score != 55 {
		t.Errorf("alerted score = %d, want 55", alerter.sent[0].Score)
	}
	if len(store.alertedIDs) != 1 {
		t.Errorf("signals marked alerted = %d, want 1", len(store.alertedIDs))
	}
	if len(store.alertEvents) != 1 || store.alertEvents[0].Status != models.AlertStatusSent {
		t.Errorf("alert events = %+v, want one sent event", store.alertEvents)
	}
	if run.CreditsUsed == 0 {
		t.Error("run should account credits consumed")
	}
}

func TestSecondCycleIsIdempotentForUnchangedBar(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	client := &fakeClient{bundles: signalBundles()}
	s := newTestScheduler(store, client, &fakeLocker{})

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	signalsAfterFirst := store.signalWrites
	progressAfterFirst := store.progressUps

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if run.Notes.Signals != 0 {
		t.Errorf("second cycle signals = %d, want 0", run.Notes.Signals)
	}
	if store.signalWrites != signalsAfterFirst {
		t.Errorf("second cycle wrote %d extra signals", store.signalWrites-signalsAfterFirst)
	}
	if store.progressUps != progressAfterFirst {
		t.Errorf("second cycle advanced progress %d extra times", store.progressUps-progressAfterFirst)
	}
	// Ingestion is deliberately repeated: the watermark gates evaluation only.
	if store.candleWrites != 4 {
		t.Errorf("candle upserts = %d, want 4 (both timeframes, both cycles)", store.candleWrites)
	}
}

func TestRunCycleRecordsPerInstrumentFailure(t *testing.T) {
	store := newFakeStorage()
	broken := models.Instrument{ID: 2, Symbol: "GBPUSD", AssetClass: models.AssetForex, VendorSymbol: "GBP/USD", Enabled: true}
	store.instruments = []models.Instrument{broken, eurusd()}
	client := &fakeClient{
		bundles: signalBundles(),
		err:     map[string]error{"GBP/USD": errors.New("vendor 500")},
	}
	s := newTestScheduler(store, client, &fakeLocker{})

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run.Status != models.RunStatusCompletedWithErrors {
		t.Errorf("run status = %s, want completed_with_errors", run.Status)
	}
	if len(run.Notes.Failures) != 1 {
		t.Fatalf("failures = %v, want 1 entry", run.Notes.Failures)
	}
	if run.Notes.Processed != 2 || run.Notes.Signals != 1 {
		t.Errorf("one instrument failing must not abort the cycle: %+v", run.Notes)
	}
}

func TestRunCycleSkipsWhenScanDisabled(t *testing.T) {
	store := newFakeStorage()
	store.settings.ScanEnabled = false
	store.instruments = []models.Instrument{eurusd()}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{})

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run != nil {
		t.Errorf("disabled scan should not create a run, got %+v", run)
	}
	if len(store.runs) != 0 {
		t.Errorf("run rows created = %d, want 0", len(store.runs))
	}
}

func TestActiveSignalSuppressesReAlert(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	store.active[signalKey(1, EntryTimeframe, models.StrategyTrendContinuation, models.DirectionLong)] = &models.Signal{
		ID: 99, Status: models.SignalStatusNew,
	}
	alerter := &fakeAlerter{}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{}, alerter)

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run.Notes.Signals != 0 || store.signalWrites != 0 {
		t.Errorf("open NEW signal must suppress the upsert, notes=%+v writes=%d", run.Notes, store.signalWrites)
	}
	if len(alerter.sent) != 0 {
		t.Errorf("open NEW signal must suppress alerting, sent %d", len(alerter.sent))
	}
}

func TestAlertedSignalDoesNotSuppressNewDetection(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	store.active[signalKey(1, EntryTimeframe, models.StrategyTrendContinuation, models.DirectionLong)] = &models.Signal{
		ID: 41, Status: models.SignalStatusAlerted,
	}
	alerter := &fakeAlerter{}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{}, alerter)

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run.Notes.Signals != 1 || store.signalWrites != 1 {
		t.Errorf("a delivered ALERTED signal must not suppress the next detection: %+v writes=%d",
			run.Notes, store.signalWrites)
	}
	if len(alerter.sent) != 1 {
		t.Errorf("new detection after a delivered alert must dispatch, sent %d", len(alerter.sent))
	}
}

func TestAlertFailureLeavesSignalNew(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	alerter := &fakeAlerter{fail: true}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{}, alerter)

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(store.alertEvents) != 1 || store.alertEvents[0].Status != models.AlertStatusError {
		t.Fatalf("want one error alert event, got %+v", store.alertEvents)
	}
	if len(store.alertedIDs) != 0 {
		t.Error("failed dispatch must not mark the signal alerted")
	}
}

func TestAlertBelowScoreThresholdNotDispatched(t *testing.T) {
	store := newFakeStorage()
	store.settings.MinAlertScore = 60 // fixture scores 55
	store.instruments = []models.Instrument{eurusd()}
	alerter := &fakeAlerter{}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{}, alerter)

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run.Notes.Signals != 1 || store.signalWrites != 1 {
		t.Errorf("signal must still persist below the alert threshold: %+v", run.Notes)
	}
	if len(alerter.sent) != 0 {
		t.Errorf("below-threshold signal must not alert, sent %d", len(alerter.sent))
	}
}

func TestAlertCooldownSkipsDispatch(t *testing.T) {
	store := newFakeStorage()
	store.settings.AlertCooldownMin = 30
	recent := scanNow.Add(-10 * time.Minute)
	store.lastAlertTime = &recent
	store.instruments = []models.Instrument{eurusd()}
	alerter := &fakeAlerter{}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{}, alerter)

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(alerter.sent) != 0 {
		t.Errorf("cooldown must skip dispatch, sent %d", len(alerter.sent))
	}
	if store.signalWrites != 1 {
		t.Errorf("cooldown must not block signal persistence, writes=%d", store.signalWrites)
	}
}

func TestDataQualitySkipYieldsNoSignals(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	bundles := signalBundles()
	// Strip ADX entirely: the evaluated bar's row becomes incomplete.
	bundles[EntryTimeframe].ADX = nil
	s := newTestScheduler(store, &fakeClient{bundles: bundles}, &fakeLocker{})

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Errorf("data-quality skip is not an error, status = %s", run.Status)
	}
	if run.Notes.Signals != 0 || store.signalWrites != 0 {
		t.Errorf("incomplete row must yield zero signals: %+v", run.Notes)
	}
	// The bar still counts as evaluated.
	if store.progressUps != 2 {
		t.Errorf("progress upserts = %d, want 2", store.progressUps)
	}
}
