package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/signalscan/internal/strategy"
	"github.com/avolkov/signalscan/models"
)

// runCycle is one full pass over the enabled instruments. Individual
// instrument failures are recorded and do not abort the cycle; anything
// escaping that containment marks the run as "error".
func (s *Scheduler) runCycle(ctx context.Context) (run *models.ScanRun, err error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if !settings.ScanEnabled {
		s.logger.Info().Msg("scanning disabled in settings, skipping cycle")
		return nil, nil
	}

	run = &models.ScanRun{
		Timeframe: EntryTimeframe,
		Status:    models.RunStatusRunning,
		StartedAt: s.now(),
	}
	if err := s.store.CreateScanRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating scan run: %w", err)
	}

	creditsBefore := s.client.CreditsUsed()
	throttlesBefore := s.client.Throttles()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan cycle panicked: %v", r)
		}
		run.CreditsUsed = s.client.CreditsUsed() - creditsBefore
		run.Notes.Retries = int(s.client.Throttles() - throttlesBefore)
		if err != nil {
			run.Status = models.RunStatusError
			run.Notes.Message = err.Error()
		} else if len(run.Notes.Failures) > 0 {
			run.Status = models.RunStatusCompletedWithErrors
		} else {
			run.Status = models.RunStatusCompleted
		}
		finished := s.now()
		run.FinishedAt = &finished
		if ferr := s.store.FinishScanRun(ctx, run); ferr != nil {
			s.logger.Error().Err(ferr).Int64("run_id", run.ID).Msg("finalizing scan run")
		}
		s.logger.Info().
			Int64("run_id", run.ID).
			Str("status", run.Status).
			Int("processed", run.Notes.Processed).
			Int("signals", run.Notes.Signals).
			Int64("credits", run.CreditsUsed).
			Msg("scan cycle finished")
	}()

	instruments, err := s.store.EnabledInstruments(ctx)
	if err != nil {
		return run, fmt.Errorf("loading instruments: %w", err)
	}
	run.Notes.Total = len(instruments)

	burstSize := settings.BurstSize
	if burstSize < 1 {
		burstSize = 1
	}
	burstSleep := time.Duration(settings.BurstSleepMs) * time.Millisecond

	for i := range instruments {
		// Bursts smooth credit consumption against the shared budget.
		if i > 0 && i%burstSize == 0 && burstSleep > 0 {
			select {
			case <-ctx.Done():
				return run, ctx.Err()
			case <-time.After(burstSleep):
			}
		}

		inst := &instruments[i]
		signals, perr := s.processInstrument(ctx, inst, settings)
		run.Notes.Processed++
		if perr != nil {
			if errors.Is(perr, context.Canceled) || errors.Is(perr, context.DeadlineExceeded) {
				return run, perr
			}
			s.logger.Error().Err(perr).Str("symbol", inst.Symbol).Msg("instrument processing failed")
			run.Notes.Failures = append(run.Notes.Failures, fmt.Sprintf("%s: %v", inst.Symbol, perr))
			continue
		}
		run.Notes.Signals += signals
	}
	return run, nil
}

// ingest fetches, normalizes and persists one timeframe for one
// instrument, returning the recent-first candle and indicator series.
func (s *Scheduler) ingest(ctx context.Context, inst *models.Instrument, tf models.Timeframe, outputSize int) ([]models.Candle, []models.IndicatorRow, error) {
	bundle, err := s.fetch(ctx, inst.VendorSymbol, tf, outputSize)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", tf, err)
	}

	candles := CandlesFromBars(inst.ID, tf, bundle.Bars)
	if err := s.store.UpsertCandles(ctx, candles); err != nil {
		return nil, nil, fmt.Errorf("upserting candles: %w", err)
	}

	rows := MergeIndicators(inst.ID, tf, bundle)
	if err := s.store.UpsertIndicators(ctx, rows); err != nil {
		return nil, nil, fmt.Errorf("upserting indicators: %w", err)
	}
	return candles, rows, nil
}

func (s *Scheduler) fetch(ctx context.Context, vendorSymbol string, tf models.Timeframe, outputSize int) (*models.IndicatorBundle, error) {
	return s.client.FetchAllIndicators(ctx, vendorSymbol, tf, outputSize)
}

// processInstrument runs the full per-instrument pipeline and returns the
// number of signals persisted.
func (s *Scheduler) processInstrument(ctx context.Context, inst *models.Instrument, settings *models.Settings) (int, error) {
	entryCandles, entryRows, err := s.ingest(ctx, inst, EntryTimeframe, entryOutputSize)
	if err != nil {
		return 0, err
	}
	biasCandles, biasRows, err := s.ingest(ctx, inst, BiasTimeframe, biasOutputSize)
	if err != nil {
		return 0, err
	}

	now := s.now()
	latestEntry, ok := models.LatestClosed(entryCandles, EntryTimeframe.Duration(), now)
	if !ok {
		s.logger.Debug().Str("symbol", inst.Symbol).Msg("no closed entry bar yet, skipping")
		return 0, nil
	}
	latestBias, ok := models.LatestClosed(biasCandles, BiasTimeframe.Duration(), now)
	if !ok {
		s.logger.Debug().Str("symbol", inst.Symbol).Msg("no closed bias bar yet, skipping")
		return 0, nil
	}

	// Idempotence guard: the watermark only gates evaluation, never the
	// re-ingestion above.
	progress, err := s.store.GetProgress(ctx, inst.ID, EntryTimeframe)
	if err != nil {
		return 0, fmt.Errorf("reading progress: %w", err)
	}
	if progress != nil && !progress.LastEvaluated.Before(latestEntry.Datetime) {
		s.logger.Debug().
			Str("symbol", inst.Symbol).
			Time("bar", latestEntry.Datetime).
			Msg("latest closed bar already evaluated")
		return 0, nil
	}

	// Never leak a forming bar into evaluation.
	entryCandles = models.FilterClosed(entryCandles, latestEntry.Datetime)
	entryRows = models.FilterRowsClosed(entryRows, latestEntry.Datetime)
	biasCandles = models.FilterClosed(biasCandles, latestBias.Datetime)
	biasRows = models.FilterRowsClosed(biasRows, latestBias.Datetime)

	signals := 0
	if row := rowAt(entryRows, latestEntry.Datetime); row == nil || !row.Complete() {
		s.logger.Warn().
			Str("event", "data_quality").
			Str("symbol", inst.Symbol).
			Time("bar", latestEntry.Datetime).
			Msg("indicator row incomplete for evaluated bar, skipping evaluation")
	} else {
		results := strategy.Evaluate(strategy.Input{
			InstrumentID:    inst.ID,
			EntryTimeframe:  EntryTimeframe,
			EntryCandles:    entryCandles,
			EntryIndicators: entryRows,
			BiasCandles:     biasCandles,
			BiasIndicators:  biasRows,
		})
		for _, r := range results {
			persisted, err := s.persistSignal(ctx, inst, settings, latestEntry.Datetime, r)
			if err != nil {
				return signals, err
			}
			if persisted {
				signals++
			}
		}
	}

	// The watermark marks the bar as evaluated, not "signal found".
	if err := s.store.UpsertProgress(ctx, models.ScanProgress{
		InstrumentID:  inst.ID,
		Timeframe:     EntryTimeframe,
		LastEvaluated: latestEntry.Datetime,
	}); err != nil {
		return signals, fmt.Errorf("advancing progress: %w", err)
	}
	if err := s.store.UpsertProgress(ctx, models.ScanProgress{
		InstrumentID:  inst.ID,
		Timeframe:     BiasTimeframe,
		LastEvaluated: latestBias.Datetime,
	}); err != nil {
		return signals, fmt.Errorf("advancing bias progress: %w", err)
	}
	return signals, nil
}

func rowAt(rows []models.IndicatorRow, t time.Time) *models.IndicatorRow {
	for i := range rows {
		if rows[i].Datetime.Equal(t) {
			return &rows[i]
		}
	}
	return nil
}

// persistSignal upserts one evaluation result and dispatches alerts when
// configured. An already-open NEW signal with the same key suppresses
// both the write and any alert.
func (s *Scheduler) persistSignal(ctx context.Context, inst *models.Instrument, settings *models.Settings, bar time.Time, r strategy.Result) (bool, error) {
	existing, err := s.store.FindActiveSignal(ctx, inst.ID, EntryTimeframe, r.Strategy, r.Direction)
	if err != nil {
		return false, fmt.Errorf("checking active signal: %w", err)
	}
	if existing != nil {
		s.logger.Info().
			Str("symbol", inst.Symbol).
			Str("strategy", string(r.Strategy)).
			Str("direction", string(r.Direction)).
			Msg("active signal already open, suppressing re-alert")
		return false, nil
	}

	sig := &models.Signal{
		InstrumentID:   inst.ID,
		Timeframe:      EntryTimeframe,
		Strategy:       r.Strategy,
		Direction:      r.Direction,
		CandleDatetime: bar,
		Score:          r.Score,
		Reason:         r.Reason,
		Status:         models.SignalStatusNew,
		DetectedAt:     s.now(),
	}
	if err := s.store.UpsertSignal(ctx, sig); err != nil {
		return false, fmt.Errorf("upserting signal: %w", err)
	}
	s.logger.Info().
		Str("symbol", inst.Symbol).
		Str("strategy", string(r.Strategy)).
		Str("direction", string(r.Direction)).
		Int("score", r.Score).
		Msg("signal detected")

	if settings.EmailEnabled && sig.Score >= settings.MinAlertScore {
		s.dispatchAlerts(ctx, sig, inst, settings)
	}
	return true, nil
}

// dispatchAlerts sends the signal through every configured channel and
// records one AlertEvent per attempt. Failures are recorded and
// non-fatal; the signal stays NEW.
func (s *Scheduler) dispatchAlerts(ctx context.Context, sig *models.Signal, inst *models.Instrument, settings *models.Settings) {
	if settings.AlertCooldownMin > 0 {
		last, err := s.store.LastAlertTime(ctx, inst.ID, sig.Timeframe)
		if err != nil {
			s.logger.Error().Err(err).Msg("reading last alert time")
			return
		}
		cooldown := time.Duration(settings.AlertCooldownMin) * time.Minute
		if last != nil && s.now().Sub(*last) < cooldown {
			s.logger.Info().
				Str("symbol", inst.Symbol).
				Time("last_alert", *last).
				Msg("alert cooldown active, skipping dispatch")
			return
		}
	}

	for _, alerter := range s.alerters {
		res := alerter.Send(ctx, sig, inst, settings)
		ev := &models.AlertEvent{
			SignalID:  sig.ID,
			Channel:   res.Channel,
			Recipient: res.Recipient,
			Subject:   res.Subject,
			Status:    models.AlertStatusSent,
			CreatedAt: s.now(),
		}
		if res.Err != nil {
			ev.Status = models.AlertStatusError
			ev.Error = res.Err.Error()
		}
		if err := s.store.AppendAlertEvent(ctx, ev); err != nil {
			s.logger.Error().Err(err).Msg("recording alert event")
		}
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("channel", res.Channel).Msg("alert dispatch failed")
			continue
		}
		if sig.Status != models.SignalStatusAlerted {
			if err := s.store.MarkSignalAlerted(ctx, sig.ID); err != nil {
				s.logger.Error().Err(err).Int64("signal_id", sig.ID).Msg("marking signal alerted")
				continue
			}
			sig.Status = models.SignalStatusAlerted
		}
	}
}
