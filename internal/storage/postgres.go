// Package storage implements the persistence layer on PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/models"
)

// DB wraps the database connection.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

// ConnectionParams holds PostgreSQL connection parameters.
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// New opens a connection, waits for the database to become reachable and
// ensures the schema exists.
func New(params ConnectionParams) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		params.Host, params.Port, params.User, params.Password, params.DBName, params.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// The database may still be starting up alongside us.
	pingBackoff := backoff.NewExponentialBackOff()
	pingBackoff.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(db.Ping, pingBackoff); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &DB{db, log.With().Str("component", "storage").Logger()}, nil
}

// createTables creates the necessary tables if they don't exist.
func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instruments (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL UNIQUE,
			asset_class TEXT NOT NULL,
			vendor_symbol TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS candles (
			instrument_id BIGINT NOT NULL REFERENCES instruments(id),
			timeframe TEXT NOT NULL,
			datetime_utc TIMESTAMPTZ NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume BIGINT NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			UNIQUE (instrument_id, timeframe, datetime_utc)
		)`,
		`CREATE TABLE IF NOT EXISTS indicators (
			instrument_id BIGINT NOT NULL REFERENCES instruments(id),
			timeframe TEXT NOT NULL,
			datetime_utc TIMESTAMPTZ NOT NULL,
			ema9 DOUBLE PRECISION,
			ema21 DOUBLE PRECISION,
			ema55 DOUBLE PRECISION,
			ema200 DOUBLE PRECISION,
			bb_upper DOUBLE PRECISION,
			bb_middle DOUBLE PRECISION,
			bb_lower DOUBLE PRECISION,
			macd DOUBLE PRECISION,
			macd_signal DOUBLE PRECISION,
			macd_hist DOUBLE PRECISION,
			atr DOUBLE PRECISION,
			adx DOUBLE PRECISION,
			UNIQUE (instrument_id, timeframe, datetime_utc)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_runs (
			id BIGSERIAL PRIMARY KEY,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			credits_used BIGINT NOT NULL DEFAULT 0,
			notes JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS scan_progress (
			instrument_id BIGINT NOT NULL REFERENCES instruments(id),
			timeframe TEXT NOT NULL,
			last_evaluated TIMESTAMPTZ NOT NULL,
			UNIQUE (instrument_id, timeframe)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			instrument_id BIGINT NOT NULL REFERENCES instruments(id),
			timeframe TEXT NOT NULL,
			strategy TEXT NOT NULL,
			direction TEXT NOT NULL,
			candle_datetime TIMESTAMPTZ NOT NULL,
			score INT NOT NULL,
			reason JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			UNIQUE (instrument_id, timeframe, strategy, direction, candle_datetime)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id BIGSERIAL PRIMARY KEY,
			signal_id BIGINT NOT NULL REFERENCES signals(id),
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INT PRIMARY KEY CHECK (id = 1),
			scan_enabled BOOLEAN NOT NULL,
			email_enabled BOOLEAN NOT NULL,
			alert_recipient TEXT NOT NULL DEFAULT '',
			alert_from TEXT NOT NULL DEFAULT '',
			min_alert_score INT NOT NULL,
			burst_size INT NOT NULL,
			burst_sleep_ms INT NOT NULL,
			alert_cooldown_min INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SeedInstruments inserts the whitelist, leaving existing rows (and their
// enabled flag) untouched.
func (db *DB) SeedInstruments(ctx context.Context, instruments []models.Instrument) error {
	for _, inst := range instruments {
		_, err := db.ExecContext(ctx, `
			INSERT INTO instruments (symbol, asset_class, vendor_symbol, enabled)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (symbol) DO NOTHING
		`, inst.Symbol, inst.AssetClass, inst.VendorSymbol, inst.Enabled)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

// EnabledInstruments returns the scannable instruments in a stable order.
func (db *DB) EnabledInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, symbol, asset_class, vendor_symbol, enabled, created_at, updated_at
		FROM instruments
		WHERE enabled
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(
			&inst.ID, &inst.Symbol, &inst.AssetClass, &inst.VendorSymbol,
			&inst.Enabled, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetInstrumentEnabled flips the enabled flag for one symbol.
func (db *DB) SetInstrumentEnabled(ctx context.Context, symbol string, enabled bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE instruments
		SET enabled = $1, updated_at = NOW()
		WHERE symbol = $2
	`, enabled, symbol)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown instrument %q", symbol)
	}
	return nil
}

// UpsertCandles writes a batch of candles, replacing values for bars
// already present.
func (db *DB) UpsertCandles(ctx context.Context, candles []models.Candle) error {
	for _, c := range candles {
		_, err := db.ExecContext(ctx, `
			INSERT INTO candles (
				instrument_id, timeframe, datetime_utc, open, high, low, close, volume, source
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (instrument_id, timeframe, datetime_utc)
			DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume,
				source = EXCLUDED.source
		`, c.InstrumentID, c.Timeframe, c.Datetime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Source)
		if err != nil {
			return fmt.Errorf("upserting candle %s/%s: %w", c.Timeframe, c.Datetime, err)
		}
	}
	return nil
}

// UpsertIndicators writes a batch of indicator rows. NULL columns stay
// NULL when the vendor delivered a partial row.
func (db *DB) UpsertIndicators(ctx context.Context, rows []models.IndicatorRow) error {
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO indicators (
				instrument_id, timeframe, datetime_utc,
				ema9, ema21, ema55, ema200,
				bb_upper, bb_middle, bb_lower,
				macd, macd_signal, macd_hist, atr, adx
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (instrument_id, timeframe, datetime_utc)
			DO UPDATE SET
				ema9 = EXCLUDED.ema9,
				ema21 = EXCLUDED.ema21,
				ema55 = EXCLUDED.ema55,
				ema200 = EXCLUDED.ema200,
				bb_upper = EXCLUDED.bb_upper,
				bb_middle = EXCLUDED.bb_middle,
				bb_lower = EXCLUDED.bb_lower,
				macd = EXCLUDED.macd,
				macd_signal = EXCLUDED.macd_signal,
				macd_hist = EXCLUDED.macd_hist,
				atr = EXCLUDED.atr,
				adx = EXCLUDED.adx
		`, r.InstrumentID, r.Timeframe, r.Datetime,
			r.EMA9, r.EMA21, r.EMA55, r.EMA200,
			r.BBUpper, r.BBMiddle, r.BBLower,
			r.MACD, r.MACDSignal, r.MACDHist, r.ATR, r.ADX)
		if err != nil {
			return fmt.Errorf("upserting indicators %s/%s: %w", r.Timeframe, r.Datetime, err)
		}
	}
	return nil
}

// CreateScanRun inserts a new run row and fills in its id.
func (db *DB) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	notes, err := json.Marshal(run.Notes)
	if err != nil {
		return err
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO scan_runs (timeframe, status, started_at, credits_used, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, run.Timeframe, run.Status, run.StartedAt, run.CreditsUsed, notes).Scan(&run.ID)
}

// FinishScanRun writes the terminal state of a run.
func (db *DB) FinishScanRun(ctx context.Context, run *models.ScanRun) error {
	notes, err := json.Marshal(run.Notes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = $1, finished_at = $2, credits_used = $3, notes = $4
		WHERE id = $5
	`, run.Status, run.FinishedAt, run.CreditsUsed, notes, run.ID)
	return err
}

// GetProgress returns the evaluation watermark, or nil when the
// instrument has never been evaluated on this timeframe.
func (db *DB) GetProgress(ctx context.Context, instrumentID int64, tf models.Timeframe) (*models.ScanProgress, error) {
	var p models.ScanProgress
	err := db.QueryRowContext(ctx, `
		SELECT instrument_id, timeframe, last_evaluated
		FROM scan_progress
		WHERE instrument_id = $1 AND timeframe = $2
	`, instrumentID, tf).Scan(&p.InstrumentID, &p.Timeframe, &p.LastEvaluated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// UpsertProgress advances the watermark, never moving it backwards.
func (db *DB) UpsertProgress(ctx context.Context, progress models.ScanProgress) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO scan_progress (instrument_id, timeframe, last_evaluated)
		VALUES ($1, $2, $3)
		ON CONFLICT (instrument_id, timeframe)
		DO UPDATE SET last_evaluated = GREATEST(scan_progress.last_evaluated, EXCLUDED.last_evaluated)
	`, progress.InstrumentID, progress.Timeframe, progress.LastEvaluated)
	return err
}

// FindActiveSignal returns the most recent still-open (NEW) signal for
// the key, or nil. ALERTED rows never suppress a later detection; only a
// pending undelivered signal does.
func (db *DB) FindActiveSignal(ctx context.Context, instrumentID int64, tf models.Timeframe, strategy models.Strategy, direction models.Direction) (*models.Signal, error) {
	var (
		sig    models.Signal
		reason []byte
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, instrument_id, timeframe, strategy, direction,
			candle_datetime, score, reason, status, detected_at
		FROM signals
		WHERE instrument_id = $1 AND timeframe = $2 AND strategy = $3
			AND direction = $4 AND status = $5
		ORDER BY candle_datetime DESC
		LIMIT 1
	`, instrumentID, tf, strategy, direction,
		models.SignalStatusNew).Scan(
		&sig.ID, &sig.InstrumentID, &sig.Timeframe, &sig.Strategy, &sig.Direction,
		&sig.CandleDatetime, &sig.Score, &reason, &sig.Status, &sig.DetectedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(reason, &sig.Reason); err != nil {
		return nil, fmt.Errorf("decoding signal reason: %w", err)
	}
	return &sig, nil
}

// UpsertSignal persists a detection. Re-detection of the same key
// refreshes score, reason and detection time in place.
func (db *DB) UpsertSignal(ctx context.Context, sig *models.Signal) error {
	reason, err := json.Marshal(sig.Reason)
	if err != nil {
		return err
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO signals (
			instrument_id, timeframe, strategy, direction,
			candle_datetime, score, reason, status, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instrument_id, timeframe, strategy, direction, candle_datetime)
		DO UPDATE SET
			score = EXCLUDED.score,
			reason = EXCLUDED.reason,
			detected_at = EXCLUDED.detected_at
		RETURNING id
	`, sig.InstrumentID, sig.Timeframe, sig.Strategy, sig.Direction,
		sig.CandleDatetime, sig.Score, reason, sig.Status, sig.DetectedAt).Scan(&sig.ID)
}

// MarkSignalAlerted transitions a signal to ALERTED.
func (db *DB) MarkSignalAlerted(ctx context.Context, signalID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE signals SET status = $1 WHERE id = $2
	`, models.SignalStatusAlerted, signalID)
	return err
}

// AppendAlertEvent records one dispatch attempt.
func (db *DB) AppendAlertEvent(ctx context.Context, ev *models.AlertEvent) error {
	var errText sql.NullString
	if ev.Error != "" {
		errText = sql.NullString{String: ev.Error, Valid: true}
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO alert_events (signal_id, channel, recipient, subject, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, ev.SignalID, ev.Channel, ev.Recipient, ev.Subject, ev.Status, errText, ev.CreatedAt).Scan(&ev.ID)
}

// LastAlertTime returns when the instrument last had a successfully sent
// alert on this timeframe, or nil.
func (db *DB) LastAlertTime(ctx context.Context, instrumentID int64, tf models.Timeframe) (*time.Time, error) {
	var last sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT MAX(ae.created_at)
		FROM alert_events ae
		JOIN signals s ON s.id = ae.signal_id
		WHERE s.instrument_id = $1 AND s.timeframe = $2 AND ae.status = $3
	`, instrumentID, tf, models.AlertStatusSent).Scan(&last)
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// GetSettings reads the singleton settings row, creating it with defaults
// on first access.
func (db *DB) GetSettings(ctx context.Context) (*models.Settings, error) {
	var s models.Settings
	err := db.QueryRowContext(ctx, `
		SELECT scan_enabled, email_enabled, alert_recipient, alert_from,
			min_alert_score, burst_size, burst_sleep_ms, alert_cooldown_min, updated_at
		FROM settings WHERE id = 1
	`).Scan(
		&s.ScanEnabled, &s.EmailEnabled, &s.AlertRecipient, &s.AlertFrom,
		&s.MinAlertScore, &s.BurstSize, &s.BurstSleepMs, &s.AlertCooldownMin, &s.UpdatedAt,
	)
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	s = models.DefaultSettings()
	db.logger.Info().Msg("settings row absent, creating defaults")
	_, err = db.ExecContext(ctx, `
		INSERT INTO settings (
			id, scan_enabled, email_enabled, alert_recipient, alert_from,
			min_alert_score, burst_size, burst_sleep_ms, alert_cooldown_min
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, s.ScanEnabled, s.EmailEnabled, s.AlertRecipient, s.AlertFrom,
		s.MinAlertScore, s.BurstSize, s.BurstSleepMs, s.AlertCooldownMin)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSettings overwrites the singleton settings row.
func (db *DB) UpdateSettings(ctx context.Context, s *models.Settings) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (
			id, scan_enabled, email_enabled, alert_recipient, alert_from,
			min_alert_score, burst_size, burst_sleep_ms, alert_cooldown_min, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			scan_enabled = EXCLUDED.scan_enabled,
			email_enabled = EXCLUDED.email_enabled,
			alert_recipient = EXCLUDED.alert_recipient,
			alert_from = EXCLUDED.alert_from,
			min_alert_score = EXCLUDED.min_alert_score,
			burst_size = EXCLUDED.burst_size,
			burst_sleep_ms = EXCLUDED.burst_sleep_ms,
			alert_cooldown_min = EXCLUDED.alert_cooldown_min,
			updated_at = NOW()
	`, s.ScanEnabled, s.EmailEnabled, s.AlertRecipient, s.AlertFrom,
		s.MinAlertScore, s.BurstSize, s.BurstSleepMs, s.AlertCooldownMin)
	return err
}

// DashboardCounts aggregates the numbers shown by the operational CLI.
func (db *DB) DashboardCounts(ctx context.Context) (*models.DashboardCounts, error) {
	counts := &models.DashboardCounts{SignalsByStatus: make(map[string]int)}

	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instruments WHERE enabled
	`).Scan(&counts.EnabledInstruments); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM signals GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts.SignalsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var (
		run   models.ScanRun
		notes []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, timeframe, status, started_at, finished_at, credits_used, notes
		FROM scan_runs
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&run.ID, &run.Timeframe, &run.Status, &run.StartedAt, &run.FinishedAt, &run.CreditsUsed, &notes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(notes, &run.Notes); err != nil {
			return nil, fmt.Errorf("decoding run notes: %w", err)
		}
		counts.LastRun = &run
	}
	return counts, nil
}
