// scanctl is the operational CLI: manual scan trigger, dashboard counts
// and runtime settings management.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/internal/alert"
	"github.com/avolkov/signalscan/internal/config"
	"github.com/avolkov/signalscan/internal/scan"
	"github.com/avolkov/signalscan/internal/storage"
	"github.com/avolkov/signalscan/internal/twelvedata"
	"github.com/avolkov/signalscan/models"
)

func main() {
	var (
		runOnce       = flag.Bool("run-once", false, "trigger one scan cycle now and exit")
		dashboard     = flag.Bool("dashboard", false, "print aggregate counts and the last run")
		showSettings  = flag.Bool("settings", false, "print the current runtime settings")
		setScan       = flag.String("set-scan", "", "enable or disable scanning (on|off)")
		setEmail      = flag.String("set-email", "", "enable or disable email alerts (on|off)")
		setMinScore   = flag.Int("set-min-score", -1, "minimum score for alert dispatch (0-100)")
		enableSymbol  = flag.String("enable-symbol", "", "enable one instrument by canonical symbol")
		disableSymbol = flag.String("disable-symbol", "", "disable one instrument by canonical symbol")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := storage.New(storage.ConnectionParams{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch {
	case *runOnce:
		doRunOnce(ctx, cfg, db)
	case *dashboard:
		doDashboard(ctx, db)
	case *showSettings:
		doShowSettings(ctx, db)
	case *setScan != "" || *setEmail != "" || *setMinScore >= 0:
		doUpdateSettings(ctx, db, *setScan, *setEmail, *setMinScore)
	case *enableSymbol != "":
		doSetEnabled(ctx, db, *enableSymbol, true)
	case *disableSymbol != "":
		doSetEnabled(ctx, db, *disableSymbol, false)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func doRunOnce(ctx context.Context, cfg *config.Config, db *storage.DB) {
	client := twelvedata.New(twelvedata.Options{
		APIKey:               cfg.TwelveAPIKey,
		PlanCreditsPerMinute: cfg.PlanCreditsPerMin,
		RequestTimeout:       time.Duration(cfg.RequestTimeout) * time.Second,
	})
	alerters := []models.Alerter{
		alert.NewEmailAlerter(alert.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}),
	}

	locker := storage.NewAdvisoryLock(db)
	held, err := locker.TryLock(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to acquire scan lock")
	}
	if !held {
		log.Fatal().Msg("Another instance holds the scan lock, refusing manual run")
	}
	defer locker.Unlock(ctx)

	scheduler := scan.New(db, client, locker, alerters...)
	run, err := scheduler.RunCycle(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Scan cycle failed")
	}
	if run == nil {
		fmt.Println("scan skipped (disabled in settings)")
		return
	}
	fmt.Printf("run %d finished: %s, %d/%d instruments, %d signals, %d credits\n",
		run.ID, run.Status, run.Notes.Processed, run.Notes.Total, run.Notes.Signals, run.CreditsUsed)
	for _, f := range run.Notes.Failures {
		fmt.Printf("  failure: %s\n", f)
	}
}

func doDashboard(ctx context.Context, db *storage.DB) {
	counts, err := db.DashboardCounts(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load dashboard counts")
	}
	fmt.Printf("enabled instruments: %d\n", counts.EnabledInstruments)
	fmt.Println("signals by status:")
	for status, n := range counts.SignalsByStatus {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	if counts.LastRun == nil {
		fmt.Println("no scan runs yet")
		return
	}
	run := counts.LastRun
	fmt.Printf("last run: id=%d status=%s started=%s signals=%d credits=%d\n",
		run.ID, run.Status, run.StartedAt.Format(time.RFC3339), run.Notes.Signals, run.CreditsUsed)
}

func doShowSettings(ctx context.Context, db *storage.DB) {
	s, err := db.GetSettings(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}
	fmt.Printf("scan enabled:       %t\n", s.ScanEnabled)
	fmt.Printf("email enabled:      %t\n", s.EmailEnabled)
	fmt.Printf("alert recipient:    %s\n", s.AlertRecipient)
	fmt.Printf("alert from:         %s\n", s.AlertFrom)
	fmt.Printf("min alert score:    %d\n", s.MinAlertScore)
	fmt.Printf("burst size:         %d\n", s.BurstSize)
	fmt.Printf("burst sleep (ms):   %d\n", s.BurstSleepMs)
	fmt.Printf("alert cooldown (m): %d\n", s.AlertCooldownMin)
}

func doUpdateSettings(ctx context.Context, db *storage.DB, setScan, setEmail string, minScore int) {
	s, err := db.GetSettings(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}
	if setScan != "" {
		s.ScanEnabled = parseOnOff("set-scan", setScan)
	}
	if setEmail != "" {
		s.EmailEnabled = parseOnOff("set-email", setEmail)
	}
	if minScore >= 0 {
		if minScore > 100 {
			log.Fatal().Int("score", minScore).Msg("min score must be 0-100")
		}
		s.MinAlertScore = minScore
	}
	if err := db.UpdateSettings(ctx, s); err != nil {
		log.Fatal().Err(err).Msg("Failed to update settings")
	}
	fmt.Println("settings updated")
}

func doSetEnabled(ctx context.Context, db *storage.DB, symbol string, enabled bool) {
	if err := db.SetInstrumentEnabled(ctx, symbol, enabled); err != nil {
		log.Fatal().Err(err).Str("symbol", symbol).Msg("Failed to update instrument")
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("%s %s\n", symbol, state)
}

func parseOnOff(flagName, v string) bool {
	switch v {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}
	log.Fatal().Str(flagName, v).Msg("expected on|off")
	return false
}
