package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.LogLevel)
	log.Info().Msg("Starting market scanner")

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

	if err := db.SeedInstruments(ctx, cfg.Instruments); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed instrument whitelist")
	}

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
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := alert.NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect telegram bot")
		}
		alerters = append(alerters, tg)
	}

	locker := storage.NewAdvisoryLock(db)
	scheduler := scan.New(db, client, locker, alerters...)

	active, err := scheduler.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	if !active {
		log.Info().Msg("Running passive, another instance scans")
	}

	waitForShutdown()
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	scheduler.Stop(stopCtx)
	log.Info().Msg("Scanner stopped")
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("Shutdown signal received, exiting...")
}

// setupLogging configures the logger
func setupLogging(logLevel string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = log.Output(output)

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(level)
}
