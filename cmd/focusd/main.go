// Focus Tracker - local tracking daemon
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/focus-tracker/internal/api"
	"github.com/ashureev/focus-tracker/internal/capture"
	"github.com/ashureev/focus-tracker/internal/config"
	"github.com/ashureev/focus-tracker/internal/credential"
	"github.com/ashureev/focus-tracker/internal/detection"
	"github.com/ashureev/focus-tracker/internal/emitter"
	"github.com/ashureev/focus-tracker/internal/focusapi"
	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/metrics"
	"github.com/ashureev/focus-tracker/internal/realtime"
	"github.com/ashureev/focus-tracker/internal/store"
	"github.com/ashureev/focus-tracker/internal/studytimer"
	"github.com/ashureev/focus-tracker/internal/tracker"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	slog.Info("Starting focus tracker", "listen", cfg.ListenAddr, "api", cfg.APIURL, "local", cfg.IsLocal())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	store.StartRetentionWorker(ctx, repo, cfg.LedgerRetention)

	// Analysis service clients.
	m := metrics.New()

	client, err := focusapi.New(cfg.APIURL, &http.Client{Timeout: 15 * time.Second}, logger)
	if err != nil {
		slog.Error("Failed to initialize analysis client", "error", err)
		os.Exit(1)
	}
	dialer, err := realtime.NewDialer(cfg.APIURL, nil, logger)
	if err != nil {
		slog.Error("Failed to initialize realtime dialer", "error", err)
		os.Exit(1)
	}

	selector := frame.NewSelector(capture.Opener{
		Device:  cfg.Camera.Device,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		Quality: cfg.Tracking.JPEGQuality,
		Logger:  logger,
	}, cfg.Tracking.JPEGQuality, logger)
	defer func() {
		if closeErr := selector.Close(); closeErr != nil {
			slog.Error("Failed to release frame source", "error", closeErr)
		}
	}()

	var alerter detection.Alerter
	if cfg.AlertSound {
		alerter = detection.NewBeeper(logger)
	}
	agg := detection.NewAggregator(alerter, logger)

	if cfg.MQTT.Broker != "" {
		em, err := emitter.Connect(ctx, emitter.Options{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Logger:   logger,
		})
		if err != nil {
			slog.Warn("MQTT forwarding disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer em.Close()
			agg.OnChange(em.OnState)
			slog.Info("MQTT forwarding enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
		}
	}

	creds := credential.Chain{credential.Static(cfg.Token)}
	if cfg.TokenFile != "" {
		creds = append(creds, credential.NewFile(cfg.TokenFile, logger))
	}

	ctrl, err := tracker.New(tracker.Config{
		FrameInterval:       cfg.Tracking.FrameInterval,
		KeepaliveInterval:   cfg.Tracking.KeepaliveInterval,
		ReconnectDelay:      cfg.Tracking.ReconnectDelay,
		RecordingStartDelay: cfg.Tracking.RecordingStartDelay,
		AutoStartWithDriver: cfg.Tracking.AutoStartWithTimer,
		Recording: tracker.RecordingSettings{
			Enabled:    cfg.Recording.Enabled,
			FPS:        cfg.Recording.FPS,
			Resolution: cfg.Recording.Resolution,
		},
		Session: focusapi.CreateSessionRequest{
			SessionName:  cfg.Profile.SessionName,
			Subject:      cfg.Profile.Subject,
			InitialScore: cfg.Profile.InitialScore,
		},
	}, tracker.Deps{
		Sessions:    client,
		Recordings:  client,
		Transport:   dialer,
		Source:      selector,
		Detections:  agg,
		Credentials: creds,
		Ledger:      repo,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("Failed to initialize tracker", "error", err)
		os.Exit(1)
	}

	timer := studytimer.New(studytimer.Options{
		PomodoroMinutes: cfg.Profile.PomodoroMinutes,
		ManualMinutes:   cfg.Profile.ManualMinutes,
		Logger:          logger,
	})
	timer.OnRunning(ctrl.SetDriverRunning)

	// Control surface.
	handler := api.NewHandler(api.Deps{
		Tracker:    ctrl,
		Timer:      timer,
		Detections: agg,
		Repo:       repo,
		Downloads:  client,
		Logger:     logger,
	})
	hub := api.NewLiveHub(handler.Document, logger)
	ctrl.Subscribe(func(tracker.Status) { hub.Notify() })
	agg.OnChange(func(detection.State) { hub.Notify() })
	timer.OnChange(func(studytimer.Status) { hub.Notify() })

	r := api.NewRouter(handler, hub, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m.Handler(),
		RequestLog:     cfg.LogLevel <= slog.LevelDebug,
	})

	// Live subscribers hold long-lived connections, so no WriteTimeout.
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	timer.Close()
	if err := ctrl.Close(); err != nil {
		slog.Error("Failed to stop tracker", "error", err)
	}

	slog.Info("Focus tracker stopped")
}
