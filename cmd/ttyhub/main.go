package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"ttyhub/internal/audit"
	"ttyhub/internal/auth"
	"ttyhub/internal/config"
	"ttyhub/internal/core"
	"ttyhub/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/ttyhub/config.json", "path to config file")
	flag.Parse()

	// Log buffer captures recent entries for /api/logs.
	logBuf := core.NewLogBuffer(200)

	// Bootstrap logger for config loading.
	log := slog.New(core.NewLogHandler(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}), logBuf))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create logger with the configured level.
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log = slog.New(core.NewLogHandler(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}), logBuf))
	log.Info("config loaded", "http", cfg.HTTP.Address, "data_dir", cfg.DataDir, "log_level", level.String())

	st, err := store.New(cfg.DataDir, "ttyhub", log)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	log.Info("state store ready", "data_dir", cfg.DataDir)

	auditLog, err := audit.Open(cfg.AuditDB, log)
	if err != nil {
		log.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	svc, err := auth.New(auth.Config{
		RPDisplayName:           cfg.Auth.RPDisplayName,
		RPID:                    cfg.Auth.RPID,
		RPOrigins:               cfg.Auth.RPOrigins,
		SessionTTL:              time.Duration(cfg.Auth.SessionTTLMs) * time.Millisecond,
		SessionRefreshThreshold: time.Duration(cfg.Auth.SessionRefreshThresholdMs) * time.Millisecond,
		SetupTokenTTL:           time.Duration(cfg.Auth.SetupTokenTTLMs) * time.Millisecond,
		ChallengeTTL:            time.Duration(cfg.Auth.ChallengeTTLMs) * time.Millisecond,
		LockoutMaxAttempts:      cfg.Auth.LockoutMaxAttempts,
		LockoutBaseBackoff:      time.Duration(cfg.Auth.LockoutBaseBackoffMs) * time.Millisecond,
		LockoutMaxBackoff:       time.Duration(cfg.Auth.LockoutMaxBackoffMs) * time.Millisecond,
	}, st, log)
	if err != nil {
		log.Error("failed to init auth", "error", err)
		os.Exit(1)
	}
	log.Info("auth ready", "rp_id", cfg.Auth.RPID, "set_up", svc.IsSetUp())

	// Event bus + websocket hub.
	bus := core.NewBus(auditLog, log)
	hub := core.NewHub(svc, log)
	bus.Subscribe(hub.HandleEvent)
	svc.SetNotifier(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	svc.StartBackground(ctx)

	maintenance := core.NewMaintenance(cfg.Maintenance.Schedule, bus, st, log)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	srv := core.NewServer(svc, hub, auditLog, logBuf, log)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: srv.Handler(),
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info("ttyhub starting", "address", cfg.HTTP.Address)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("http server error", "error", err)
		os.Exit(1)
	}
}
