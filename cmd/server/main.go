package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skypro1111/consult-capture/internal/config"
	"github.com/skypro1111/consult-capture/internal/consultation"
	"github.com/skypro1111/consult-capture/internal/device"
	"github.com/skypro1111/consult-capture/internal/metrics"
	"github.com/skypro1111/consult-capture/internal/server"
	"github.com/skypro1111/consult-capture/internal/session"
	"github.com/skypro1111/consult-capture/internal/upload"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "consult-capture"
	serviceVersion    = "1.0.0"

	shutdownTimeout = 10 * time.Second
	drainTimeout    = 30 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := initLogger(cfg.Logging)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("Agent stopped with error", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Agent starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("chunk_interval", cfg.Capture.ChunkInterval),
		slog.Int("max_duration", cfg.Capture.MaxDuration),
		slog.Any("encoding_preferences", cfg.Capture.EncodingPreferences),
		slog.String("device_input", cfg.Device.Input),
		slog.String("upload_base_url", cfg.Upload.BaseURL),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(nil)

	dev, err := device.NewExecDevice(device.ExecConfig{
		Input:           cfg.Device.Input,
		DefaultEncoding: cfg.Device.DefaultEncoding,
		Encoders:        cfg.Device.Encoders,
		ProbeTimeout:    cfg.Device.GetProbeTimeout(),
		StopGrace:       cfg.Device.GetStopGrace(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create capture device: %w", err)
	}

	uploader, err := upload.NewClient(upload.Config{
		BaseURL:             cfg.Upload.BaseURL,
		ExistingSubjectPath: cfg.Upload.ExistingSubjectPath,
		NewSubjectPath:      cfg.Upload.NewSubjectPath,
		FileField:           cfg.Upload.FileField,
		SubjectIDField:      cfg.Upload.SubjectIDField,
		NewSubjectField:     cfg.Upload.NewSubjectField,
		APIKey:              cfg.Upload.APIKey,
		Timeout:             cfg.Upload.GetTimeoutDuration(),
		MaxConcurrent:       cfg.Upload.MaxConcurrent,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create upload client: %w", err)
	}

	playback, err := session.NewFilePlayback(cfg.Capture.PlaybackDir)
	if err != nil {
		return err
	}

	store := consultation.NewStore(logger)
	events := server.NewEventHub(logger)

	ctrl, err := session.New(session.Config{
		ChunkInterval:       cfg.Capture.GetChunkInterval(),
		MaxDuration:         cfg.Capture.GetMaxDuration(),
		FinalizeTimeout:     cfg.Capture.GetFinalizeTimeout(),
		EncodingPreferences: cfg.Capture.EncodingPreferences,
		BitsPerSecond:       cfg.Capture.BitsPerSecond,
		Constraints: device.Constraints{
			EchoCancellation: cfg.Capture.EchoCancellation,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
			SampleRate:       cfg.Capture.SampleRate,
			Channels:         cfg.Capture.Channels,
		},
	}, session.Deps{
		Device:    dev,
		Uploader:  uploader,
		Gate:      store.Gate(),
		Target:    store.Target,
		Playback:  playback,
		Logger:    logger,
		Metrics:   appMetrics,
		Callbacks: events.Callbacks(),
	})
	if err != nil {
		return fmt.Errorf("failed to create capture session: %w", err)
	}
	logger.Info("Capture session mounted", slog.String("session_id", ctrl.ID()))

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, ctrl, store, uploader, events, appMetrics)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if httpServer != nil {
		g.Go(httpServer.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		// Stop HTTP first so no new actions reach the session
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}

		ctrl.Close()

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := uploader.Close(drainCtx); err != nil {
			logger.Warn("Uploads did not finish before exit", slog.String("error", err.Error()))
		}

		stats := uploader.GetStats()
		logger.Info("Final upload statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
			slog.Uint64("bytes_sent", stats.BytesSent),
		)
		return nil
	})

	logger.Info("Agent started, waiting for signals...")

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Agent stopped")
	return nil
}

// initLogger creates the structured logger. File output is rotated.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case !cfg.IsFile():
		output = os.Stdout
	default:
		rotator := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = rotator
		closer = rotator
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
