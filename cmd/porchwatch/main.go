package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/porchwatch/porchwatch/internal/cloud"
	"github.com/porchwatch/porchwatch/internal/config"
	"github.com/porchwatch/porchwatch/internal/journal"
	"github.com/porchwatch/porchwatch/internal/media"
	"github.com/porchwatch/porchwatch/internal/monitor"
	"github.com/porchwatch/porchwatch/internal/motion"
	"github.com/porchwatch/porchwatch/internal/notify"
	"github.com/porchwatch/porchwatch/internal/pipeline"
	"github.com/porchwatch/porchwatch/internal/rtc"
	"github.com/porchwatch/porchwatch/internal/storage"
	"github.com/porchwatch/porchwatch/internal/vision"
)

// drainTimeout bounds how long shutdown waits for in-flight captures to
// journal themselves and tear their sessions down.
const drainTimeout = 30 * time.Second

// Application holds all long-lived components.
type Application struct {
	cfg      *config.Config
	cloud    *cloud.Client
	pipeline *pipeline.Pipeline
	journal  *journal.Store
	uploads  *storage.ObjectStore
	logger   *zap.Logger
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("porchwatch: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	return app.Run(ctx)
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.LogMode == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// NewApplication builds every component from the loaded configuration.
// Optional sinks (upload, journal, notification) are only constructed when
// their section is configured; the pipeline treats absent sinks as no-ops.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger := zap.L().Named("app")

	cloudClient, err := cloud.NewClient(ctx, cfg.CloudClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud client: %w", err)
	}

	capturer, err := rtc.NewManager(cfg.SessionConfig(), cloudClient, &media.OpenCVTranscoder{})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	classifier, err := vision.NewClient(cfg.VisionClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	saver, err := storage.NewLocalStore(cfg.Storage.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open local capture directory: %w", err)
	}
	sinks := pipeline.Sinks{Saver: saver}

	var uploads *storage.ObjectStore
	if cfg.UploadEnabled() {
		uploads, err = storage.NewObjectStore(cfg.ObjectStoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create upload store: %w", err)
		}
		sinks.Uploader = uploads
	}

	notifier, err := buildNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		sinks.Notifier = notifier
	}

	var journalStore *journal.Store
	if cfg.JournalEnabled() {
		journalStore, err = journal.Open(cfg.JournalStoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open detection journal: %w", err)
		}
		sinks.Journal = journalStore
	}

	tracker := motion.NewTracker(cfg.Monitor.Cooldown.Std())
	alertClip := loadAlertClip(cfg, logger)

	pipe, err := pipeline.New(cfg.PipelineConfig(), tracker, capturer, classifier, sinks, alertClip)
	if err != nil {
		if journalStore != nil {
			journalStore.Close()
		}
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return &Application{
		cfg:      cfg,
		cloud:    cloudClient,
		pipeline: pipe,
		journal:  journalStore,
		uploads:  uploads,
		logger:   logger,
	}, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Transport {
	case "smtp":
		n, err := notify.NewSMTPNotifier(cfg.SMTPNotifierConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create smtp notifier: %w", err)
		}
		return n, nil
	case "gmail":
		n, err := notify.NewGmailNotifier(ctx, cfg.GmailNotifierConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create gmail notifier: %w", err)
		}
		return n, nil
	}
	return nil, nil
}

// loadAlertClip is best-effort: a missing or undecodable clip disables the
// alert playback branch, everything else keeps working.
func loadAlertClip(cfg *config.Config, logger *zap.Logger) *media.Clip {
	clip, err := media.LoadClip(cfg.Alert.SoundFile, rtc.PCMUClockRate)
	if err != nil {
		logger.Warn("alert clip unavailable, alert playback disabled",
			zap.String("path", cfg.Alert.SoundFile),
			zap.Error(err))
		return nil
	}
	logger.Info("alert clip loaded",
		zap.String("path", cfg.Alert.SoundFile),
		zap.Duration("duration", clip.Duration()))
	return clip
}

// Run starts the configured ingestion loops and blocks until ctx is
// canceled or a loop fails, then drains in-flight captures.
func (app *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	mode := app.cfg.Monitor.Mode
	if mode == "poll" || mode == "both" {
		poller, err := monitor.NewPoller(app.cfg.PollerConfig(), app.cloud, app.pipeline)
		if err != nil {
			return err
		}
		g.Go(func() error { return poller.Run(gctx) })
	}
	if mode == "push" || mode == "both" {
		listener, err := monitor.NewListener(app.cfg.ListenerConfig(), app.cloud, app.cloud, app.pipeline)
		if err != nil {
			return err
		}
		g.Go(func() error { return listener.Run(gctx) })
	}

	app.logger.Info("porchwatch running",
		zap.String("mode", mode),
		zap.String("device_filter", app.cfg.Monitor.DeviceName))

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := app.pipeline.Wait(drainCtx); derr != nil {
		app.logger.Warn("shutdown drain timed out, abandoning in-flight runs",
			zap.Error(derr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Cleanup releases long-lived resources after the loops have stopped.
func (app *Application) Cleanup() {
	stats := app.pipeline.GetStats()
	app.logger.Info("final run counters",
		zap.Uint64("accepted", stats.Accepted),
		zap.Uint64("suspicious", stats.Suspicious),
		zap.Uint64("deliveries", stats.Deliveries),
		zap.Uint64("benign", stats.Benign),
		zap.Uint64("failures", stats.Failures))

	if app.uploads != nil {
		app.logger.Info("final upload counters", zap.Any("uploads", app.uploads.GetMetrics()))
	}

	if app.journal != nil {
		if err := app.journal.Close(); err != nil {
			app.logger.Warn("journal close failed", zap.Error(err))
		}
	}
}
