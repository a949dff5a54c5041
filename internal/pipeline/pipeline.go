// Package pipeline drives one motion signal end to end: gate through the
// tracker, pull a frame, classify it, and fan out to the configured sinks.
// Each accepted signal runs on its own goroutine so the ingestion loops
// never wait on captures.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/porchwatch/porchwatch/internal/device"
	"github.com/porchwatch/porchwatch/internal/journal"
	"github.com/porchwatch/porchwatch/internal/media"
	"github.com/porchwatch/porchwatch/internal/motion"
	"github.com/porchwatch/porchwatch/internal/notify"
	"github.com/porchwatch/porchwatch/internal/rtc"
	"github.com/porchwatch/porchwatch/internal/storage"
	"github.com/porchwatch/porchwatch/internal/vision"
)

const (
	// DefaultMaxConcurrent bounds simultaneous pipeline runs.
	DefaultMaxConcurrent = 4

	// journalTimeout bounds the best-effort journal write at the end of
	// a run, detached from the run's own context.
	journalTimeout = 5 * time.Second
)

// Capturer is the slice of the session manager the pipeline drives.
type Capturer interface {
	PullFrame(ctx context.Context, dev device.Device) (rtc.Frame, error)
	PushAudioClip(ctx context.Context, dev device.Device, source rtc.AudioSource, duration time.Duration) error
}

// Uploader is the optional cloud sink for captured frames.
type Uploader interface {
	Upload(ctx context.Context, image []byte, filename string, meta storage.Metadata) (string, error)
}

// Saver is the guaranteed local sink for captured frames.
type Saver interface {
	Save(image []byte, filename string, meta storage.Metadata) (string, error)
}

// Journal records completed runs.
type Journal interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// Sinks holds the pipeline's output collaborators. Saver is mandatory;
// a nil field elsewhere disables that step.
type Sinks struct {
	Uploader Uploader
	Saver    Saver
	Notifier notify.Notifier
	Journal  Journal
}

// Config tunes pipeline scheduling.
type Config struct {
	// MaxConcurrent caps simultaneous runs. Zero means
	// DefaultMaxConcurrent.
	MaxConcurrent int

	// AlertDuration bounds alert clip playback. Zero plays the whole
	// clip once.
	AlertDuration time.Duration
}

// Stats is a point-in-time snapshot of run counters.
type Stats struct {
	Accepted   uint64
	Suspicious uint64
	Deliveries uint64
	Benign     uint64
	Failures   uint64
}

// Pipeline owns the per-signal detection sequence. Construct once and
// share across ingestion loops.
type Pipeline struct {
	cfg        Config
	tracker    *motion.Tracker
	capturer   Capturer
	classifier vision.Classifier
	sinks      Sinks
	alertClip  *media.Clip

	logger *zap.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	accepted   atomic.Uint64
	suspicious atomic.Uint64
	deliveries atomic.Uint64
	benign     atomic.Uint64
	failures   atomic.Uint64
}

// New builds a pipeline. alertClip may be nil, which disables the alert
// push for suspicious verdicts.
func New(cfg Config, tracker *motion.Tracker, capturer Capturer, classifier vision.Classifier, sinks Sinks, alertClip *media.Clip) (*Pipeline, error) {
	if tracker == nil {
		return nil, fmt.Errorf("pipeline: tracker is required")
	}
	if capturer == nil {
		return nil, fmt.Errorf("pipeline: capturer is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("pipeline: classifier is required")
	}
	if sinks.Saver == nil {
		return nil, fmt.Errorf("pipeline: local saver is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	return &Pipeline{
		cfg:        cfg,
		tracker:    tracker,
		capturer:   capturer,
		classifier: classifier,
		sinks:      sinks,
		alertClip:  alertClip,
		logger:     zap.L().Named("pipeline"),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Dispatch gates one motion signal and starts a run when the tracker
// accepts it. The gate is synchronous and cheap; the run itself happens
// on a new goroutine, so callers never block on capture or sinks.
// Reports whether a run started.
func (p *Pipeline) Dispatch(ctx context.Context, dev device.Device, sig device.MotionSignal) bool {
	if !p.tracker.ShouldTrigger(sig.DeviceID, sig.EventID) {
		return false
	}
	p.accepted.Add(1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		// The semaphore is taken here rather than in Dispatch so a
		// burst of signals queues instead of stalling the scan loop.
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return
		}
		p.run(ctx, dev, sig)
	}()
	return true
}

// Wait blocks until in-flight runs finish or ctx expires.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns a snapshot of run counters.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Suspicious: p.suspicious.Load(),
		Deliveries: p.deliveries.Load(),
		Benign:     p.benign.Load(),
		Failures:   p.failures.Load(),
	}
}

// run executes the detection sequence for one accepted signal. Capture
// and classification failures terminate the run; past that point every
// sink failure is isolated so the local save cannot be skipped.
func (p *Pipeline) run(ctx context.Context, dev device.Device, sig device.MotionSignal) {
	runID := uuid.NewString()
	logger := p.logger.With(
		zap.String("run", runID),
		zap.String("device", dev.ID),
		zap.String("event", sig.EventID))

	logger.Info("motion accepted", zap.String("name", dev.Name))

	entry := journal.Entry{
		RunID:      runID,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		EventID:    sig.EventID,
	}

	frame, err := p.capturer.PullFrame(ctx, dev)
	if err != nil {
		logger.Error("capture failed", zap.Error(err))
		p.failures.Add(1)
		entry.Outcome = journal.OutcomeCaptureFailed
		entry.Reason = err.Error()
		p.journalRun(ctx, entry, logger)
		return
	}

	res, err := p.classifier.Classify(ctx, frame.Data)
	if err != nil {
		logger.Error("classification failed", zap.Error(err))
		p.failures.Add(1)
		entry.Outcome = journal.OutcomeClassifyFailed
		entry.Reason = err.Error()
		p.journalRun(ctx, entry, logger)
		return
	}

	logger.Info("frame classified",
		zap.Bool("suspicious", res.IsSuspicious),
		zap.Bool("delivery", res.IsDelivery),
		zap.String("confidence", string(res.Confidence)),
		zap.String("description", res.Description))

	entry.Confidence = string(res.Confidence)
	entry.Description = res.Description
	entry.Reason = res.Reason

	switch {
	case res.IsSuspicious:
		p.suspicious.Add(1)
		entry.Outcome = journal.OutcomeSuspicious
		entry.StorageKey, entry.LocalPath = p.handleSuspicious(ctx, dev, sig, frame, res, logger)
	case res.IsDelivery:
		p.deliveries.Add(1)
		entry.Outcome = journal.OutcomeDelivery
		p.sendNotification(ctx, notify.KindDelivered, res.Description, logger)
	default:
		p.benign.Add(1)
		entry.Outcome = journal.OutcomeBenign
		logger.Info("benign activity, no action")
	}

	p.journalRun(ctx, entry, logger)
}

// handleSuspicious runs the thief branch: warn the visitor over the
// device speaker, upload when a destination is configured, always save
// locally, then notify. Steps run in order and each failure is logged
// and swallowed. Returns the storage key and local path for the journal.
func (p *Pipeline) handleSuspicious(ctx context.Context, dev device.Device, sig device.MotionSignal, frame rtc.Frame, res vision.Result, logger *zap.Logger) (string, string) {
	p.pushAlert(ctx, dev, logger)

	filename := storage.ImageFilename(dev.Name, frame.CapturedAt)
	meta := storage.Metadata{
		Device:      dev.Name,
		EventID:     sig.EventID,
		CapturedAt:  frame.CapturedAt,
		Suspicious:  res.IsSuspicious,
		Delivery:    res.IsDelivery,
		Confidence:  string(res.Confidence),
		Description: res.Description,
		Reason:      res.Reason,
	}

	var key string
	if p.sinks.Uploader != nil {
		var err error
		key, err = p.sinks.Uploader.Upload(ctx, frame.Data, filename, meta)
		if err != nil {
			logger.Warn("upload failed, keeping local copy only", zap.Error(err))
			key = ""
		}
	}

	path, err := p.sinks.Saver.Save(frame.Data, filename, meta)
	if err != nil {
		logger.Error("local save failed", zap.Error(err))
	} else {
		logger.Info("capture persisted", zap.String("path", path))
	}

	p.sendNotification(ctx, notify.KindThief, res.Description, logger)
	return key, path
}

// pushAlert plays the warning clip on the device. Skipped when no clip
// is configured or the device has no speaker path.
func (p *Pipeline) pushAlert(ctx context.Context, dev device.Device, logger *zap.Logger) {
	if p.alertClip == nil {
		return
	}
	if !dev.TwoWayAudio {
		logger.Debug("device has no two-way audio, skipping alert clip")
		return
	}

	duration := p.alertClip.Duration()
	if p.cfg.AlertDuration > 0 && p.cfg.AlertDuration < duration {
		duration = p.cfg.AlertDuration
	}
	source := media.NewTimedSource(p.alertClip, duration)
	if err := p.capturer.PushAudioClip(ctx, dev, source, duration); err != nil {
		logger.Warn("alert clip push failed", zap.Error(err))
	}
}

func (p *Pipeline) sendNotification(ctx context.Context, kind notify.Kind, description string, logger *zap.Logger) {
	if p.sinks.Notifier == nil {
		return
	}
	if err := p.sinks.Notifier.Notify(ctx, kind, description); err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}

// journalRun appends the run record on a short detached context, so a
// run that died to cancellation still gets journaled.
func (p *Pipeline) journalRun(ctx context.Context, entry journal.Entry, logger *zap.Logger) {
	if p.sinks.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	if err := p.sinks.Journal.Record(jctx, entry); err != nil {
		logger.Warn("journal write failed", zap.Error(err))
	}
}
