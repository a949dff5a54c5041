// Package monitor feeds motion signals into the pipeline, either by
// polling each device's event history on a fixed cadence or by holding a
// subscription to the cloud's push event stream. Both paths hand signals
// to the same dispatcher and never wait on the pipelines they start.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/porchwatch/porchwatch/internal/device"
)

const (
	// DefaultScanInterval is the fixed delay between history scans.
	DefaultScanInterval = 10 * time.Second

	// DefaultHistoryLimit is how much recent history one scan examines
	// per device.
	DefaultHistoryLimit = 15

	motionKind = "motion"
)

// Registry is the slice of the cloud client the monitor loops use.
type Registry interface {
	Refresh(ctx context.Context) error
	Devices() []device.Device
	History(ctx context.Context, deviceID string, limit int) ([]device.Event, error)
}

// Dispatcher gates and runs motion signals. Dispatch must not block.
type Dispatcher interface {
	Dispatch(ctx context.Context, dev device.Device, sig device.MotionSignal) bool
}

// PollerConfig tunes the scan loop.
type PollerConfig struct {
	ScanInterval time.Duration
	HistoryLimit int

	// DeviceName restricts scanning to the device with this display
	// name. Empty scans every device.
	DeviceName string
}

// Poller drives signal ingestion by re-reading recent device history.
// Replayed events are cheap: the pipeline's gate already saw their ids.
type Poller struct {
	cfg        PollerConfig
	registry   Registry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewPoller validates collaborators and applies defaults.
func NewPoller(cfg PollerConfig, registry Registry, dispatcher Dispatcher) (*Poller, error) {
	if registry == nil {
		return nil, fmt.Errorf("monitor: registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("monitor: dispatcher is required")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	return &Poller{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     zap.L().Named("poller"),
	}, nil
}

// Run scans until ctx is canceled. The loop blocks only on the fixed
// inter-scan delay and the registry refresh at the top of each scan.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.Duration("interval", p.cfg.ScanInterval),
		zap.Int("history_limit", p.cfg.HistoryLimit))

	for {
		p.scan(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-time.After(p.cfg.ScanInterval):
		}
	}
}

// scan walks every known device once. Per-device failures are logged
// and the scan moves on.
func (p *Poller) scan(ctx context.Context) {
	if err := p.registry.Refresh(ctx); err != nil {
		p.logger.Warn("device refresh failed, scanning cached registry", zap.Error(err))
	}

	devices := p.registry.Devices()
	if p.cfg.DeviceName != "" {
		devices = lo.Filter(devices, func(d device.Device, _ int) bool {
			return d.Name == p.cfg.DeviceName
		})
	}

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}

		events, err := p.registry.History(ctx, dev.ID, p.cfg.HistoryLimit)
		if err != nil {
			p.logger.Warn("history fetch failed",
				zap.String("device", dev.ID), zap.Error(err))
			continue
		}
		if len(events) > p.cfg.HistoryLimit {
			events = events[:p.cfg.HistoryLimit]
		}

		motionEvents := lo.Filter(events, func(e device.Event, _ int) bool {
			return e.Kind == motionKind
		})
		signals := lo.Map(motionEvents, func(e device.Event, _ int) device.MotionSignal {
			return device.MotionSignal{DeviceID: dev.ID, EventID: e.ID, ObservedAt: e.CreatedAt}
		})

		started := 0
		for _, sig := range signals {
			if p.dispatcher.Dispatch(ctx, dev, sig) {
				started++
			}
		}
		if started > 0 {
			p.logger.Info("scan dispatched captures",
				zap.String("device", dev.ID),
				zap.Int("started", started),
				zap.Int("observed", len(signals)))
		}
	}
}
