package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/porchwatch/porchwatch/internal/device"
)

const (
	// DefaultPingInterval spaces keepalive pings on the event stream.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout is how long the stream may stay silent (counting
	// pongs) before the connection is declared dead.
	DefaultReadTimeout = 75 * time.Second

	// DefaultReconnectMax caps the backoff between redial attempts.
	DefaultReconnectMax = time.Minute

	pingWriteWait = time.Second
)

// EventDialer opens one connection to the cloud's push event stream.
type EventDialer interface {
	DialEvents(ctx context.Context) (*websocket.Conn, error)
}

// ListenerConfig tunes stream liveness and reconnection.
type ListenerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	ReconnectMax time.Duration

	// DeviceName restricts dispatching to the device with this display
	// name. Empty dispatches for every device.
	DeviceName string
}

// motionParams is the payload of a "motion" notification envelope.
type motionParams struct {
	DeviceID  string    `json:"device_id"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Listener holds a push subscription to the event stream and dispatches
// motion notifications with no polling latency. It reconnects forever
// until its context is canceled.
type Listener struct {
	cfg        ListenerConfig
	dialer     EventDialer
	registry   Registry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewListener validates collaborators and applies defaults.
func NewListener(cfg ListenerConfig, dialer EventDialer, registry Registry, dispatcher Dispatcher) (*Listener, error) {
	if dialer == nil {
		return nil, fmt.Errorf("monitor: event dialer is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("monitor: registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("monitor: dispatcher is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}

	return &Listener{
		cfg:        cfg,
		dialer:     dialer,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     zap.L().Named("listener"),
	}, nil
}

// Run dials, consumes, and redials until ctx is canceled. Dial failures
// back off exponentially; a healthy connection resets the backoff.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = l.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := l.dialer.DialEvents(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			l.logger.Warn("event stream dial failed",
				zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		l.logger.Info("event stream connected")

		err = l.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			l.logger.Info("listener stopped")
			return ctx.Err()
		}
		l.logger.Warn("event stream closed, reconnecting", zap.Error(err))
	}
}

// consume reads the connection until it dies. A ping loop keeps the
// stream alive and closes the connection when ctx is canceled, which
// unblocks the read.
func (l *Listener) consume(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(l.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := conn.WriteControl(websocket.PingMessage, []byte{},
					time.Now().Add(pingWriteWait))
				if err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handleMessage(ctx, payload)
	}
}

// handleMessage decodes one notification envelope. Anything that is not
// a well-formed motion notification is logged and dropped; the stream
// must survive junk.
func (l *Listener) handleMessage(ctx context.Context, payload []byte) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		l.logger.Warn("undecodable event message", zap.Error(err))
		return
	}
	if req.Method != motionKind {
		l.logger.Debug("ignoring event", zap.String("method", req.Method))
		return
	}
	if req.Params == nil {
		l.logger.Warn("motion notification without params")
		return
	}

	var params motionParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		l.logger.Warn("undecodable motion params", zap.Error(err))
		return
	}

	dev, ok := l.lookupDevice(ctx, params.DeviceID)
	if !ok {
		l.logger.Warn("motion notification for unknown device",
			zap.String("device", params.DeviceID))
		return
	}
	if l.cfg.DeviceName != "" && dev.Name != l.cfg.DeviceName {
		l.logger.Debug("ignoring motion from unwatched device",
			zap.String("device", dev.Name))
		return
	}

	observedAt := params.CreatedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	sig := device.MotionSignal{
		DeviceID:   params.DeviceID,
		EventID:    params.EventID,
		ObservedAt: observedAt,
	}
	if l.dispatcher.Dispatch(ctx, dev, sig) {
		l.logger.Info("push event dispatched",
			zap.String("device", dev.ID),
			zap.String("event", sig.EventID))
	}
}

// lookupDevice resolves a device id against the cached registry, taking
// one refresh when the id is new since the last fetch.
func (l *Listener) lookupDevice(ctx context.Context, id string) (device.Device, bool) {
	match := func(d device.Device) bool { return d.ID == id }

	if dev, ok := lo.Find(l.registry.Devices(), match); ok {
		return dev, true
	}
	if err := l.registry.Refresh(ctx); err != nil {
		l.logger.Warn("device refresh failed", zap.Error(err))
		return device.Device{}, false
	}
	return lo.Find(l.registry.Devices(), match)
}
