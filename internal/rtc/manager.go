// Package rtc negotiates short-lived WebRTC sessions against camera devices.
// It exposes exactly two operations: pull one still frame from a device's
// video stream, and push a synthetic audio clip through the device speaker.
// Every session is bounded by a deadline and torn down on all exit paths.
package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/zaf/g711"
	"go.uber.org/zap"

	"github.com/porchwatch/porchwatch/internal/device"
)

const (
	DefaultFrameTimeout = 15 * time.Second
	DefaultWarmupFrames = 5
	DefaultHoldMargin   = 500 * time.Millisecond

	teardownTimeout = 5 * time.Second

	// sampleBuilderDepth is how many out-of-order RTP packets the
	// depacketizer buffers; a keyframe at typical doorbell bitrates spans
	// well under this many packets.
	sampleBuilderDepth = 256

	// PCMUClockRate is the sample rate G.711 µ-law tracks run at. Audio
	// clips must be decoded to this rate before they can be pushed.
	PCMUClockRate = 8000
)

// Answer is the remote peer's reply to a local offer. The device assigns the
// session its identifier during this exchange; it is the handle later
// teardown must use.
type Answer struct {
	SDP       string
	SessionID string
}

// Negotiator exchanges session descriptions with one device and tears
// sessions down again. Implementations are expected to treat Teardown as
// idempotent.
type Negotiator interface {
	Negotiate(ctx context.Context, deviceID, offerSDP string) (Answer, error)
	Teardown(ctx context.Context, deviceID, sessionID string) error
}

// AudioSource yields successive fixed-duration mono PCM frames. Sources are
// single-use; a fresh one is built per push.
type AudioSource interface {
	NextFrame() []int16
	SampleRate() int
}

// StillEncoder turns a short H264 elementary stream into one compressed
// still image.
type StillEncoder interface {
	EncodeStill(ctx context.Context, annexb []byte) ([]byte, error)
}

// Frame is one still image captured from a device.
type Frame struct {
	Data       []byte
	DeviceID   string
	SessionID  string
	CapturedAt time.Time
}

// Config carries the session manager knobs.
type Config struct {
	// FrameTimeout bounds negotiation and first-frame arrival together
	// under a single deadline.
	FrameTimeout time.Duration

	// WarmupFrames is how many leading decodable frames to discard while
	// the stream settles before keeping one.
	WarmupFrames int

	// HoldMargin is added to an audio clip's duration so the tail of the
	// buffered audio drains before teardown.
	HoldMargin time.Duration

	// ICEServers lists STUN/TURN URLs. Nil means the default public STUN
	// set; an explicitly empty slice means host candidates only.
	ICEServers []string
}

func (c *Config) applyDefaults() {
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = DefaultFrameTimeout
	}
	if c.WarmupFrames < 0 {
		c.WarmupFrames = 0
	} else if c.WarmupFrames == 0 {
		c.WarmupFrames = DefaultWarmupFrames
	}
	if c.HoldMargin <= 0 {
		c.HoldMargin = DefaultHoldMargin
	}
	if c.ICEServers == nil {
		c.ICEServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		}
	}
}

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	FramesPulled int64
	ClipsPushed  int64
	Timeouts     int64
	Failures     int64
}

// Manager owns WebRTC session setup and teardown. It is safe for concurrent
// use; every operation builds its own peer connection and session.
type Manager struct {
	cfg        Config
	pcConfig   webrtc.Configuration
	negotiator Negotiator
	encoder    StillEncoder
	logger     *zap.Logger

	framesPulled atomic.Int64
	clipsPushed  atomic.Int64
	timeouts     atomic.Int64
	failures     atomic.Int64
}

func NewManager(cfg Config, negotiator Negotiator, encoder StillEncoder) (*Manager, error) {
	if negotiator == nil {
		return nil, errors.New("rtc: negotiator is required")
	}
	if encoder == nil {
		return nil, errors.New("rtc: still encoder is required")
	}
	cfg.applyDefaults()

	pcConfig := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(cfg.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Manager{
		cfg:        cfg,
		pcConfig:   pcConfig,
		negotiator: negotiator,
		encoder:    encoder,
		logger:     zap.L().Named("rtc-manager"),
	}, nil
}

func (m *Manager) GetStats() Stats {
	return Stats{
		FramesPulled: m.framesPulled.Load(),
		ClipsPushed:  m.clipsPushed.Load(),
		Timeouts:     m.timeouts.Load(),
		Failures:     m.failures.Load(),
	}
}

// PullFrame negotiates a receive-only session with the device, waits for the
// stream to settle, and returns one still image. Negotiation and first-frame
// arrival share one deadline. The session is torn down on every exit path.
func (m *Manager) PullFrame(ctx context.Context, dev device.Device) (Frame, error) {
	deadline := time.Now().Add(m.cfg.FrameTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sess := newSession(dev.ID, DirectionPullVideo, deadline)
	logger := m.logger.With(
		zap.String("device", dev.ID),
		zap.String("session", sess.ID),
		zap.String("direction", string(sess.Direction)),
	)

	pc, err := m.newPeerConnection(sess, logger)
	if err != nil {
		m.failures.Add(1)
		return Frame{}, fmt.Errorf("rtc: create peer connection: %w", err)
	}
	defer m.closeSession(sess, pc, logger)

	// First qualifying frame resolves the capture exactly once; anything
	// after that is ignored.
	results := make(chan frameResult, 1)
	resolve := func(data []byte, err error) {
		select {
		case results <- frameResult{data: data, err: err}:
		default:
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("inbound track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			go m.collectFirstFrame(ctx, track, resolve)
		case webrtc.RTPCodecTypeAudio:
			// Offered only because the device refuses offers
			// without it; the packets are discarded.
			go drainTrack(ctx, track)
		}
	})

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			m.failures.Add(1)
			sess.finish(SessionFailed)
			return Frame{}, fmt.Errorf("rtc: add %s transceiver: %w", kind, err)
		}
	}

	if err := m.negotiate(ctx, pc, sess); err != nil {
		return Frame{}, m.failNegotiation(sess, logger, err)
	}

	var annexb []byte
	select {
	case res := <-results:
		if res.err != nil {
			m.failures.Add(1)
			sess.finish(SessionFailed)
			logger.Error("frame capture failed", zap.Error(res.err))
			return Frame{}, res.err
		}
		annexb = res.data
	case <-ctx.Done():
		m.timeouts.Add(1)
		sess.finish(SessionTimedOut)
		logger.Warn("no frame before deadline", zap.Duration("elapsed", sess.Elapsed()))
		return Frame{}, ErrCaptureTimeout
	}

	capturedAt := time.Now()
	sess.finish(SessionSucceeded)
	logger.Info("frame captured",
		zap.Int("stream_bytes", len(annexb)),
		zap.Duration("elapsed", sess.Elapsed()))

	// Encoding is local work; it must not be starved by whatever is left
	// of the capture deadline.
	still, err := m.encoder.EncodeStill(context.WithoutCancel(ctx), annexb)
	if err != nil {
		m.failures.Add(1)
		return Frame{}, fmt.Errorf("rtc: encode still: %w", err)
	}
	m.framesPulled.Add(1)

	return Frame{
		Data:       still,
		DeviceID:   dev.ID,
		SessionID:  sess.SessionID,
		CapturedAt: capturedAt,
	}, nil
}

// PushAudioClip negotiates a send-only audio session and streams the source
// through the device speaker. After the transport connects, the session is
// held open for duration plus a fixed margin so buffered audio drains, then
// torn down like any other session.
func (m *Manager) PushAudioClip(ctx context.Context, dev device.Device, source AudioSource, duration time.Duration) error {
	if source == nil {
		return errors.New("rtc: audio source is required")
	}
	if duration <= 0 {
		return errors.New("rtc: clip duration must be positive")
	}
	if source.SampleRate() != PCMUClockRate {
		return fmt.Errorf("rtc: audio source must be %d Hz, got %d", PCMUClockRate, source.SampleRate())
	}

	deadline := time.Now().Add(m.cfg.FrameTimeout)
	negotiateCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sess := newSession(dev.ID, DirectionPushAudio, deadline)
	logger := m.logger.With(
		zap.String("device", dev.ID),
		zap.String("session", sess.ID),
		zap.String("direction", string(sess.Direction)),
	)

	pc, err := m.newPeerConnection(sess, logger)
	if err != nil {
		m.failures.Add(1)
		return fmt.Errorf("rtc: create peer connection: %w", err)
	}
	defer m.closeSession(sess, pc, logger)

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: PCMUClockRate,
		Channels:  1,
	}, "audio", "porchwatch-alert")
	if err != nil {
		m.failures.Add(1)
		sess.finish(SessionFailed)
		return fmt.Errorf("rtc: create audio track: %w", err)
	}

	transceiver, err := pc.AddTransceiverFromTrack(audioTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		m.failures.Add(1)
		sess.finish(SessionFailed)
		return fmt.Errorf("rtc: add audio transceiver: %w", err)
	}
	go drainRTCP(transceiver.Sender())

	// The device requires a video section in the offer even though we
	// never read it.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		m.failures.Add(1)
		sess.finish(SessionFailed)
		return fmt.Errorf("rtc: add video transceiver: %w", err)
	}

	connected := make(chan struct{})
	pc.OnConnectionStateChange(connectionStateLogger(sess, logger, connected))

	if err := m.negotiate(negotiateCtx, pc, sess); err != nil {
		return m.failNegotiation(sess, logger, err)
	}

	select {
	case <-connected:
		sess.markConnected()
	case <-negotiateCtx.Done():
		m.timeouts.Add(1)
		sess.finish(SessionTimedOut)
		logger.Warn("transport never connected", zap.Duration("elapsed", sess.Elapsed()))
		return ErrCaptureTimeout
	}

	writeCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go m.streamAudio(writeCtx, source, audioTrack, logger)

	hold := duration + m.cfg.HoldMargin
	logger.Info("streaming audio clip", zap.Duration("hold", hold))
	select {
	case <-time.After(hold):
	case <-ctx.Done():
		m.failures.Add(1)
		sess.finish(SessionFailed)
		return fmt.Errorf("rtc: audio push interrupted: %w", ctx.Err())
	}

	sess.finish(SessionSucceeded)
	m.clipsPushed.Add(1)
	return nil
}

type frameResult struct {
	data []byte
	err  error
}

// collectFirstFrame reassembles inbound RTP into access units, waits for a
// decodable starting point, lets the stream warm up, and resolves the
// capture with an elementary stream ending at the frame to keep.
func (m *Manager) collectFirstFrame(ctx context.Context, track *webrtc.TrackRemote, resolve func([]byte, error)) {
	codec := track.Codec()
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264) {
		resolve(nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType))
		return
	}

	builder := samplebuilder.New(sampleBuilderDepth, &codecs.H264Packet{}, codec.ClockRate)

	var (
		stream    []byte
		collected int
		started   bool
	)
	for {
		if ctx.Err() != nil {
			return
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				resolve(nil, errors.New("video track ended before a frame arrived"))
			} else {
				resolve(nil, fmt.Errorf("read video rtp: %w", err))
			}
			return
		}
		builder.Push(pkt)

		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if !started {
				// A decoder cannot start mid-group; wait for a
				// keyframe.
				if !containsIDR(sample.Data) {
					continue
				}
				started = true
			}
			stream = append(stream, sample.Data...)
			collected++
			if collected > m.cfg.WarmupFrames {
				resolve(stream, nil)
				return
			}
		}
	}
}

// streamAudio writes paced 20ms frames until the context is canceled. The
// source keeps yielding silence after its buffer runs out, so the loop's
// lifetime is governed entirely by the caller's hold window.
func (m *Manager) streamAudio(ctx context.Context, source AudioSource, track *webrtc.TrackLocalStaticSample, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame := source.NextFrame()
		sample := media.Sample{
			Data:     encodeULaw(frame),
			Duration: time.Duration(len(frame)) * time.Second / PCMUClockRate,
		}
		if err := track.WriteSample(sample); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Warn("writing audio sample", zap.Error(err))
			return
		}
	}
}

// negotiate runs the offer/gather/exchange/apply sequence. The device
// rejects offers whose network-path description is incomplete, so the local
// description is not exported until gathering finishes.
func (m *Manager) negotiate(ctx context.Context, pc *webrtc.PeerConnection, sess *CaptureSession) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ErrCaptureTimeout
	}

	local := pc.LocalDescription()
	if local == nil {
		return errors.New("no local description after gathering")
	}

	answer, err := m.negotiator.Negotiate(ctx, sess.DeviceID, local.SDP)
	if err != nil {
		return err
	}
	if answer.SDP == "" {
		return ErrNoResponse
	}
	sess.SessionID = answer.SessionID

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	return nil
}

// failNegotiation classifies a negotiation error, records it on the session,
// and normalizes deadline expiry to the capture timeout.
func (m *Manager) failNegotiation(sess *CaptureSession, logger *zap.Logger, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCaptureTimeout) {
		m.timeouts.Add(1)
		sess.finish(SessionTimedOut)
		logger.Warn("negotiation timed out", zap.Duration("elapsed", sess.Elapsed()))
		return ErrCaptureTimeout
	}
	m.failures.Add(1)
	sess.finish(SessionFailed)
	logger.Error("negotiation failed", zap.Error(err))
	return fmt.Errorf("rtc: negotiate with device %s: %w", sess.DeviceID, err)
}

// closeSession is the single terminal step for every session: best-effort
// remote teardown by the assigned id, then local resource release. It runs
// exactly once per session no matter how many exit paths reach it, and its
// failures never propagate.
func (m *Manager) closeSession(sess *CaptureSession, pc *webrtc.PeerConnection, logger *zap.Logger) {
	sess.closeOnce.Do(func() {
		outcome := sess.State()

		if sess.SessionID != "" {
			// The capture context is usually expired by now;
			// teardown gets its own short one.
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if err := m.negotiator.Teardown(ctx, sess.DeviceID, sess.SessionID); err != nil {
				logger.Warn("session teardown failed", zap.Error(err))
			}
		}

		if err := pc.Close(); err != nil {
			logger.Warn("closing peer connection", zap.Error(err))
		}

		sess.markClosed()
		logger.Debug("session closed",
			zap.String("outcome", outcome.String()),
			zap.Duration("lifetime", sess.Elapsed()))
	})
}

func (m *Manager) newPeerConnection(sess *CaptureSession, logger *zap.Logger) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(m.pcConfig)
	if err != nil {
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ice connection state", zap.String("state", state.String()))
	})
	pc.OnConnectionStateChange(connectionStateLogger(sess, logger, nil))

	return pc, nil
}

// connectionStateLogger builds the shared state-change callback. When
// connected is non-nil it is closed the first time the transport comes up.
func connectionStateLogger(sess *CaptureSession, logger *zap.Logger, connected chan struct{}) func(webrtc.PeerConnectionState) {
	var once atomic.Bool
	return func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateConnected {
			sess.markConnected()
			if connected != nil && once.CompareAndSwap(false, true) {
				close(connected)
			}
		}
	}
}

// drainTrack reads and discards inbound packets so the transport's receive
// window keeps moving.
func drainTrack(ctx context.Context, track *webrtc.TrackRemote) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// drainRTCP services sender reports on an outbound track.
func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// encodeULaw converts one PCM frame to the G.711 mu-law bytes the audio
// track carries.
func encodeULaw(frame []int16) []byte {
	lpcm := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(lpcm[i*2:], uint16(s))
	}
	return g711.EncodeUlaw(lpcm)
}
