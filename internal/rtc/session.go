package rtc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks where a capture session is in its lifecycle. Sessions
// move negotiating -> connected -> one terminal outcome -> closed; the first
// terminal outcome recorded wins.
type SessionState int

const (
	SessionNegotiating SessionState = iota
	SessionConnected
	SessionSucceeded
	SessionTimedOut
	SessionFailed
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNegotiating:
		return "negotiating"
	case SessionConnected:
		return "connected"
	case SessionSucceeded:
		return "succeeded"
	case SessionTimedOut:
		return "timed_out"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction names which of the two session shapes is running.
type Direction string

const (
	DirectionPullVideo Direction = "pull-video"
	DirectionPushAudio Direction = "push-audio"
)

// CaptureSession is one negotiated media exchange with a device. It lives
// for exactly one PullFrame or PushAudioClip call and is always closed by
// the call that created it.
type CaptureSession struct {
	ID        string
	DeviceID  string
	Direction Direction
	Deadline  time.Time

	// SessionID is assigned by the device during negotiation and is the
	// handle remote teardown is addressed to. Empty until the answer
	// arrives; a session that never got one has nothing to tear down
	// remotely.
	SessionID string

	mu      sync.Mutex
	state   SessionState
	started time.Time

	closeOnce sync.Once
}

func newSession(deviceID string, direction Direction, deadline time.Time) *CaptureSession {
	return &CaptureSession{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Direction: direction,
		Deadline:  deadline,
		state:     SessionNegotiating,
		started:   time.Now(),
	}
}

func (s *CaptureSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CaptureSession) Elapsed() time.Duration {
	return time.Since(s.started)
}

// markConnected records the transport coming up. Ignored if a terminal
// outcome beat it there.
func (s *CaptureSession) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionNegotiating {
		s.state = SessionConnected
	}
}

// finish records the session outcome. Only the first terminal outcome
// sticks; later calls are ignored.
func (s *CaptureSession) finish(outcome SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionNegotiating || s.state == SessionConnected {
		s.state = outcome
	}
}

func (s *CaptureSession) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionClosed
}
