// Package device holds the value types shared between the device cloud
// client, the monitor loops, and the capture pipeline.
package device

import "time"

// Device is one camera-equipped unit known to the device cloud. The registry
// owns these values; everything downstream treats them as read-only.
type Device struct {
	ID          string
	Name        string
	TwoWayAudio bool
}

// MotionSignal is a single motion notification for a device, polled from the
// event history or pushed over the event stream. Consumed once by the gate,
// then discarded.
type MotionSignal struct {
	DeviceID   string
	EventID    string
	ObservedAt time.Time
}

// Event is one row of a device's recent event history as the cloud reports
// it. Only motion-kind events become MotionSignals; other kinds (rings,
// on-demand views) pass through the poller untouched.
type Event struct {
	ID        string
	Kind      string
	CreatedAt time.Time
}
