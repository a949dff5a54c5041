package rtc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse means the device's negotiation endpoint returned no
	// usable answer for our offer.
	ErrNoResponse = errors.New("no answer from device")

	// ErrCaptureTimeout means the session deadline elapsed before the
	// operation produced its result.
	ErrCaptureTimeout = errors.New("capture deadline exceeded")

	// ErrUnsupportedCodec means the device offered a video codec the
	// still decoder cannot handle.
	ErrUnsupportedCodec = errors.New("unsupported video codec")
)

// NegotiationRejectedError is returned when the device endpoint explicitly
// refuses an offer, as opposed to transport failures reaching it.
type NegotiationRejectedError struct {
	DeviceID string
	Reason   string
}

func (e *NegotiationRejectedError) Error() string {
	return fmt.Sprintf("device %s rejected negotiation: %s", e.DeviceID, e.Reason)
}
