package media

import "time"

// FrameDuration is the fixed length of every emitted audio frame.
const FrameDuration = 20 * time.Millisecond

// TimedSource emits a clip as a finite sequence of fixed 20ms mono PCM
// frames in real time. Frame N is never released before N x 20ms of wall
// clock has passed since the first request; once the clip runs out the
// source keeps emitting silence so the enclosing session can stay open for
// its declared duration. A source belongs to exactly one playback; start a
// new playback by constructing a new source.
type TimedSource struct {
	samples    []int16
	sampleRate int
	perFrame   int
	pos        int
	started    time.Time
}

// NewTimedSource wraps a decoded clip. A positive max truncates playback to
// that duration; the silence tail afterwards is unaffected.
func NewTimedSource(clip *Clip, max time.Duration) *TimedSource {
	samples := clip.Samples
	if max > 0 {
		limit := int(max.Seconds() * float64(clip.SampleRate))
		if limit < len(samples) {
			samples = samples[:limit]
		}
	}
	return &TimedSource{
		samples:    samples,
		sampleRate: clip.SampleRate,
		perFrame:   clip.SampleRate / int(time.Second/FrameDuration),
	}
}

// NextFrame returns the next 20ms frame, sleeping until the frame's
// scheduled release when the source is running ahead of real time. Frames
// past the end of the clip are zero-filled.
func (s *TimedSource) NextFrame() []int16 {
	if s.started.IsZero() {
		s.started = time.Now()
	}

	if s.pos > 0 {
		target := int(time.Since(s.started).Seconds() * float64(s.sampleRate))
		if ahead := s.pos - target; ahead > 0 {
			time.Sleep(time.Duration(ahead) * time.Second / time.Duration(s.sampleRate))
		}
	}

	frame := make([]int16, s.perFrame)
	if s.pos < len(s.samples) {
		end := s.pos + s.perFrame
		if end > len(s.samples) {
			end = len(s.samples)
		}
		copy(frame, s.samples[s.pos:end])
	}
	s.pos += s.perFrame
	return frame
}

// Exhausted reports whether all clip samples have been emitted and the
// source is now producing silence.
func (s *TimedSource) Exhausted() bool {
	return s.pos >= len(s.samples)
}

// SampleRate returns the source's fixed sample rate.
func (s *TimedSource) SampleRate() int {
	return s.sampleRate
}
