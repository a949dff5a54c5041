// Package media holds the audio clip source and the still-image transcoding
// used by capture sessions: decoded PCM clips paced out as fixed 20ms frames
// on the push path, and H264 elementary streams turned into JPEG stills on
// the pull path.
package media

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// Clip is a fully decoded mono audio buffer.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the clip's playback length.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// LoadClip decodes an audio file into a mono PCM buffer. WAV files must be
// 16-bit PCM and match wantRate exactly; stereo is downmixed by averaging.
// Raw .pcm/.raw files are taken as signed 16-bit little-endian mono at
// wantRate.
func LoadClip(path string, wantRate int) (*Clip, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		return loadWAV(path, wantRate)
	case ".pcm", ".raw":
		return loadRawPCM(path, wantRate)
	default:
		return nil, fmt.Errorf("unsupported clip format %q (want .wav, .pcm or .raw)", ext)
	}
}

func loadWAV(path string, wantRate int) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open clip: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("clip must be 16-bit PCM, got %d-bit", dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	rate := buf.Format.SampleRate
	if wantRate > 0 && rate != wantRate {
		return nil, fmt.Errorf("clip sample rate %dHz does not match required %dHz", rate, wantRate)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		return nil, fmt.Errorf("clip has no audio channels")
	}

	samples := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i+c]
		}
		samples = append(samples, int16(sum/channels))
	}

	return &Clip{Samples: samples, SampleRate: rate}, nil
}

func loadRawPCM(path string, wantRate int) (*Clip, error) {
	if wantRate <= 0 {
		return nil, fmt.Errorf("raw PCM clips need an explicit sample rate")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clip: %w", err)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("raw PCM clip has an odd byte length (%d)", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}

	return &Clip{Samples: samples, SampleRate: wantRate}, nil
}
