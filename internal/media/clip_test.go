package media

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, path string, rate, channels int, data []int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestLoadClipMonoWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert.wav")
	writeWAV(t, path, 8000, 1, []int{0, 100, -100, 32767, -32768})

	clip, err := LoadClip(path, 8000)
	if err != nil {
		t.Fatalf("LoadClip: %v", err)
	}
	if clip.SampleRate != 8000 {
		t.Fatalf("sample rate = %d, want 8000", clip.SampleRate)
	}
	want := []int16{0, 100, -100, 32767, -32768}
	if len(clip.Samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(clip.Samples), len(want))
	}
	for i, s := range want {
		if clip.Samples[i] != s {
			t.Fatalf("sample %d = %d, want %d", i, clip.Samples[i], s)
		}
	}
}

func TestLoadClipStereoDownmix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert.wav")
	// Interleaved L/R pairs; the loader averages them.
	writeWAV(t, path, 8000, 2, []int{100, 300, -200, -400})

	clip, err := LoadClip(path, 8000)
	if err != nil {
		t.Fatalf("LoadClip: %v", err)
	}
	want := []int16{200, -300}
	if len(clip.Samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(clip.Samples), len(want))
	}
	for i, s := range want {
		if clip.Samples[i] != s {
			t.Fatalf("sample %d = %d, want %d", i, clip.Samples[i], s)
		}
	}
}

func TestLoadClipRateMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert.wav")
	writeWAV(t, path, 44100, 1, []int{1, 2, 3})

	if _, err := LoadClip(path, 8000); err == nil {
		t.Fatal("expected a sample-rate mismatch error")
	}
}

func TestLoadClipRawPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert.pcm")

	samples := []int16{10, -10, 20000}
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}

	clip, err := LoadClip(path, 8000)
	if err != nil {
		t.Fatalf("LoadClip: %v", err)
	}
	for i, s := range samples {
		if clip.Samples[i] != s {
			t.Fatalf("sample %d = %d, want %d", i, clip.Samples[i], s)
		}
	}

	if _, err := LoadClip(path, 0); err == nil {
		t.Fatal("raw PCM without a sample rate should be rejected")
	}
}

func TestLoadClipUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert.mp3")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClip(path, 8000); err == nil {
		t.Fatal("expected an unsupported-format error")
	}
}

func TestClipDuration(t *testing.T) {
	clip := &Clip{Samples: make([]int16, 8000), SampleRate: 8000}
	if d := clip.Duration(); d.Seconds() != 1.0 {
		t.Fatalf("duration = %v, want 1s", d)
	}
}
