package media

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gocv.io/x/gocv"
)

// DefaultJPEGQuality is used when a transcoder has no explicit quality set.
const DefaultJPEGQuality = 85

// OpenCVTranscoder turns a short H264 elementary stream (AnnexB bytes,
// starting at a keyframe) into one JPEG still. It decodes through OpenCV's
// ffmpeg backend and keeps the last complete picture. The stream is staged
// in a temp file because the backend demuxes from a path, not memory.
type OpenCVTranscoder struct {
	Quality int
}

func (t *OpenCVTranscoder) EncodeStill(ctx context.Context, annexb []byte) ([]byte, error) {
	if len(annexb) == 0 {
		return nil, errors.New("empty elementary stream")
	}

	tmp, err := os.CreateTemp("", "porchwatch-*.h264")
	if err != nil {
		return nil, fmt.Errorf("failed to stage elementary stream: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(annexb); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to stage elementary stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to stage elementary stream: %w", err)
	}

	capture, err := gocv.VideoCaptureFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for decoding: %w", err)
	}
	defer capture.Close()

	picture := gocv.NewMat()
	defer picture.Close()
	frame := gocv.NewMat()
	defer frame.Close()

	decoded := 0
	for capture.Read(&frame) {
		if frame.Empty() {
			continue
		}
		frame.CopyTo(&picture)
		decoded++
		if ctx.Err() != nil {
			break
		}
	}
	if decoded == 0 || picture.Empty() {
		return nil, errors.New("no decodable picture in stream")
	}

	quality := t.Quality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, picture, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
