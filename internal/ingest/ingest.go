// Package ingest declares the capabilities the pipeline consumes from the
// outside world: a frame source, a detector and per-model recognizers.
package ingest

import (
	"context"
	"errors"
	"time"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/geometry"
)

var (
	// ErrEndOfStream means the source has no more frames and will not produce
	// any; the camera loop stops cleanly.
	ErrEndOfStream = errors.New("end of stream")
	// ErrFrameUnavailable is a transient read failure; the loop moves on.
	ErrFrameUnavailable = errors.New("frame unavailable")
)

// Frame is an opaque decoded frame. Payload is whatever the source and its
// models agree on; the pipeline never looks inside it.
type Frame struct {
	CameraID  string
	Seq       int64
	Timestamp time.Time
	Width     int
	Height    int
	Ref       string
	Payload   []byte
}

// Crop is a region of a frame handed to recognizers.
type Crop struct {
	Frame *Frame
	BBox  anpr.BBox
}

// NewCrop clips b to the frame bounds.
func NewCrop(f *Frame, b anpr.BBox) Crop {
	if f.Width > 0 && f.Height > 0 {
		b = geometry.Clip(b, f.Width, f.Height)
	}
	return Crop{Frame: f, BBox: b}
}

type FrameSource interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]anpr.Detection, error)
}

// Recognizer reads plate text from a crop. ok is false when the model has no
// opinion for this crop.
type Recognizer interface {
	Recognize(ctx context.Context, crop Crop) (res anpr.RecognitionResult, ok bool, err error)
}
