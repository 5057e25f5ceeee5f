package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/geometry"
)

// ReplaySource plays back a newline-delimited JSON recording, one frame per
// line:
//
//	{"seq":1,"ts":"2024-01-01T00:00:00Z","width":1920,"height":1080,"ref":"f1.jpg",
//	 "detections":[{"bbox":[x1,y1,x2,y2],"score":0.9,"class":"plate",
//	   "recognitions":{"crnn":{"text":"ABC123","confidence":0.8}}}]}
//
// The same recording backs the Detector and Recognizer capabilities, which
// lets a camera run end to end without inference models.
type ReplaySource struct {
	cameraID string
	path     string
	loop     bool
	interval time.Duration

	mu      sync.Mutex
	file    *os.File
	scanner *bufio.Scanner
	seq     int64
	last    time.Time
}

type ReplayOption func(*ReplaySource)

// WithLoop rewinds to the first line at end of file instead of ending the stream.
func WithLoop() ReplayOption {
	return func(s *ReplaySource) { s.loop = true }
}

// WithInterval paces frames at a fixed rate.
func WithInterval(d time.Duration) ReplayOption {
	return func(s *ReplaySource) { s.interval = d }
}

func OpenReplay(cameraID, path string, opts ...ReplayOption) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", path, err)
	}
	s := &ReplaySource{cameraID: cameraID, path: path, file: f}
	s.scanner = newScanner(f)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 10<<20)
	return sc
}

func (s *ReplaySource) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, ErrEndOfStream
	}
	if err := s.pace(ctx); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
			}
			if !s.loop {
				return nil, ErrEndOfStream
			}
			if _, err := s.file.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("%w: rewind: %v", ErrFrameUnavailable, err)
			}
			s.scanner = newScanner(s.file)
			continue
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("%w: malformed replay line after seq %d", ErrFrameUnavailable, s.seq)
		}
		s.seq++
		return s.frame(line), nil
	}
}

func (s *ReplaySource) pace(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	if !s.last.IsZero() {
		wait := s.interval - time.Since(s.last)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	s.last = time.Now()
	return nil
}

func (s *ReplaySource) frame(line []byte) *Frame {
	doc := gjson.ParseBytes(line)
	f := &Frame{
		CameraID:  s.cameraID,
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
		Width:     int(doc.Get("width").Int()),
		Height:    int(doc.Get("height").Int()),
		Ref:       doc.Get("ref").String(),
		Payload:   append([]byte(nil), line...),
	}
	if seq := doc.Get("seq"); seq.Exists() {
		f.Seq = seq.Int()
	}
	if ts := doc.Get("ts"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			f.Timestamp = parsed
		}
	}
	return f
}

func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReplayDetector returns the detections recorded in the frame payload.
type ReplayDetector struct{}

func (ReplayDetector) Detect(_ context.Context, frame *Frame) ([]anpr.Detection, error) {
	if !gjson.ValidBytes(frame.Payload) {
		return nil, fmt.Errorf("frame %d: payload is not replay json", frame.Seq)
	}
	var out []anpr.Detection
	gjson.GetBytes(frame.Payload, "detections").ForEach(func(_, d gjson.Result) bool {
		box, ok := parseBox(d.Get("bbox"))
		if !ok {
			return true
		}
		out = append(out, anpr.Detection{
			BBox:  box,
			Score: d.Get("score").Float(),
			Class: d.Get("class").String(),
		})
		return true
	})
	return out, nil
}

// ReplayRecognizer answers for one model name using the recognition recorded
// on the detection that best overlaps the crop.
type ReplayRecognizer struct {
	Model  string
	MinIoU float64
}

func (r ReplayRecognizer) Recognize(_ context.Context, crop Crop) (anpr.RecognitionResult, bool, error) {
	if crop.Frame == nil {
		return anpr.RecognitionResult{}, false, fmt.Errorf("crop has no frame")
	}
	minIoU := r.MinIoU
	if minIoU <= 0 {
		minIoU = 0.5
	}

	var (
		best    gjson.Result
		bestIoU float64
	)
	gjson.GetBytes(crop.Frame.Payload, "detections").ForEach(func(_, d gjson.Result) bool {
		box, ok := parseBox(d.Get("bbox"))
		if !ok {
			return true
		}
		if iou := geometry.IoU(box, crop.BBox); iou >= minIoU && iou > bestIoU {
			best, bestIoU = d, iou
		}
		return true
	})
	if !best.Exists() {
		return anpr.RecognitionResult{}, false, nil
	}

	rec := best.Get("recognitions." + gjson.Escape(r.Model))
	if !rec.Exists() {
		return anpr.RecognitionResult{}, false, nil
	}
	return anpr.RecognitionResult{
		Model:      r.Model,
		Text:       rec.Get("text").String(),
		Confidence: rec.Get("confidence").Float(),
	}, true, nil
}

func parseBox(v gjson.Result) (anpr.BBox, bool) {
	arr := v.Array()
	if len(arr) != 4 {
		return anpr.BBox{}, false
	}
	b := anpr.BBox{X1: arr[0].Float(), Y1: arr[1].Float(), X2: arr[2].Float(), Y2: arr[3].Float()}
	if b.X1 >= b.X2 || b.Y1 >= b.Y2 {
		return anpr.BBox{}, false
	}
	return b, true
}
