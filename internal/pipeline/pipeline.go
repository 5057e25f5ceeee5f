// Package pipeline runs the per-camera processing loop: read a frame, detect,
// track, recognize confirmed tracks, evaluate zones and dispatch events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/ensemble"
	"anpr-edge/internal/event"
	"anpr-edge/internal/ingest"
	"anpr-edge/internal/tracker"
	"anpr-edge/internal/zone"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var ErrAlreadyStarted = errors.New("camera already started")

type Dispatcher interface {
	Dispatch(ctx context.Context, event anpr.PlateEvent) error
}

// Recognition decides plate text for a crop. ensemble.Engine implements it.
type Recognition interface {
	Run(ctx context.Context, crop ingest.Crop) (ensemble.Decision, []anpr.ModelVote, error)
}

type Config struct {
	CameraID       string
	PlateClass     string
	MinConfidence  float64
	ZoneEventsOnly bool
	ReadRetryDelay time.Duration
}

type Deps struct {
	Source     ingest.FrameSource
	Detector   ingest.Detector
	Tracker    *tracker.Tracker
	Zones      []anpr.Zone
	Recognizer Recognition
	Builder    *event.Builder
	Dispatcher Dispatcher
	Log        zerolog.Logger
}

type Stats struct {
	Frames         uint64    `json:"frames"`
	ReadErrors     uint64    `json:"read_errors"`
	DetectErrors   uint64    `json:"detect_errors"`
	Recognitions   uint64    `json:"recognitions"`
	Inconclusive   uint64    `json:"inconclusive"`
	ZoneEvents     uint64    `json:"zone_events"`
	Events         uint64    `json:"events"`
	DispatchErrors uint64    `json:"dispatch_errors"`
	LiveTracks     int       `json:"live_tracks"`
	LastFrameAt    time.Time `json:"last_frame_at,omitempty"`
}

type Status struct {
	CameraID string `json:"camera_id"`
	State    State  `json:"state"`
	Stats    Stats  `json:"stats"`
}

// Camera owns every piece of per-camera state: the tracker table and the
// zone membership table are never shared with another camera.
type Camera struct {
	cfg        Config
	source     ingest.FrameSource
	detector   ingest.Detector
	tracker    *tracker.Tracker
	zones      []anpr.Zone
	zoneState  *zone.State
	held       map[int64][]anpr.ZoneEvent
	recognizer Recognition
	builder    *event.Builder
	dispatcher Dispatcher
	log        zerolog.Logger

	mu    sync.RWMutex
	state State
	stats Stats
}

func New(cfg Config, deps Deps) (*Camera, error) {
	switch {
	case cfg.CameraID == "":
		return nil, errors.New("camera id is required")
	case deps.Source == nil:
		return nil, fmt.Errorf("camera %s: frame source is required", cfg.CameraID)
	case deps.Detector == nil:
		return nil, fmt.Errorf("camera %s: detector is required", cfg.CameraID)
	case deps.Tracker == nil:
		return nil, fmt.Errorf("camera %s: tracker is required", cfg.CameraID)
	case deps.Recognizer == nil:
		return nil, fmt.Errorf("camera %s: recognizer is required", cfg.CameraID)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("camera %s: dispatcher is required", cfg.CameraID)
	}
	for _, z := range deps.Zones {
		if err := zone.Validate(z); err != nil {
			return nil, fmt.Errorf("camera %s: %w", cfg.CameraID, err)
		}
	}
	if cfg.PlateClass == "" {
		cfg.PlateClass = "plate"
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = 100 * time.Millisecond
	}
	builder := deps.Builder
	if builder == nil {
		builder = event.NewBuilder(cfg.CameraID)
	}

	return &Camera{
		cfg:        cfg,
		source:     deps.Source,
		detector:   deps.Detector,
		tracker:    deps.Tracker,
		zones:      deps.Zones,
		zoneState:  zone.NewState(),
		held:       make(map[int64][]anpr.ZoneEvent),
		recognizer: deps.Recognizer,
		builder:    builder,
		dispatcher: deps.Dispatcher,
		log:        deps.Log.With().Str("camera_id", cfg.CameraID).Logger(),
		state:      StateIdle,
	}, nil
}

func (c *Camera) ID() string { return c.cfg.CameraID }

// Run processes frames until ctx is cancelled or the source ends. A frame that
// is already being processed when ctx is cancelled is finished, dispatch
// included, before Run returns. The frame source is closed on return.
func (c *Camera) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.log.Info().Int("zones", len(c.zones)).Msg("camera pipeline started")
	defer func() {
		if err := c.source.Close(); err != nil {
			c.log.Warn().Err(err).Msg("failed to close frame source")
		}
		c.setState(StateStopped)
		c.log.Info().Msg("camera pipeline stopped")
	}()

	inflight := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := c.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrEndOfStream):
				c.log.Info().Msg("frame source exhausted")
				return nil
			case ctx.Err() != nil:
				return nil
			}
			c.bump(func(s *Stats) { s.ReadErrors++ })
			c.log.Warn().Err(err).Msg("frame read failed")
			if !sleep(ctx, c.cfg.ReadRetryDelay) {
				return nil
			}
			continue
		}

		if err := c.ProcessFrame(inflight, frame); err != nil {
			return err
		}
	}
}

// ProcessFrame runs one frame through the pipeline. Detector, recognizer and
// dispatch failures are logged and absorbed; the returned error is reserved
// for tracker/zone lifecycle violations.
func (c *Camera) ProcessFrame(ctx context.Context, frame *ingest.Frame) error {
	c.bump(func(s *Stats) {
		s.Frames++
		s.LastFrameAt = time.Now().UTC()
	})

	detections, err := c.detector.Detect(ctx, frame)
	if err != nil {
		c.bump(func(s *Stats) { s.DetectErrors++ })
		c.log.Warn().Err(err).Int64("seq", frame.Seq).Msg("detection failed, skipping frame")
		return nil
	}

	plates := detections[:0:0]
	for _, d := range detections {
		if d.Class == c.cfg.PlateClass {
			plates = append(plates, d)
		}
	}

	tracks := c.tracker.Update(plates)
	if evicted := c.tracker.Evicted(); len(evicted) > 0 {
		ids := make([]int64, 0, len(evicted))
		for _, tr := range evicted {
			ids = append(ids, tr.ID)
		}
		c.zoneState.Forget(ids...)
		for _, id := range ids {
			delete(c.held, id)
		}
		c.log.Debug().Ints64("track_ids", ids).Msg("tracks evicted")
	}

	zoneEvents, err := zone.Evaluate(tracks, c.zones, c.zoneState)
	if err != nil {
		return fmt.Errorf("camera %s frame %d: %w", c.cfg.CameraID, frame.Seq, err)
	}
	for _, ze := range zoneEvents {
		c.hold(ze)
		c.log.Debug().
			Int64("track_id", ze.TrackID).
			Str("zone_id", ze.ZoneID).
			Str("transition", string(ze.Type)).
			Msg("zone transition")
	}
	c.bump(func(s *Stats) {
		s.ZoneEvents += uint64(len(zoneEvents))
		s.LiveTracks = len(tracks)
	})

	for _, tr := range tracks {
		if tr.State != anpr.TrackConfirmed || !tr.Matched {
			continue
		}
		c.recognize(ctx, frame, tr)
	}
	return nil
}

// hold keeps a transition until the track produces its next event. An enter
// and an exit of the same zone that are both still held cancel out, so the
// next event sees the net change since the last one.
func (c *Camera) hold(ze anpr.ZoneEvent) {
	held := c.held[ze.TrackID]
	for i, prev := range held {
		if prev.ZoneID != ze.ZoneID {
			continue
		}
		held = append(held[:i], held[i+1:]...)
		if len(held) == 0 {
			delete(c.held, ze.TrackID)
		} else {
			c.held[ze.TrackID] = held
		}
		return
	}
	c.held[ze.TrackID] = append(held, ze)
}

func (c *Camera) recognize(ctx context.Context, frame *ingest.Frame, tr anpr.Track) {
	crop := ingest.NewCrop(frame, tr.Detection.BBox)
	decision, votes, err := c.recognizer.Run(ctx, crop)
	c.bump(func(s *Stats) { s.Recognitions++ })
	if err != nil {
		c.log.Warn().Err(err).Int64("track_id", tr.ID).Msg("recognition failed")
		return
	}
	if decision.Inconclusive() || decision.Confidence < c.cfg.MinConfidence {
		c.bump(func(s *Stats) { s.Inconclusive++ })
		c.log.Debug().
			Int64("track_id", tr.ID).
			Str("text", decision.Text).
			Float64("confidence", decision.Confidence).
			Msg("recognition inconclusive")
		return
	}

	ev := c.builder.Build(frame, tr, decision, votes)
	transitions := c.held[tr.ID]
	delete(c.held, tr.ID)
	if len(transitions) == 0 {
		if c.cfg.ZoneEventsOnly {
			return
		}
		c.dispatch(ctx, ev)
		return
	}
	for _, ze := range transitions {
		c.dispatch(ctx, ev.WithZone(ze))
	}
}

func (c *Camera) dispatch(ctx context.Context, ev anpr.PlateEvent) {
	if err := c.dispatcher.Dispatch(ctx, ev); err != nil {
		c.bump(func(s *Stats) { s.DispatchErrors++ })
		c.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("dispatch failed")
		return
	}
	c.bump(func(s *Stats) { s.Events++ })

	logEvent := c.log.Info().
		Str("event_id", ev.ID.String()).
		Int64("track_id", ev.TrackID).
		Str("plate", ev.NormalizedPlate).
		Float64("confidence", ev.Confidence)
	if ev.Zone != nil {
		logEvent = logEvent.Str("zone_id", ev.Zone.ZoneID).Str("transition", string(ev.Zone.Type))
	}
	logEvent.Msg("plate event dispatched")
}

func (c *Camera) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{CameraID: c.cfg.CameraID, State: c.state, Stats: c.stats}
}

func (c *Camera) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Camera) bump(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
