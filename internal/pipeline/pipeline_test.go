package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/ensemble"
	"anpr-edge/internal/ingest"
	"anpr-edge/internal/tracker"
)

// scriptSource replays a fixed list of results, then reports end of stream.
type scriptSource struct {
	mu     sync.Mutex
	steps  []sourceStep
	closed bool
}

type sourceStep struct {
	frame *ingest.Frame
	err   error
}

func (s *scriptSource) Next(ctx context.Context) (*ingest.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return nil, ingest.ErrEndOfStream
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.frame, st.err
}

func (s *scriptSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// mapDetector returns detections keyed by frame sequence number.
type mapDetector struct {
	byFrame map[int64][]anpr.Detection
	fail    map[int64]bool
}

func (d mapDetector) Detect(_ context.Context, f *ingest.Frame) ([]anpr.Detection, error) {
	if d.fail[f.Seq] {
		return nil, errors.New("inference failed")
	}
	return d.byFrame[f.Seq], nil
}

// countingRecognizer answers with confs[n] on its n-th call while the script
// lasts, then with conf.
type countingRecognizer struct {
	calls atomic.Int32
	text  string
	conf  float64
	confs []float64
}

func (r *countingRecognizer) Recognize(_ context.Context, _ ingest.Crop) (anpr.RecognitionResult, bool, error) {
	n := int(r.calls.Add(1)) - 1
	conf := r.conf
	if n < len(r.confs) {
		conf = r.confs[n]
	}
	return anpr.RecognitionResult{Text: r.text, Confidence: conf}, true, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []anpr.PlateEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev anpr.PlateEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) Events() []anpr.PlateEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]anpr.PlateEvent(nil), d.events...)
}

func det(x1, y1, x2, y2 float64) anpr.Detection {
	return anpr.Detection{BBox: anpr.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Score: 0.9, Class: "plate"}
}

func frames(cameraID string, n int) []sourceStep {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]sourceStep, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, sourceStep{frame: &ingest.Frame{
			CameraID:  cameraID,
			Seq:       int64(i),
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Width:     640,
			Height:    480,
		}})
	}
	return out
}

var gate = anpr.Zone{
	ID:   "gate",
	Name: "Gate",
	Polygon: anpr.Polygon{
		{X: 100, Y: 100}, {X: 300, Y: 100}, {X: 300, Y: 300}, {X: 100, Y: 300},
	},
}

type fixture struct {
	source     *scriptSource
	recognizer *countingRecognizer
	dispatcher *recordingDispatcher
	camera     *Camera
}

func newFixture(t *testing.T, cfg Config, detector mapDetector, steps []sourceStep, zones ...anpr.Zone) *fixture {
	t.Helper()

	rec := &countingRecognizer{text: "ab-123", conf: 0.9}
	engine, err := ensemble.NewEngine(ensemble.PolicyMajority, 1, zerolog.Nop(),
		ensemble.Model{Name: "crnn", Weight: 1, Recognizer: rec})
	require.NoError(t, err)

	tcfg := tracker.DefaultConfig()
	tcfg.MaxDistance = 200

	f := &fixture{
		source:     &scriptSource{steps: steps},
		recognizer: rec,
		dispatcher: &recordingDispatcher{},
	}
	if cfg.CameraID == "" {
		cfg.CameraID = "cam-1"
	}
	cfg.ReadRetryDelay = time.Millisecond
	f.camera, err = New(cfg, Deps{
		Source:     f.source,
		Detector:   detector,
		Tracker:    tracker.New(tcfg),
		Zones:      zones,
		Recognizer: engine,
		Dispatcher: f.dispatcher,
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{CameraID: "cam-1"}, Deps{Source: &scriptSource{}})
	assert.Error(t, err)

	bad := anpr.Zone{ID: "line", Polygon: anpr.Polygon{{X: 0, Y: 0}, {X: 1, Y: 1}}}
	_, err = New(Config{CameraID: "cam-1"}, Deps{
		Source:     &scriptSource{},
		Detector:   mapDetector{},
		Tracker:    tracker.New(tracker.DefaultConfig()),
		Zones:      []anpr.Zone{bad},
		Recognizer: &ensemble.Engine{},
		Dispatcher: &recordingDispatcher{},
	})
	assert.Error(t, err)
}

func TestRunEmitsEventsWithZoneTags(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(0, 0, 40, 40)},       // new track, unconfirmed
		2: {det(10, 10, 50, 50)},     // confirmed, outside the gate
		3: {det(150, 150, 190, 190)}, // crosses into the gate
	}}
	f := newFixture(t, Config{}, detector, frames("cam-1", 3), gate)

	require.NoError(t, f.camera.Run(context.Background()))

	events := f.dispatcher.Events()
	require.Len(t, events, 2)

	plain := events[0]
	assert.Equal(t, "ab-123", plain.Plate)
	assert.Equal(t, "AB123", plain.NormalizedPlate)
	assert.Equal(t, "cam-1", plain.CameraID)
	assert.Equal(t, int64(1), plain.TrackID)
	assert.Nil(t, plain.Zone)
	assert.Equal(t, anpr.BBox{X1: 10, Y1: 10, X2: 50, Y2: 50}, plain.BBox)

	tagged := events[1]
	require.NotNil(t, tagged.Zone)
	assert.Equal(t, anpr.EnteredZone, tagged.Zone.Type)
	assert.Equal(t, "gate", tagged.Zone.ZoneID)
	assert.Equal(t, int64(1), tagged.Zone.TrackID)

	assert.Equal(t, int32(2), f.recognizer.calls.Load())
	assert.True(t, f.source.closed)

	st := f.camera.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, uint64(3), st.Stats.Frames)
	assert.Equal(t, uint64(2), st.Stats.Events)
	assert.Equal(t, uint64(1), st.Stats.ZoneEvents)
}

func TestUnconfirmedTrackNeverRecognized(t *testing.T) {
	t.Parallel()

	// A single sighting followed by empty frames never reaches min hits.
	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(150, 150, 190, 190)},
	}}
	f := newFixture(t, Config{}, detector, frames("cam-1", 4), gate)

	require.NoError(t, f.camera.Run(context.Background()))

	assert.Zero(t, f.recognizer.calls.Load())
	assert.Empty(t, f.dispatcher.Events())
	// The zone transition is observed and held, but no event ever carries it.
	assert.Equal(t, uint64(1), f.camera.Status().Stats.ZoneEvents)
}

func TestTrackBornInsideZoneIsTagged(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(150, 150, 190, 190)}, // first sighting already inside, unconfirmed
		2: {det(155, 155, 195, 195)},
		3: {det(160, 160, 200, 200)},
	}}

	t.Run("all events", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{}, detector, frames("cam-1", 3), gate)
		require.NoError(t, f.camera.Run(context.Background()))

		events := f.dispatcher.Events()
		require.Len(t, events, 2)
		require.NotNil(t, events[0].Zone)
		assert.Equal(t, anpr.EnteredZone, events[0].Zone.Type)
		assert.Equal(t, "gate", events[0].Zone.ZoneID)
		assert.Nil(t, events[1].Zone)
	})

	t.Run("zone events only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{ZoneEventsOnly: true}, detector, frames("cam-1", 3), gate)
		require.NoError(t, f.camera.Run(context.Background()))

		events := f.dispatcher.Events()
		require.Len(t, events, 1)
		require.NotNil(t, events[0].Zone)
		assert.Equal(t, anpr.EnteredZone, events[0].Zone.Type)
		assert.Equal(t, int32(2), f.recognizer.calls.Load())
	})
}

func TestZoneEntryWaitsForConclusiveRecognition(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(10, 10, 50, 50)},
		2: {det(150, 150, 190, 190)}, // enters, recognition too weak
		3: {det(155, 155, 195, 195)},
	}}
	f := newFixture(t, Config{MinConfidence: 0.5}, detector, frames("cam-1", 3), gate)
	f.recognizer.confs = []float64{0.3}

	require.NoError(t, f.camera.Run(context.Background()))

	events := f.dispatcher.Events()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Zone)
	assert.Equal(t, anpr.EnteredZone, events[0].Zone.Type)
	assert.Equal(t, anpr.BBox{X1: 155, Y1: 155, X2: 195, Y2: 195}, events[0].BBox)
	assert.Equal(t, uint64(1), f.camera.Status().Stats.Inconclusive)
}

func TestHeldEnterAndExitCancelOut(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(10, 10, 50, 50)},
		2: {det(150, 150, 190, 190)}, // enters, weak
		3: {det(10, 10, 50, 50)},     // leaves again, weak
		4: {det(20, 20, 60, 60)},
	}}
	f := newFixture(t, Config{MinConfidence: 0.5}, detector, frames("cam-1", 4), gate)
	f.recognizer.confs = []float64{0.3, 0.3}

	require.NoError(t, f.camera.Run(context.Background()))

	events := f.dispatcher.Events()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Zone)
	assert.Equal(t, uint64(2), f.camera.Status().Stats.ZoneEvents)
}

func TestEmptyFramesProduceNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, mapDetector{}, frames("cam-1", 5), gate)
	require.NoError(t, f.camera.Run(context.Background()))

	assert.Zero(t, f.recognizer.calls.Load())
	assert.Empty(t, f.dispatcher.Events())
	assert.Equal(t, uint64(5), f.camera.Status().Stats.Frames)
}

func TestZoneEventsOnlySuppressesUntaggedEvents(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(0, 0, 40, 40)},
		2: {det(10, 10, 50, 50)},
		3: {det(150, 150, 190, 190)},
		4: {det(155, 155, 195, 195)},
	}}
	f := newFixture(t, Config{ZoneEventsOnly: true}, detector, frames("cam-1", 4), gate)

	require.NoError(t, f.camera.Run(context.Background()))

	events := f.dispatcher.Events()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Zone)
	assert.Equal(t, anpr.EnteredZone, events[0].Zone.Type)
	assert.Equal(t, int32(3), f.recognizer.calls.Load())
}

func TestNonPlateClassesAreIgnored(t *testing.T) {
	t.Parallel()

	car := det(10, 10, 50, 50)
	car.Class = "car"
	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {car},
		2: {car},
		3: {car},
	}}
	f := newFixture(t, Config{}, detector, frames("cam-1", 3))

	require.NoError(t, f.camera.Run(context.Background()))
	assert.Empty(t, f.dispatcher.Events())
	assert.Zero(t, f.camera.Status().Stats.LiveTracks)
}

func TestMinConfidenceDropsWeakDecisions(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(0, 0, 40, 40)},
		2: {det(10, 10, 50, 50)},
	}}
	f := newFixture(t, Config{MinConfidence: 0.95}, detector, frames("cam-1", 2))

	require.NoError(t, f.camera.Run(context.Background()))
	assert.Empty(t, f.dispatcher.Events())
	assert.Equal(t, uint64(1), f.camera.Status().Stats.Inconclusive)
}

func TestReadAndDetectFailuresAreSkipped(t *testing.T) {
	t.Parallel()

	steps := frames("cam-1", 3)
	steps = append(steps[:1], append([]sourceStep{{err: ingest.ErrFrameUnavailable}}, steps[1:]...)...)
	detector := mapDetector{
		byFrame: map[int64][]anpr.Detection{
			1: {det(0, 0, 40, 40)},
			2: {det(10, 10, 50, 50)},
			3: {det(20, 20, 60, 60)},
		},
		fail: map[int64]bool{2: true},
	}
	f := newFixture(t, Config{}, detector, steps)

	require.NoError(t, f.camera.Run(context.Background()))

	st := f.camera.Status().Stats
	assert.Equal(t, uint64(1), st.ReadErrors)
	assert.Equal(t, uint64(1), st.DetectErrors)
	assert.Equal(t, uint64(3), st.Frames)
	// Frame 2 was skipped without touching the tracker, so frame 3 is the
	// second hit.
	require.Len(t, f.dispatcher.Events(), 1)
	assert.Equal(t, anpr.BBox{X1: 20, Y1: 20, X2: 60, Y2: 60}, f.dispatcher.Events()[0].BBox)
}

func TestDispatchErrorsDoNotStopTheLoop(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(0, 0, 40, 40)},
		2: {det(10, 10, 50, 50)},
		3: {det(20, 20, 60, 60)},
	}}
	f := newFixture(t, Config{}, detector, frames("cam-1", 3))
	f.dispatcher.err = errors.New("disk full")

	require.NoError(t, f.camera.Run(context.Background()))
	st := f.camera.Status().Stats
	assert.Equal(t, uint64(2), st.DispatchErrors)
	assert.Equal(t, uint64(3), st.Frames)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	// The source keeps failing; only cancellation ends the loop.
	steps := make([]sourceStep, 0, 1000)
	for i := 0; i < 1000; i++ {
		steps = append(steps, sourceStep{err: ingest.ErrFrameUnavailable})
	}
	f := newFixture(t, Config{}, mapDetector{}, steps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.camera.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.camera.Status().State == StateRunning
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("camera did not stop after cancel")
	}
	assert.Equal(t, StateStopped, f.camera.Status().State)
	assert.ErrorIs(t, f.camera.Run(context.Background()), ErrAlreadyStarted)
}

func TestManagerRunsCamerasIndependently(t *testing.T) {
	t.Parallel()

	detector := mapDetector{byFrame: map[int64][]anpr.Detection{
		1: {det(0, 0, 40, 40)},
		2: {det(10, 10, 50, 50)},
	}}
	a := newFixture(t, Config{CameraID: "cam-a"}, detector, frames("cam-a", 2))
	b := newFixture(t, Config{CameraID: "cam-b"}, mapDetector{}, frames("cam-b", 1))

	m, err := NewManager(zerolog.Nop(), a.camera, b.camera)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	statuses := m.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "cam-a", statuses[0].CameraID)
	assert.Equal(t, uint64(1), statuses[0].Stats.Events)
	assert.Equal(t, "cam-b", statuses[1].CameraID)
	assert.Zero(t, statuses[1].Stats.Events)

	require.Len(t, a.dispatcher.Events(), 1)
	assert.Equal(t, "cam-a", a.dispatcher.Events()[0].CameraID)

	_, ok := m.Camera("cam-b")
	assert.True(t, ok)

	_, err = NewManager(zerolog.Nop(), a.camera, a.camera)
	assert.Error(t, err)
}
