package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-edge/internal/domain/anpr"
)

var square = anpr.Zone{
	ID:      "gate",
	Name:    "Gate",
	Polygon: anpr.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
}

func track(id int64, x1, y1, x2, y2 float64) anpr.Track {
	return anpr.Track{ID: id, BBox: anpr.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, State: anpr.TrackConfirmed}
}

func TestEnterThenExit(t *testing.T) {
	zones := []anpr.Zone{square}
	state := NewState()

	events, err := Evaluate([]anpr.Track{track(1, 30, 30, 40, 40)}, zones, state)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = Evaluate([]anpr.Track{track(1, 1, 1, 2, 2)}, zones, state)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, anpr.ZoneEvent{Type: anpr.EnteredZone, TrackID: 1, ZoneID: "gate", ZoneName: "Gate"}, events[0])

	// Corner coordinates 20,20 and 2,2 put the centroid at 11,11.
	events, err = Evaluate([]anpr.Track{track(1, 20, 20, 2, 2)}, zones, state)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, anpr.ExitedZone, events[0].Type)
}

func TestStationaryTrackIsIdempotent(t *testing.T) {
	zones := []anpr.Zone{square}
	state := NewState()
	tr := []anpr.Track{track(7, 4, 4, 6, 6)}

	first, err := Evaluate(tr, zones, state)
	require.NoError(t, err)
	second, err := Evaluate(tr, zones, state)
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Empty(t, second)

	inside, ok := state.Inside("gate", 7)
	assert.True(t, ok)
	assert.True(t, inside)
}

func TestFirstEvaluationOutsideCreatesEntry(t *testing.T) {
	state := NewState()
	_, err := Evaluate([]anpr.Track{track(3, 50, 50, 60, 60)}, []anpr.Zone{square}, state)
	require.NoError(t, err)

	inside, ok := state.Inside("gate", 3)
	assert.True(t, ok)
	assert.False(t, inside)
}

func TestForgetDropsMembershipWithoutExit(t *testing.T) {
	zones := []anpr.Zone{square, {ID: "lane", Polygon: anpr.Polygon{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}}}}
	state := NewState()

	_, err := Evaluate([]anpr.Track{track(1, 4, 4, 6, 6), track(2, 40, 4, 42, 6)}, zones, state)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Tracks())

	state.Forget(1)
	assert.Equal(t, 1, state.Tracks())
	_, ok := state.Inside("gate", 1)
	assert.False(t, ok)
	_, ok = state.Inside("lane", 1)
	assert.False(t, ok)

	events, err := Evaluate([]anpr.Track{track(2, 40, 4, 42, 6)}, zones, state)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMultipleZonesOrdered(t *testing.T) {
	wide := anpr.Zone{ID: "wide", Polygon: anpr.Polygon{{X: -50, Y: -50}, {X: 50, Y: -50}, {X: 50, Y: 50}, {X: -50, Y: 50}}}
	events, err := Evaluate([]anpr.Track{track(1, 4, 4, 6, 6)}, []anpr.Zone{square, wide}, NewState())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "gate", events[0].ZoneID)
	assert.Equal(t, "wide", events[1].ZoneID)
}

func TestLostTrackIsRejected(t *testing.T) {
	state := NewState()
	lost := track(9, 1, 1, 2, 2)
	lost.State = anpr.TrackLost

	if StrictMode {
		assert.Panics(t, func() { _, _ = Evaluate([]anpr.Track{lost}, []anpr.Zone{square}, state) })
		return
	}
	_, err := Evaluate([]anpr.Track{lost}, []anpr.Zone{square}, state)
	assert.ErrorIs(t, err, ErrTrackNotLive)
	assert.Zero(t, state.Tracks())
}

func TestNilState(t *testing.T) {
	_, err := Evaluate(nil, nil, nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(square))
	assert.ErrorIs(t, Validate(anpr.Zone{ID: "x", Polygon: anpr.Polygon{{}, {}}}), ErrInvalidZone)
	assert.ErrorIs(t, Validate(anpr.Zone{Polygon: square.Polygon}), ErrInvalidZone)
}
