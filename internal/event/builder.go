// Package event assembles immutable plate events from a confirmed track and
// its ensemble decision.
package event

import (
	"time"

	"github.com/google/uuid"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/ensemble"
	"anpr-edge/internal/ingest"
	"anpr-edge/internal/utils"
)

type Builder struct {
	cameraID string
	now      func() time.Time
	newID    func() uuid.UUID
}

func NewBuilder(cameraID string) *Builder {
	return &Builder{
		cameraID: cameraID,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.New,
	}
}

// Build returns a new event. The votes slice is copied so later changes by the
// caller do not leak into the event.
func (b *Builder) Build(frame *ingest.Frame, track anpr.Track, decision ensemble.Decision, votes []anpr.ModelVote) anpr.PlateEvent {
	ts := b.now()
	if frame != nil && !frame.Timestamp.IsZero() {
		ts = frame.Timestamp.UTC()
	}

	box := track.BBox
	if track.Matched {
		box = track.Detection.BBox
	}

	ev := anpr.PlateEvent{
		ID:              b.newID(),
		Plate:           decision.Text,
		NormalizedPlate: utils.NormalizePlate(decision.Text),
		Confidence:      decision.Confidence,
		CameraID:        b.cameraID,
		Timestamp:       ts,
		TrackID:         track.ID,
		BBox:            box,
		Extra: map[string]interface{}{
			"hits": track.Hits,
		},
	}
	if len(votes) > 0 {
		ev.Votes = append([]anpr.ModelVote(nil), votes...)
	}
	if frame != nil {
		ev.FrameURL = frame.Ref
		ev.Extra["frame_seq"] = frame.Seq
		if track.Matched {
			ev.Extra["detection_score"] = track.Detection.Score
		}
	}
	return ev
}
