package anpr

import (
	"time"

	"github.com/google/uuid"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is a closed loop; the last point connects back to the first.
type Polygon []Point

// BBox is an axis-aligned box in frame pixel coordinates, X1<X2 and Y1<Y2.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return b.Width() * b.Height()
}

type Detection struct {
	BBox  BBox    `json:"bbox"`
	Score float64 `json:"score"`
	Class string  `json:"class"`
}

type TrackState string

const (
	TrackUnconfirmed TrackState = "unconfirmed"
	TrackConfirmed   TrackState = "confirmed"
	TrackLost        TrackState = "lost"
)

// Track is a read-only snapshot of a tracker entry. Matched reports whether a
// detection was associated in the frame that produced the snapshot; when it is
// true Detection holds that detection.
type Track struct {
	ID        int64      `json:"id"`
	BBox      BBox       `json:"bbox"`
	Hits      int        `json:"hits"`
	Misses    int        `json:"misses"`
	State     TrackState `json:"state"`
	Matched   bool       `json:"matched"`
	Detection Detection  `json:"detection"`
}

type Zone struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	Polygon Polygon `json:"polygon"`
}

type ZoneTransition string

const (
	EnteredZone ZoneTransition = "entered_zone"
	ExitedZone  ZoneTransition = "exited_zone"
)

type ZoneEvent struct {
	Type     ZoneTransition `json:"type"`
	TrackID  int64          `json:"track_id"`
	ZoneID   string         `json:"zone_id"`
	ZoneName string         `json:"zone_name,omitempty"`
}

type RecognitionResult struct {
	Model      string  `json:"model"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ModelVote records what one recognizer contributed to an ensemble decision.
type ModelVote struct {
	Model      string  `json:"model"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
}

type PlateEvent struct {
	ID              uuid.UUID              `json:"id"`
	Plate           string                 `json:"plate"`
	NormalizedPlate string                 `json:"normalized_plate"`
	Confidence      float64                `json:"confidence"`
	CameraID        string                 `json:"camera_id"`
	Timestamp       time.Time              `json:"timestamp"`
	TrackID         int64                  `json:"track_id"`
	BBox            BBox                   `json:"bbox"`
	FrameURL        string                 `json:"frame_url,omitempty"`
	CropURL         string                 `json:"crop_url,omitempty"`
	Votes           []ModelVote            `json:"votes,omitempty"`
	Zone            *ZoneEvent             `json:"zone,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// WithZone returns a copy of the event tagged with a zone transition. The
// receiver is left untouched.
func (e PlateEvent) WithZone(z ZoneEvent) PlateEvent {
	out := e.clone()
	out.Zone = &z
	return out
}

func (e PlateEvent) clone() PlateEvent {
	out := e
	if e.Votes != nil {
		out.Votes = append([]ModelVote(nil), e.Votes...)
	}
	if e.Zone != nil {
		z := *e.Zone
		out.Zone = &z
	}
	if e.Extra != nil {
		out.Extra = make(map[string]interface{}, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// RetryItem is an undelivered event bound to the sink it was meant for.
type RetryItem struct {
	Sink       string     `json:"exporter"`
	Event      PlateEvent `json:"event"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
}

// Key identifies a retry obligation; two items with the same key are the same
// obligation.
func (r RetryItem) Key() string {
	key := r.Sink + "/" + r.Event.ID.String()
	if z := r.Event.Zone; z != nil {
		key += "/" + z.ZoneID + "/" + string(z.Type)
	}
	return key
}
