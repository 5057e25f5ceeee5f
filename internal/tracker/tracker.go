// Package tracker associates per-frame plate detections into persistent
// tracks. Association is greedy: live tracks are visited in ascending id order
// and each claims its best unclaimed detection, which keeps an update O(n·m).
package tracker

import (
	"fmt"
	"math"
	"sort"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/geometry"
)

type Method string

const (
	MethodDistance Method = "distance" // nearest centroid within MaxDistance
	MethodIoU      Method = "iou"      // highest overlap at or above MinIoU
)

type Config struct {
	Method         Method
	MaxDisappeared int     // misses tolerated before a track is evicted
	MaxDistance    float64 // pixels, distance method only
	MinIoU         float64 // iou method only
	MinHits        int     // hits required for a track to be confirmed
}

func DefaultConfig() Config {
	return Config{
		Method:         MethodDistance,
		MaxDisappeared: 10,
		MaxDistance:    50,
		MinIoU:         0.3,
		MinHits:        2,
	}
}

func (c Config) Validate() error {
	switch c.Method {
	case MethodDistance, MethodIoU:
	default:
		return fmt.Errorf("unknown tracker method %q", c.Method)
	}
	if c.MaxDisappeared < 0 {
		return fmt.Errorf("max_disappeared must be >= 0, got %d", c.MaxDisappeared)
	}
	if c.MinHits < 1 {
		return fmt.Errorf("min_hits must be >= 1, got %d", c.MinHits)
	}
	return nil
}

type entry struct {
	id        int64
	bbox      anpr.BBox
	hits      int
	misses    int
	matched   bool
	detection anpr.Detection
}

// Tracker owns the live track table. It is not safe for concurrent use; each
// camera loop owns its own instance.
type Tracker struct {
	cfg     Config
	nextID  int64
	tracks  map[int64]*entry
	evicted []anpr.Track
}

func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		nextID: 1,
		tracks: make(map[int64]*entry),
	}
}

// Update advances the tracker by one frame and returns every live track,
// ordered by id. Tracks evicted by this update are not returned; they are
// available from Evicted until the next call.
func (t *Tracker) Update(detections []anpr.Detection) []anpr.Track {
	claimed := make([]bool, len(detections))

	for _, id := range t.sortedIDs() {
		tr := t.tracks[id]
		best := t.bestMatch(tr, detections, claimed)
		if best < 0 {
			tr.misses++
			tr.matched = false
			tr.detection = anpr.Detection{}
			continue
		}
		claimed[best] = true
		tr.bbox = detections[best].BBox
		tr.hits++
		tr.misses = 0
		tr.matched = true
		tr.detection = detections[best]
	}

	t.evicted = t.evicted[:0]
	for _, id := range t.sortedIDs() {
		tr := t.tracks[id]
		if tr.misses > t.cfg.MaxDisappeared {
			snap := t.snapshot(tr)
			snap.State = anpr.TrackLost
			t.evicted = append(t.evicted, snap)
			delete(t.tracks, id)
		}
	}

	for i, det := range detections {
		if claimed[i] {
			continue
		}
		id := t.nextID
		t.nextID++
		t.tracks[id] = &entry{
			id:        id,
			bbox:      det.BBox,
			hits:      1,
			matched:   true,
			detection: det,
		}
	}

	return t.Tracks()
}

// bestMatch returns the index of the best unclaimed detection for tr, or -1.
// On equal scores the earlier detection wins.
func (t *Tracker) bestMatch(tr *entry, detections []anpr.Detection, claimed []bool) int {
	best := -1
	switch t.cfg.Method {
	case MethodIoU:
		bestIoU := 0.0
		for i, det := range detections {
			if claimed[i] {
				continue
			}
			iou := geometry.IoU(tr.bbox, det.BBox)
			if iou <= 0 || iou < t.cfg.MinIoU {
				continue
			}
			if iou > bestIoU {
				best, bestIoU = i, iou
			}
		}
	default:
		bestDist := math.Inf(1)
		c := geometry.Centroid(tr.bbox)
		for i, det := range detections {
			if claimed[i] {
				continue
			}
			d := geometry.Distance(c, geometry.Centroid(det.BBox))
			if d > t.cfg.MaxDistance {
				continue
			}
			if d < bestDist {
				best, bestDist = i, d
			}
		}
	}
	return best
}

// Tracks returns a snapshot of the live table ordered by id.
func (t *Tracker) Tracks() []anpr.Track {
	ids := t.sortedIDs()
	out := make([]anpr.Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.snapshot(t.tracks[id]))
	}
	return out
}

// Evicted returns the tracks removed by the most recent Update.
func (t *Tracker) Evicted() []anpr.Track {
	return append([]anpr.Track(nil), t.evicted...)
}

func (t *Tracker) Len() int {
	return len(t.tracks)
}

func (t *Tracker) snapshot(e *entry) anpr.Track {
	state := anpr.TrackUnconfirmed
	if e.hits >= t.cfg.MinHits {
		state = anpr.TrackConfirmed
	}
	return anpr.Track{
		ID:        e.id,
		BBox:      e.bbox,
		Hits:      e.hits,
		Misses:    e.misses,
		State:     state,
		Matched:   e.matched,
		Detection: e.detection,
	}
}

func (t *Tracker) sortedIDs() []int64 {
	ids := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
