// Package zone turns track positions into enter/exit transitions for a fixed
// set of polygonal zones.
package zone

import (
	"errors"
	"fmt"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/geometry"
)

var (
	ErrTrackNotLive = errors.New("track is not live")
	ErrInvalidZone  = errors.New("invalid zone")
)

// StrictMode turns lifecycle violations into panics. It is enabled by the
// debug build tag.
var StrictMode = false

// State is the per-session membership table keyed by track id, then zone id.
// The caller owns it and passes it to every Evaluate call.
type State struct {
	inside map[int64]map[string]bool
}

func NewState() *State {
	return &State{inside: make(map[int64]map[string]bool)}
}

// Forget drops every membership entry of the given tracks. Call it in the same
// step as the tracker evicts them; disappearance never produces an exit.
func (s *State) Forget(trackIDs ...int64) {
	for _, id := range trackIDs {
		delete(s.inside, id)
	}
}

// Inside reports the stored flag for a (zone, track) pair and whether an entry
// exists at all.
func (s *State) Inside(zoneID string, trackID int64) (inside, ok bool) {
	zones, ok := s.inside[trackID]
	if !ok {
		return false, false
	}
	inside, ok = zones[zoneID]
	return inside, ok
}

// Tracks is the number of tracks with at least one membership entry.
func (s *State) Tracks() int {
	return len(s.inside)
}

func Validate(z anpr.Zone) error {
	if z.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidZone)
	}
	if len(z.Polygon) < 3 {
		return fmt.Errorf("%w: zone %s has %d points, need at least 3", ErrInvalidZone, z.ID, len(z.Polygon))
	}
	return nil
}

// Evaluate tests the centroid of every track against every zone and returns
// the transitions since the previous call. Events are ordered by track, then by
// zone as given. The stored flag is updated for every pair evaluated.
func Evaluate(tracks []anpr.Track, zones []anpr.Zone, state *State) ([]anpr.ZoneEvent, error) {
	if state == nil {
		return nil, errors.New("zone state is nil")
	}
	for _, tr := range tracks {
		if tr.State == anpr.TrackLost {
			err := fmt.Errorf("%w: track %d evaluated after eviction", ErrTrackNotLive, tr.ID)
			if StrictMode {
				panic(err)
			}
			return nil, err
		}
	}

	var events []anpr.ZoneEvent
	for _, tr := range tracks {
		c := geometry.Centroid(tr.BBox)
		flags := state.inside[tr.ID]
		if flags == nil {
			flags = make(map[string]bool, len(zones))
			state.inside[tr.ID] = flags
		}
		for _, z := range zones {
			inside := geometry.PointInPolygon(c, z.Polygon)
			was := flags[z.ID]
			switch {
			case inside && !was:
				events = append(events, anpr.ZoneEvent{Type: anpr.EnteredZone, TrackID: tr.ID, ZoneID: z.ID, ZoneName: z.Name})
			case !inside && was:
				events = append(events, anpr.ZoneEvent{Type: anpr.ExitedZone, TrackID: tr.ID, ZoneID: z.ID, ZoneName: z.Name})
			}
			flags[z.ID] = inside
		}
	}
	return events, nil
}
