package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/export"
	"anpr-edge/internal/pipeline"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("event storage is not configured")
)

type Cameras interface {
	Status() []pipeline.Status
}

type RetryQueue interface {
	Pending() []anpr.RetryItem
	Stats() []export.SinkStats
	Flush(ctx context.Context) (export.FlushResult, error)
}

// EventStore is the retention side of the postgres sink table.
type EventStore interface {
	DeleteOldEvents(ctx context.Context, days int) (int64, error)
}

// ANPRService is the status and maintenance surface over the running edge
// node. events may be nil when no database is configured.
type ANPRService struct {
	cameras Cameras
	queue   RetryQueue
	events  EventStore
	log     zerolog.Logger
}

func NewANPRService(cameras Cameras, queue RetryQueue, events EventStore, log zerolog.Logger) *ANPRService {
	return &ANPRService{
		cameras: cameras,
		queue:   queue,
		events:  events,
		log:     log,
	}
}

func (s *ANPRService) Cameras() []pipeline.Status {
	return s.cameras.Status()
}

func (s *ANPRService) Camera(id string) (pipeline.Status, error) {
	if id == "" {
		return pipeline.Status{}, fmt.Errorf("%w: camera id is required", ErrInvalidInput)
	}
	for _, st := range s.cameras.Status() {
		if st.CameraID == id {
			return st, nil
		}
	}
	return pipeline.Status{}, fmt.Errorf("%w: camera %s", ErrNotFound, id)
}

func (s *ANPRService) RetryQueue() RetryQueueInfo {
	pending := s.queue.Pending()
	items := make([]RetryItemInfo, 0, len(pending))
	for _, it := range pending {
		info := RetryItemInfo{
			Exporter:   it.Sink,
			EventID:    it.Event.ID,
			CameraID:   it.Event.CameraID,
			Plate:      it.Event.NormalizedPlate,
			Attempts:   it.Attempts,
			EnqueuedAt: it.EnqueuedAt,
		}
		if z := it.Event.Zone; z != nil {
			zoneID := z.ZoneID
			direction := string(z.Type)
			info.ZoneID = &zoneID
			info.Direction = &direction
		}
		items = append(items, info)
	}
	return RetryQueueInfo{
		Items: items,
		Sinks: s.queue.Stats(),
	}
}

func (s *ANPRService) FlushRetryQueue(ctx context.Context) (export.FlushResult, error) {
	res, err := s.queue.Flush(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to flush retry queue")
		return res, fmt.Errorf("failed to flush retry queue: %w", err)
	}
	return res, nil
}

// CleanupOldEvents deletes stored events older than the given number of days.
func (s *ANPRService) CleanupOldEvents(ctx context.Context, days int) (int64, error) {
	if s.events == nil {
		return 0, ErrUnavailable
	}
	deleted, err := s.events.DeleteOldEvents(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old events")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old events")
	}
	return deleted, nil
}

// RunCleanup calls CleanupOldEvents every interval until ctx is done.
func (s *ANPRService) RunCleanup(ctx context.Context, days int, interval time.Duration) {
	if s.events == nil || days <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = s.CleanupOldEvents(ctx, days)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type RetryQueueInfo struct {
	Items []RetryItemInfo    `json:"items"`
	Sinks []export.SinkStats `json:"sinks"`
}

type RetryItemInfo struct {
	Exporter   string    `json:"exporter"`
	EventID    uuid.UUID `json:"event_id"`
	CameraID   string    `json:"camera_id"`
	Plate      string    `json:"plate"`
	ZoneID     *string   `json:"zone_id,omitempty"`
	Direction  *string   `json:"direction,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
