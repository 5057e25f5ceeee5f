package export

import (
	"context"
	"fmt"

	"anpr-edge/internal/domain/anpr"
)

// EventWriter stores a delivered event. It is implemented by
// repository.EventRepository.
type EventWriter interface {
	CreatePlateEvent(ctx context.Context, event anpr.PlateEvent) error
}

// PostgresSink writes events into the plate_events table.
type PostgresSink struct {
	name   string
	writer EventWriter
}

func NewPostgresSink(name string, writer EventWriter) *PostgresSink {
	return &PostgresSink{name: name, writer: writer}
}

func (s *PostgresSink) Name() string { return s.name }

func (s *PostgresSink) Send(ctx context.Context, event anpr.PlateEvent) error {
	if err := s.writer.CreatePlateEvent(ctx, event); err != nil {
		return fmt.Errorf("%w: insert event: %v", ErrDeliveryFailed, err)
	}
	return nil
}
