// Package export delivers plate events to downstream sinks with at-least-once
// semantics. Failed deliveries are kept in a durable retry queue.
package export

import (
	"context"
	"errors"
	"time"

	"anpr-edge/internal/domain/anpr"
)

var (
	// ErrDeliveryFailed wraps every sink failure: transport errors, non-2xx
	// responses and serialization errors alike.
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrUnknownSink    = errors.New("unknown sink")
)

// Sink is one delivery target. Send must honour ctx cancellation.
type Sink interface {
	Name() string
	Send(ctx context.Context, event anpr.PlateEvent) error
}

// QueueStore persists the retry queue. Save replaces the stored queue with
// items, in order.
type QueueStore interface {
	Load(ctx context.Context) ([]anpr.RetryItem, error)
	Save(ctx context.Context, items []anpr.RetryItem) error
}

// SinkEntry is a configured sink. Disabled sinks are skipped on dispatch and
// their queued items are left alone on flush.
type SinkEntry struct {
	Sink    Sink
	Enabled bool
	Timeout time.Duration
}

type Auth struct {
	Token    string
	Username string
	Password string
}
