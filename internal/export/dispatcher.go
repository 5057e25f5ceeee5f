package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
)

const (
	defaultSinkTimeout = 5 * time.Second
	defaultSaveTimeout = 5 * time.Second
)

type SinkStats struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Queued    int    `json:"queued"`
}

type FlushResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Kept      int `json:"kept"`
}

// Dispatcher fans events out to every enabled sink. A sink failure never
// stops delivery to the other sinks; it appends a retry item which is
// persisted before Dispatch returns.
//
// Dispatch is safe for concurrent use by several camera loops. The queue is
// read, modified and persisted under one mutex; sink calls happen outside it.
type Dispatcher struct {
	entries []SinkEntry
	byName  map[string]SinkEntry
	store   QueueStore
	log     zerolog.Logger

	// saveTimeout bounds each store write made under mu.
	saveTimeout time.Duration

	mu    sync.Mutex
	queue []anpr.RetryItem
	stats map[string]*SinkStats

	flushMu sync.Mutex
}

func NewDispatcher(ctx context.Context, store QueueStore, log zerolog.Logger, entries ...SinkEntry) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("retry queue store is nil")
	}
	d := &Dispatcher{
		byName:      make(map[string]SinkEntry, len(entries)),
		store:       store,
		log:         log.With().Str("component", "dispatcher").Logger(),
		stats:       make(map[string]*SinkStats, len(entries)),
		saveTimeout: defaultSaveTimeout,
	}
	for _, e := range entries {
		if e.Sink == nil {
			return nil, errors.New("sink entry without sink")
		}
		name := e.Sink.Name()
		if _, dup := d.byName[name]; dup {
			return nil, fmt.Errorf("sink %q registered twice", name)
		}
		if e.Timeout <= 0 {
			e.Timeout = defaultSinkTimeout
		}
		d.entries = append(d.entries, e)
		d.byName[name] = e
		d.stats[name] = &SinkStats{Name: name, Enabled: e.Enabled}
	}

	items, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	d.queue = items
	if len(items) > 0 {
		d.log.Info().Int("queued", len(items)).Msg("loaded retry queue")
	}
	return d, nil
}

// Dispatch delivers event to every enabled sink. Delivery failures are queued
// for retry and are not returned; the only error is a failure to persist the
// queue.
func (d *Dispatcher) Dispatch(ctx context.Context, event anpr.PlateEvent) error {
	var failed []anpr.RetryItem
	for _, e := range d.entries {
		if !e.Enabled {
			continue
		}
		name := e.Sink.Name()
		if err := d.send(ctx, e, event); err != nil {
			d.log.Error().
				Err(err).
				Str("sink", name).
				Str("event_id", event.ID.String()).
				Str("camera_id", event.CameraID).
				Msg("dispatch failed, queued for retry")
			d.count(name, func(s *SinkStats) { s.Failed++ })
			failed = append(failed, anpr.RetryItem{
				Sink:       name,
				Event:      event,
				EnqueuedAt: time.Now().UTC(),
				Attempts:   1,
			})
			continue
		}
		d.count(name, func(s *SinkStats) { s.Delivered++ })
		d.log.Debug().
			Str("sink", name).
			Str("event_id", event.ID.String()).
			Str("plate", event.NormalizedPlate).
			Msg("event delivered")
	}

	if len(failed) == 0 {
		return nil
	}
	return d.enqueue(ctx, failed)
}

func (d *Dispatcher) send(ctx context.Context, e SinkEntry, event anpr.PlateEvent) error {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	err := e.Sink.Send(ctx, event)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, e.Sink.Name(), err)
}

func (d *Dispatcher) enqueue(ctx context.Context, items []anpr.RetryItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make(map[string]bool, len(d.queue))
	for _, it := range d.queue {
		keys[it.Key()] = true
	}
	for _, it := range items {
		if keys[it.Key()] {
			continue
		}
		keys[it.Key()] = true
		d.queue = append(d.queue, it)
	}
	return d.save(ctx)
}

// save persists the queue. The caller holds mu.
func (d *Dispatcher) save(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.saveTimeout)
	defer cancel()
	if err := d.store.Save(ctx, d.queue); err != nil {
		return fmt.Errorf("persist retry queue: %w", err)
	}
	return nil
}

// Flush retries every queued item against the sink it was meant for. Items
// delivered are removed; items that fail again, target a disabled sink or a
// sink that is no longer configured are kept. Items queued while the flush is
// running are left for the next flush.
func (d *Dispatcher) Flush(ctx context.Context) (FlushResult, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	snapshot := append([]anpr.RetryItem(nil), d.queue...)
	d.mu.Unlock()

	var res FlushResult
	delivered := make(map[string]bool)
	retried := make(map[string]bool)
	for _, it := range snapshot {
		e, ok := d.byName[it.Sink]
		if !ok {
			d.log.Warn().
				Str("sink", it.Sink).
				Str("event_id", it.Event.ID.String()).
				Msg("retry item targets an unconfigured sink, keeping it")
			continue
		}
		if !e.Enabled {
			continue
		}
		res.Attempted++
		d.count(it.Sink, func(s *SinkStats) { s.Retried++ })
		if err := d.send(ctx, e, it.Event); err != nil {
			d.log.Warn().
				Err(err).
				Str("sink", it.Sink).
				Str("event_id", it.Event.ID.String()).
				Msg("retry failed")
			d.count(it.Sink, func(s *SinkStats) { s.Failed++ })
			retried[it.Key()] = true
			continue
		}
		d.count(it.Sink, func(s *SinkStats) { s.Delivered++ })
		delivered[it.Key()] = true
		res.Delivered++
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.queue[:0:0]
	for _, it := range d.queue {
		if delivered[it.Key()] {
			continue
		}
		if retried[it.Key()] {
			it.Attempts++
		}
		kept = append(kept, it)
	}
	d.queue = kept
	res.Kept = len(kept)

	if res.Attempted == 0 {
		return res, nil
	}
	if err := d.save(ctx); err != nil {
		return res, err
	}
	d.log.Info().
		Int("attempted", res.Attempted).
		Int("delivered", res.Delivered).
		Int("kept", res.Kept).
		Msg("retry queue flushed")
	return res, nil
}

// Pending returns a copy of the retry queue in order.
func (d *Dispatcher) Pending() []anpr.RetryItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]anpr.RetryItem(nil), d.queue...)
}

// Stats returns per-sink counters in registration order.
func (d *Dispatcher) Stats() []SinkStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	queued := make(map[string]int)
	for _, it := range d.queue {
		queued[it.Sink]++
	}
	out := make([]SinkStats, 0, len(d.entries))
	for _, e := range d.entries {
		s := *d.stats[e.Sink.Name()]
		s.Queued = queued[s.Name]
		out = append(out, s)
	}
	return out
}

func (d *Dispatcher) count(name string, fn func(*SinkStats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stats[name]; ok {
		fn(s)
	}
}

// Close releases sinks that hold connections.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, e := range d.entries {
		if c, ok := e.Sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sink %s: %w", e.Sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
