// Package station wires ingestion, storage and views into the base station
// and serves it.
package station

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"procodus.dev/beacon-station/internal/ingest"
	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/internal/source"
	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/logger"
	"procodus.dev/beacon-station/pkg/metrics"
)

// ErrAlreadyStarted is returned by Start when ingestion is already running.
var ErrAlreadyStarted = errors.New("ingestion already started")

// Publisher receives every accepted record. Publish must not block.
type Publisher interface {
	Publish(rec beacon.Record)
}

// Config holds the configuration for a Station.
type Config struct {
	Logger *slog.Logger
	Store  *store.Store
	Dedup  *beacon.Deduplicator
	// Codec defaults to beacon.DefaultCodec.
	Codec *beacon.Codec
	// Metrics is optional.
	Metrics *metrics.StationMetrics
	// Publisher is optional.
	Publisher Publisher
}

// Station is the consumer-facing surface of the base station. Ingestion runs
// on its own goroutine; views are rendered from store snapshots on demand.
type Station struct {
	logger    *slog.Logger
	store     *store.Store
	pipeline  *ingest.Pipeline
	metrics   *metrics.StationMetrics
	publisher Publisher

	viewMu sync.RWMutex
	view   query.Selection

	paused  atomic.Bool
	changes chan uint64

	started   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// New creates a Station. Ingestion starts with Start.
func New(cfg *Config) (*Station, error) {
	if cfg == nil {
		return nil, errors.New("station config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Dedup == nil {
		return nil, errors.New("deduplicator cannot be nil")
	}

	s := &Station{
		logger:    cfg.Logger,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
		changes:   make(chan uint64, 1),
		closed:    make(chan struct{}),
	}

	pipeline, err := ingest.New(&ingest.Config{
		Logger:     logger.WithComponent(cfg.Logger, "ingest"),
		Store:      cfg.Store,
		Dedup:      cfg.Dedup,
		Codec:      cfg.Codec,
		Metrics:    cfg.Metrics,
		OnAccepted: s.accepted,
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	return s, nil
}

func (s *Station) accepted(rec beacon.Record) {
	if s.publisher != nil {
		s.publisher.Publish(rec)
	}
	s.notify()
}

// notify offers the current store version to Changes without blocking.
// A pending, unread version is replaced by the newer one.
func (s *Station) notify() {
	if s.paused.Load() {
		return
	}

	v := s.store.Version()
	select {
	case s.changes <- v:
	default:
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- v:
		default:
		}
	}

	if s.metrics != nil {
		s.metrics.NotificationsTotal.Inc()
	}
}

// Start runs ingestion from src until ctx ends or the transport fails. Closed
// is closed when it stops. Start may only be called once.
func (s *Station) Start(ctx context.Context, src source.FrameSource) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go func() {
		err := s.pipeline.Run(ctx, src)
		if err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		}
		s.closeOnce.Do(func() { close(s.closed) })
	}()
	return nil
}

// Ingest processes one frame synchronously, as the ingestion goroutine does.
func (s *Station) Ingest(ctx context.Context, frame []byte) ingest.Outcome {
	return s.pipeline.Process(ctx, frame)
}

// SetPaused gates change notifications. Ingestion continues while paused.
// Resuming emits one notification.
func (s *Station) SetPaused(paused bool) {
	was := s.paused.Swap(paused)
	if s.metrics != nil {
		if paused {
			s.metrics.Paused.Set(1)
		} else {
			s.metrics.Paused.Set(0)
		}
	}

	if was != paused {
		s.logger.Info("notifications toggled", "paused", paused)
	}
	if was && !paused {
		s.notify()
	}
}

// Paused reports whether notifications are paused.
func (s *Station) Paused() bool {
	return s.paused.Load()
}

// SetMode selects the collection Query renders.
func (s *Station) SetMode(mode query.Mode) {
	s.updateView(func(v *query.Selection) { v.Mode = mode })
}

// SetSenderFilter restricts Query to one sender. nil removes the filter.
func (s *Station) SetSenderFilter(senderID *uint16) {
	var id *uint16
	if senderID != nil {
		v := *senderID
		id = &v
	}
	s.updateView(func(v *query.Selection) { v.Filters.Sender = id })
}

// SetTimeFilter restricts Query to one side of at. nil removes the filter.
func (s *Station) SetTimeFilter(at *time.Time, direction query.Direction) {
	var cutoff *query.TimeCutoff
	if at != nil {
		cutoff = &query.TimeCutoff{At: *at, Direction: direction}
	}
	s.updateView(func(v *query.Selection) { v.Filters.Cutoff = cutoff })
}

// SetView replaces mode and filters at once.
func (s *Station) SetView(view query.Selection) {
	s.updateView(func(v *query.Selection) { *v = view })
}

func (s *Station) updateView(fn func(*query.Selection)) {
	s.viewMu.Lock()
	fn(&s.view)
	s.viewMu.Unlock()
	s.notify()
}

// View returns the current mode and filters.
func (s *Station) View() query.Selection {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// ClearAll empties the live table and the history log, durably.
func (s *Station) ClearAll(ctx context.Context) error {
	if err := s.pipeline.ClearAll(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Query renders the store with the current view state.
func (s *Station) Query() query.View {
	v := s.View()
	return s.Render(v.Mode, v.Filters)
}

// Render renders the store with an explicit mode and filters.
func (s *Station) Render(mode query.Mode, f query.Filters) query.View {
	return query.Render(s.store.Snapshot(), mode, f)
}

// Changes delivers store versions after accepted records, clears and view
// changes. Unread notifications coalesce.
func (s *Station) Changes() <-chan uint64 {
	return s.changes
}

// Closed is closed once ingestion has stopped.
func (s *Station) Closed() <-chan struct{} {
	return s.closed
}

// Err returns the transport error that stopped ingestion, if any.
func (s *Station) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stats returns the ingestion counters.
func (s *Station) Stats() ingest.StatsSnapshot {
	return s.pipeline.Stats()
}
