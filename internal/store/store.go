package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/metrics"
)

// Config holds the configuration for a Store.
type Config struct {
	Logger      *slog.Logger
	Persistence Persistence
	// Dedup, when set, is seeded with the restored live table and reset by ClearAll.
	Dedup *beacon.Deduplicator
	// Metrics is optional.
	Metrics *metrics.StationMetrics
}

// Snapshot is a point-in-time copy of both collections. It is never mutated
// after Store.Snapshot returns it.
type Snapshot struct {
	// Live holds one record per sender, ascending by sender id.
	Live []beacon.Record
	// History holds every accepted record in arrival order.
	History []beacon.Record
	// Version is the store version the snapshot was taken at.
	Version uint64
}

// Store owns the live table and the history log. Writers hold the exclusive
// lock across the in-memory update and the durable save; readers copy under
// the shared lock, so nobody observes one collection updated without the other.
type Store struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	persistence Persistence
	dedup       *beacon.Deduplicator
	metrics     *metrics.StationMetrics
	live        map[uint16]beacon.Record
	history     []beacon.Record
	version     atomic.Uint64
}

// New restores both collections from cfg.Persistence. Missing, unreadable or
// corrupt documents are replaced by empty collections.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Persistence == nil {
		return nil, errors.New("persistence cannot be nil")
	}

	s := &Store{
		logger:      cfg.Logger,
		persistence: cfg.Persistence,
		dedup:       cfg.Dedup,
		metrics:     cfg.Metrics,
		live:        make(map[uint16]beacon.Record),
	}

	for _, rec := range s.restore(ctx, CollectionLive) {
		s.live[rec.SenderID] = rec
	}
	s.history = s.restore(ctx, CollectionHistory)

	if s.dedup != nil {
		s.dedup.Seed(s.liveRecords()...)
	}
	s.updateGauges()

	s.logger.Info("beacon store restored",
		"live", len(s.live),
		"history", len(s.history),
	)

	return s, nil
}

func (s *Store) restore(ctx context.Context, name Collection) []beacon.Record {
	fc, err := s.persistence.Load(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Info("no persisted collection, starting empty", "collection", name)
		return []beacon.Record{}
	case err != nil:
		s.logger.Warn("persisted collection unreadable, starting empty",
			"collection", name,
			"error", err,
		)
		return []beacon.Record{}
	}

	recs, skipped := fc.Records()
	if skipped > 0 {
		s.logger.Warn("skipped unparseable features",
			"collection", name,
			"skipped", skipped,
		)
	}
	return recs
}

// Accept appends rec to the history log, makes it the sender's live entry and
// saves both collections before returning. On a failed save the in-memory
// state is rolled back and the error returned.
func (s *Store) Accept(ctx context.Context, rec beacon.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev := s.live[rec.SenderID]
	s.history = append(s.history, rec)
	s.live[rec.SenderID] = rec

	// History first: a crash between the two saves leaves history a superset of live.
	if err := s.save(ctx, CollectionHistory, CollectionOf(s.history)); err != nil {
		s.rollback(rec.SenderID, prev, hadPrev)
		return err
	}
	if err := s.save(ctx, CollectionLive, CollectionOf(s.liveRecords())); err != nil {
		s.rollback(rec.SenderID, prev, hadPrev)
		if restoreErr := s.save(ctx, CollectionHistory, CollectionOf(s.history)); restoreErr != nil {
			s.logger.Error("failed to restore history after live save failure",
				"sender_id", rec.SenderID,
				"error", restoreErr,
			)
		}
		return err
	}

	s.version.Add(1)
	s.updateGauges()
	return nil
}

func (s *Store) rollback(senderID uint16, prev beacon.Record, hadPrev bool) {
	s.history = s.history[:len(s.history)-1]
	if hadPrev {
		s.live[senderID] = prev
	} else {
		delete(s.live, senderID)
	}
}

// ClearAll empties both collections, saves the empty documents and resets the
// deduplicator. Live is saved before history so the persisted live table stays
// a subset of the persisted history. On a failed save nothing changes in
// memory and any document already emptied is restored.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := NewFeatureCollection()
	if err := s.save(ctx, CollectionLive, empty); err != nil {
		return err
	}
	if err := s.save(ctx, CollectionHistory, empty); err != nil {
		if restoreErr := s.save(ctx, CollectionLive, CollectionOf(s.liveRecords())); restoreErr != nil {
			s.logger.Error("failed to restore live table after history save failure",
				"error", restoreErr,
			)
		}
		return err
	}

	s.live = make(map[uint16]beacon.Record)
	s.history = []beacon.Record{}
	if s.dedup != nil {
		s.dedup.Reset()
	}
	s.version.Add(1)
	s.updateGauges()

	s.logger.Info("beacon store cleared")
	return nil
}

func (s *Store) save(ctx context.Context, name Collection, fc *FeatureCollection) error {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.PersistDuration.WithLabelValues(string(name)))
		defer timer.ObserveDuration()
	}

	if err := s.persistence.Save(ctx, name, fc); err != nil {
		if s.metrics != nil {
			s.metrics.PersistFailures.WithLabelValues(string(name)).Inc()
		}
		return fmt.Errorf("failed to persist %s collection: %w", name, err)
	}
	return nil
}

// Snapshot returns a consistent copy of both collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Live:    s.liveRecords(),
		History: slices.Clone(s.history),
		Version: s.version.Load(),
	}
}

// Live returns the live entry for a sender.
func (s *Store) Live(senderID uint16) (beacon.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.live[senderID]
	return rec, ok
}

// Len returns the sizes of the live table and the history log.
func (s *Store) Len() (live, history int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.live), len(s.history)
}

// Version increases by one on every successful Accept and every ClearAll.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Close releases the persistence backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persistence.Close()
}

// liveRecords must be called with s.mu held.
func (s *Store) liveRecords() []beacon.Record {
	recs := make([]beacon.Record, 0, len(s.live))
	for _, rec := range s.live {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b beacon.Record) int {
		return int(a.SenderID) - int(b.SenderID)
	})
	return recs
}

func (s *Store) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.LiveBeacons.Set(float64(len(s.live)))
	s.metrics.HistoryRecords.Set(float64(len(s.history)))
}
