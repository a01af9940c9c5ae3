// Package ingest turns raw frames into durable beacon records.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/beacon-station/internal/source"
	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/metrics"
)

// Outcome is the result of processing one frame.
type Outcome int

const (
	// OutcomeAccepted means the record was stored.
	OutcomeAccepted Outcome = iota
	// OutcomeMalformed means the frame could not be decoded.
	OutcomeMalformed
	// OutcomeRejected means the record failed validation.
	OutcomeRejected
	// OutcomeDuplicate means the record repeats the sender's last record.
	OutcomeDuplicate
	// OutcomeStoreFailed means the record could not be made durable.
	OutcomeStoreFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return metrics.OutcomeAccepted
	case OutcomeMalformed:
		return metrics.OutcomeMalformed
	case OutcomeRejected:
		return metrics.OutcomeRejected
	case OutcomeDuplicate:
		return metrics.OutcomeDuplicate
	case OutcomeStoreFailed:
		return metrics.OutcomeStoreFailed
	default:
		return "unknown"
	}
}

// Store is the durable side of the pipeline.
type Store interface {
	Accept(ctx context.Context, rec beacon.Record) error
	ClearAll(ctx context.Context) error
	Live(senderID uint16) (beacon.Record, bool)
}

// Config holds the configuration for a Pipeline.
type Config struct {
	Logger *slog.Logger
	Store  Store
	Dedup  *beacon.Deduplicator
	// Codec defaults to beacon.DefaultCodec.
	Codec *beacon.Codec
	// Metrics is optional.
	Metrics *metrics.StationMetrics
	// OnAccepted is called after every stored record, outside the writer lock.
	OnAccepted func(beacon.Record)
}

// Pipeline decodes, validates, deduplicates and stores frames. Process and
// ClearAll are serialized so the deduplicator never disagrees with the store.
type Pipeline struct {
	mu         sync.Mutex
	logger     *slog.Logger
	store      Store
	dedup      *beacon.Deduplicator
	codec      beacon.Codec
	metrics    *metrics.StationMetrics
	onAccepted func(beacon.Record)
	stats      Stats
}

// New creates a Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
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

	codec := beacon.DefaultCodec
	if cfg.Codec != nil {
		codec = *cfg.Codec
	}

	return &Pipeline{
		logger:     cfg.Logger,
		store:      cfg.Store,
		dedup:      cfg.Dedup,
		codec:      codec,
		metrics:    cfg.Metrics,
		onAccepted: cfg.OnAccepted,
	}, nil
}

// Process runs one frame through the pipeline. Decode and validation
// failures are logged and counted, never returned.
func (p *Pipeline) Process(ctx context.Context, frame []byte) Outcome {
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.ProcessingDuration)
		defer timer.ObserveDuration()
	}

	outcome, rec := p.process(ctx, frame)
	p.stats.record(outcome)
	if p.metrics != nil {
		p.metrics.FramesTotal.WithLabelValues(outcome.String()).Inc()
	}

	if outcome == OutcomeAccepted && p.onAccepted != nil {
		p.onAccepted(rec)
	}
	return outcome
}

func (p *Pipeline) process(ctx context.Context, frame []byte) (Outcome, beacon.Record) {
	rec, err := p.codec.Decode(frame)
	if err != nil {
		p.logger.Warn("dropping malformed frame", "length", len(frame), "error", err)
		return OutcomeMalformed, rec
	}

	if reason := beacon.Rejection(rec); reason != beacon.RejectNone {
		p.logger.Debug("dropping out-of-range record",
			"sender_id", rec.SenderID,
			"reason", string(reason),
		)
		p.stats.reject(reason)
		if p.metrics != nil {
			p.metrics.RejectionsTotal.WithLabelValues(string(reason)).Inc()
		}
		return OutcomeRejected, rec
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dedup.IsNovel(rec) {
		p.logger.Debug("dropping duplicate record",
			"sender_id", rec.SenderID,
			"message_id", rec.MessageID,
		)
		return OutcomeDuplicate, rec
	}

	if err := p.store.Accept(ctx, rec); err != nil {
		// Point the deduplicator back at what the store actually holds.
		if prev, ok := p.store.Live(rec.SenderID); ok {
			p.dedup.Seed(prev)
		} else {
			p.dedup.Forget(rec.SenderID)
		}
		p.logger.Error("failed to store record",
			"sender_id", rec.SenderID,
			"message_id", rec.MessageID,
			"error", err,
		)
		return OutcomeStoreFailed, rec
	}

	p.logger.Debug("record accepted",
		"sender_id", rec.SenderID,
		"message_id", rec.MessageID,
		"panic", rec.Panic,
	)
	return OutcomeAccepted, rec
}

// ClearAll empties the store and the deduplicator.
func (p *Pipeline) ClearAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dedup.Reset()
	return p.store.ClearAll(ctx)
}

// Run reads frames from src until ctx ends or the transport fails. It returns
// nil on cancellation and a *source.TransportError otherwise. src is closed on
// every return path.
func (p *Pipeline) Run(ctx context.Context, src source.FrameSource) error {
	// Closing the source unblocks a read that ignores ctx.
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer func() {
		stop()
		if err := src.Close(); err != nil {
			p.logger.Warn("failed to close frame source", "error", err)
		}
	}()

	p.logger.Info("ingestion started")
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("ingestion stopped")
				return nil
			}

			var te *source.TransportError
			if !errors.As(err, &te) {
				te = &source.TransportError{Op: "read", Err: err}
			}
			if p.metrics != nil {
				p.metrics.TransportFailures.Inc()
			}
			p.logger.Error("frame transport failed", "error", te)
			return te
		}

		p.Process(ctx, frame)
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}
