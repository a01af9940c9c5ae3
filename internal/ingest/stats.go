package ingest

import (
	"sync/atomic"

	"procodus.dev/beacon-station/pkg/beacon"
)

// Stats counts frames by outcome.
type Stats struct {
	frames            atomic.Uint64
	accepted          atomic.Uint64
	malformed         atomic.Uint64
	rejected          atomic.Uint64
	rejectedSender    atomic.Uint64
	rejectedLatitude  atomic.Uint64
	rejectedLongitude atomic.Uint64
	duplicates        atomic.Uint64
	storeFailures     atomic.Uint64
}

// StatsSnapshot is a copy of Stats.
type StatsSnapshot struct {
	Frames            uint64 `json:"frames"`
	Accepted          uint64 `json:"accepted"`
	Malformed         uint64 `json:"malformed"`
	Rejected          uint64 `json:"rejected"`
	RejectedSender    uint64 `json:"rejected_sender_id"`
	RejectedLatitude  uint64 `json:"rejected_latitude"`
	RejectedLongitude uint64 `json:"rejected_longitude"`
	Duplicates        uint64 `json:"duplicates"`
	StoreFailures     uint64 `json:"store_failures"`
}

func (s *Stats) record(o Outcome) {
	s.frames.Add(1)
	switch o {
	case OutcomeAccepted:
		s.accepted.Add(1)
	case OutcomeMalformed:
		s.malformed.Add(1)
	case OutcomeRejected:
		s.rejected.Add(1)
	case OutcomeDuplicate:
		s.duplicates.Add(1)
	case OutcomeStoreFailed:
		s.storeFailures.Add(1)
	}
}

func (s *Stats) reject(reason beacon.RejectReason) {
	switch reason {
	case beacon.RejectSender:
		s.rejectedSender.Add(1)
	case beacon.RejectLatitude:
		s.rejectedLatitude.Add(1)
	case beacon.RejectLongitude:
		s.rejectedLongitude.Add(1)
	}
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Frames:            s.frames.Load(),
		Accepted:          s.accepted.Load(),
		Malformed:         s.malformed.Load(),
		Rejected:          s.rejected.Load(),
		RejectedSender:    s.rejectedSender.Load(),
		RejectedLatitude:  s.rejectedLatitude.Load(),
		RejectedLongitude: s.rejectedLongitude.Load(),
		Duplicates:        s.duplicates.Load(),
		StoreFailures:     s.storeFailures.Load(),
	}
}
