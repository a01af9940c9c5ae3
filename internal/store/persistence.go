// Package store owns the live beacon table and the append-only history log and
// keeps both durable through a pluggable Persistence backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procodus.dev/beacon-station/pkg/beacon"
)

// Collection names one persisted document.
type Collection string

const (
	// CollectionLive holds the most recent record per sender.
	CollectionLive Collection = "live"
	// CollectionHistory holds every accepted record in arrival order.
	CollectionHistory Collection = "history"
)

// TimeLayout is the timestamp format used inside persisted documents.
const TimeLayout = "01-02-2006 15:04:05"

var (
	// ErrNotFound is returned by Load when a collection was never saved.
	ErrNotFound = errors.New("collection not found")
	// ErrCorrupt is returned by Load when a stored document cannot be decoded.
	ErrCorrupt = errors.New("collection is corrupt")
	// ErrReadOnly is returned by Save on a backend opened read-only.
	ErrReadOnly = errors.New("persistence is read-only")
)

// Persistence is the durable document store behind a Store. Save must not
// return before the document is durable.
type Persistence interface {
	Load(ctx context.Context, name Collection) (*FeatureCollection, error)
	Save(ctx context.Context, name Collection, fc *FeatureCollection) error
	Close() error
}

// FeatureCollection is the GeoJSON document a collection is persisted as.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is one beacon record in GeoJSON form.
type Feature struct {
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
	Geometry   Geometry   `json:"geometry"`
}

// Properties carries the record fields. Keys match the documents written by
// earlier base station releases so existing files load unchanged.
type Properties struct {
	RadioID   uint16  `json:"Radio ID"`
	MessageID uint16  `json:"Message ID"`
	Panic     bool    `json:"Panic State"`
	Latitude  float32 `json:"Latitude"`
	Longitude float32 `json:"Longitude"`
	Battery   uint8   `json:"Battery Life"`
	Time      string  `json:"Time"`
}

// Geometry is a GeoJSON point, coordinates in [longitude, latitude] order.
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// NewFeatureCollection returns an empty document.
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
}

// CollectionOf builds the document for recs, preserving their order.
func CollectionOf(recs []beacon.Record) *FeatureCollection {
	fc := &FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(recs))}
	for _, rec := range recs {
		fc.Features = append(fc.Features, FeatureOf(rec))
	}
	return fc
}

// FeatureOf converts a record to its persisted form.
func FeatureOf(rec beacon.Record) Feature {
	return Feature{
		Type: "Feature",
		Properties: Properties{
			RadioID:   rec.SenderID,
			MessageID: rec.MessageID,
			Panic:     rec.Panic,
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
			Battery:   rec.Battery,
			Time:      rec.Timestamp.UTC().Format(TimeLayout),
		},
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: [2]float64{float64(rec.Longitude), float64(rec.Latitude)},
		},
	}
}

// Record converts a persisted feature back to a record.
func (f Feature) Record() (beacon.Record, error) {
	ts, err := time.ParseInLocation(TimeLayout, f.Properties.Time, time.UTC)
	if err != nil {
		return beacon.Record{}, fmt.Errorf("failed to parse time %q: %w", f.Properties.Time, err)
	}

	return beacon.Record{
		SenderID:  f.Properties.RadioID,
		MessageID: f.Properties.MessageID,
		Panic:     f.Properties.Panic,
		Latitude:  f.Properties.Latitude,
		Longitude: f.Properties.Longitude,
		Battery:   f.Properties.Battery,
		Timestamp: ts,
	}, nil
}

// Records converts every feature, skipping the ones that cannot be parsed.
// It returns how many features were skipped.
func (fc *FeatureCollection) Records() ([]beacon.Record, int) {
	if fc == nil {
		return nil, 0
	}

	recs := make([]beacon.Record, 0, len(fc.Features))
	skipped := 0
	for _, f := range fc.Features {
		rec, err := f.Record()
		if err != nil {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, skipped
}
