// Package simulator generates a fleet of fake beacons that report their
// position, battery and panic state in either wire format.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/beacon-station/pkg/beacon"
)

// Defaults applied by NewFleet.
const (
	DefaultSize      = beacon.MaxSenderID - 1
	DefaultStep      = 0.0005
	DefaultPanicRate = 0.02
	DefaultDrain     = 0.25
)

// Config describes a simulated fleet.
type Config struct {
	// Seed makes the fleet reproducible. Zero selects a random seed.
	Seed uint64
	// Size is the number of beacons, ids 1..Size. Defaults to DefaultSize.
	Size int
	// Center is the point every beacon starts near. A nil Center picks one at random.
	Center *Position
	// Step is the largest move in degrees between two reports.
	Step float64
	// PanicRate is the probability that a report carries the panic flag.
	PanicRate float64
	// RepeatRate is the probability that a beacon repeats its previous report unchanged.
	RepeatRate float64
	// CompactShare is the fraction of beacons using the compact format. Negative
	// values select legacy for every beacon.
	CompactShare float64
}

// Position is a latitude/longitude pair in degrees.
type Position struct {
	Latitude  float64
	Longitude float64
}

// Profile is the descriptive part of a simulated beacon.
type Profile struct {
	CallSign string `fake:"{firstname}"`
	Firmware string `fake:"{appversion}"`
}

// Beacon is one simulated transmitter. It is not safe for concurrent use; the
// owning Fleet serializes access.
type Beacon struct {
	Profile
	ID     uint16
	Format beacon.WireFormat

	faker      *gofakeit.Faker
	position   Position
	battery    float64
	messageID  uint16
	step       float64
	panicRate  float64
	repeatRate float64
	last       *beacon.Record
}

// Next advances the beacon by one report and returns it.
func (b *Beacon) Next(now time.Time) beacon.Record {
	if b.last != nil && b.faker.Float64() < b.repeatRate {
		return *b.last
	}

	b.position.Latitude = clamp(b.position.Latitude+b.faker.Float64Range(-b.step, b.step), beacon.MinLatitude, beacon.MaxLatitude)
	b.position.Longitude = wrapLongitude(b.position.Longitude + b.faker.Float64Range(-b.step, b.step))
	b.battery = math.Max(0, b.battery-b.faker.Float64Range(0, DefaultDrain))
	b.messageID = (b.messageID + 1) & b.messageMask()

	rec := beacon.Record{
		SenderID:  b.ID,
		MessageID: b.messageID,
		Latitude:  float32(b.position.Latitude),
		Longitude: float32(b.position.Longitude),
		Battery:   uint8(math.Round(b.battery)),
		Panic:     b.faker.Float64() < b.panicRate,
		Timestamp: now.UTC().Truncate(time.Second),
	}
	b.last = &rec
	return rec
}

func (b *Beacon) messageMask() uint16 {
	if b.Format == beacon.FormatCompact {
		return 0x7FFF
	}
	return 0x7F
}

// Frame is one encoded report.
type Frame struct {
	Record beacon.Record
	Format beacon.WireFormat
	Data   []byte
}

// Fleet is a set of beacons that report together.
type Fleet struct {
	mu      sync.Mutex
	codec   beacon.Codec
	beacons []*Beacon
}

// NewFleet creates the beacons described by cfg.
func NewFleet(cfg Config, codec beacon.Codec) (*Fleet, error) {
	size := cfg.Size
	if size == 0 {
		size = DefaultSize
	}
	if size < 0 || size >= beacon.MaxSenderID {
		return nil, fmt.Errorf("fleet size must be between 1 and %d", beacon.MaxSenderID-1)
	}

	if cfg.PanicRate < 0 || cfg.PanicRate > 1 {
		return nil, errors.New("panic rate must be between 0 and 1")
	}
	if cfg.RepeatRate < 0 || cfg.RepeatRate > 1 {
		return nil, errors.New("repeat rate must be between 0 and 1")
	}

	step := cfg.Step
	if step <= 0 {
		step = DefaultStep
	}

	faker := gofakeit.New(cfg.Seed)

	center := Position{
		Latitude:  faker.Float64Range(-60, 60),
		Longitude: faker.Float64Range(-180, 180),
	}
	if cfg.Center != nil {
		center = *cfg.Center
	}

	compact := int(math.Round(cfg.CompactShare * float64(size)))

	fleet := &Fleet{codec: codec, beacons: make([]*Beacon, 0, size)}
	for i := range size {
		b := &Beacon{
			ID:     uint16(i + 1),
			Format: beacon.FormatLegacy,
			faker:  faker,
			position: Position{
				Latitude:  clamp(center.Latitude+faker.Float64Range(-100*step, 100*step), beacon.MinLatitude, beacon.MaxLatitude),
				Longitude: wrapLongitude(center.Longitude + faker.Float64Range(-100*step, 100*step)),
			},
			battery:    faker.Float64Range(60, 100),
			messageID:  uint16(faker.IntRange(0, 0x7F)),
			step:       step,
			panicRate:  cfg.PanicRate,
			repeatRate: cfg.RepeatRate,
		}
		if i < compact {
			b.Format = beacon.FormatCompact
		}
		if err := faker.Struct(&b.Profile); err != nil {
			return nil, fmt.Errorf("failed to generate beacon profile: %w", err)
		}
		fleet.beacons = append(fleet.beacons, b)
	}

	return fleet, nil
}

// Beacons returns the beacons of the fleet.
func (f *Fleet) Beacons() []*Beacon {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Beacon, len(f.beacons))
	copy(out, f.beacons)
	return out
}

// Size returns the number of beacons.
func (f *Fleet) Size() int {
	return len(f.beacons)
}

// Frames advances every beacon once and encodes the reports.
func (f *Fleet) Frames(now time.Time) ([]Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]Frame, 0, len(f.beacons))
	for _, b := range f.beacons {
		rec := b.Next(now)
		data, err := f.codec.Encode(rec, b.Format)
		if err != nil {
			return frames, fmt.Errorf("failed to encode report from beacon %d: %w", b.ID, err)
		}
		frames = append(frames, Frame{Record: rec, Format: b.Format, Data: data})
	}
	return frames, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wrapLongitude(lon float64) float64 {
	switch {
	case lon > beacon.MaxLongitude:
		return lon - 360
	case lon < beacon.MinLongitude:
		return lon + 360
	default:
		return lon
	}
}
