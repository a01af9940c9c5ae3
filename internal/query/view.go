// Package query renders filtered, display-ordered views of a store snapshot.
package query

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
)

// Padding widens the viewport bounds on every side, in degrees.
const Padding = 0.0001

// Opacity values assigned to rendered points.
const (
	OpacityLatest = 1.0
	OpacityOlder  = 0.5
)

// Mode selects the base collection of a view.
type Mode int

const (
	// ModeLive renders the live table.
	ModeLive Mode = iota
	// ModeHistory renders the history log grouped per sender.
	ModeHistory
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeHistory:
		return "history"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "live" or "history", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "":
		return ModeLive, nil
	case "history":
		return ModeHistory, nil
	default:
		return ModeLive, fmt.Errorf("unknown view mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Direction is the side of a time cutoff that passes.
type Direction int

const (
	// DirectionAfter keeps records at or after the cutoff.
	DirectionAfter Direction = iota
	// DirectionBefore keeps records at or before the cutoff.
	DirectionBefore
)

func (d Direction) String() string {
	if d == DirectionBefore {
		return "before"
	}
	return "after"
}

// ParseDirection parses "before" or "after", case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "after", "":
		return DirectionAfter, nil
	case "before":
		return DirectionBefore, nil
	default:
		return DirectionAfter, fmt.Errorf("unknown cutoff direction %q", s)
	}
}

// TimeCutoff keeps records on one side of an instant. Both sides are inclusive.
type TimeCutoff struct {
	At        time.Time
	Direction Direction
}

// Match reports whether ts passes the cutoff.
func (c TimeCutoff) Match(ts time.Time) bool {
	if c.Direction == DirectionBefore {
		return !ts.After(c.At)
	}
	return !ts.Before(c.At)
}

// Filters are the optional predicates of a view. A nil field is inactive.
type Filters struct {
	Sender *uint16
	Cutoff *TimeCutoff
}

// Match reports whether rec passes every active filter.
func (f Filters) Match(rec beacon.Record) bool {
	if f.Sender != nil && rec.SenderID != *f.Sender {
		return false
	}
	if f.Cutoff != nil && !f.Cutoff.Match(rec.Timestamp) {
		return false
	}
	return true
}

// Selection is a mode together with its filters.
type Selection struct {
	Filters Filters
	Mode    Mode
}

// Point is one rendered record.
type Point struct {
	Record  beacon.Record
	Opacity float64
}

// Path connects the points of one sender in timestamp order. Coordinates are
// [latitude, longitude] pairs.
type Path struct {
	Coordinates [][2]float64
	SenderID    uint16
}

// Bounds is the padded bounding box of the rendered points.
type Bounds struct {
	MinLatitude  float64
	MinLongitude float64
	MaxLatitude  float64
	MaxLongitude float64
}

// View is the rendered result. Bounds is nil when no record passed.
type View struct {
	Bounds  *Bounds
	Points  []Point
	Paths   []Path
	Mode    Mode
	Version uint64
}

// Select returns the base collection of mode.
func Select(snap store.Snapshot, mode Mode) []beacon.Record {
	if mode == ModeHistory {
		return snap.History
	}
	return snap.Live
}

// Render filters the selected collection of snap. It never modifies snap.
func Render(snap store.Snapshot, mode Mode, f Filters) View {
	view := View{
		Mode:    mode,
		Version: snap.Version,
		Points:  []Point{},
		Paths:   []Path{},
	}

	var passing []beacon.Record
	for _, rec := range Select(snap, mode) {
		if f.Match(rec) {
			passing = append(passing, rec)
		}
	}

	if mode == ModeHistory {
		view.Points, view.Paths = renderHistory(passing)
	} else {
		for _, rec := range passing {
			view.Points = append(view.Points, Point{Record: rec, Opacity: OpacityLatest})
		}
	}

	view.Bounds = boundsOf(passing)
	return view
}

func renderHistory(recs []beacon.Record) ([]Point, []Path) {
	groups := make(map[uint16][]beacon.Record)
	var senders []uint16
	for _, rec := range recs {
		if _, ok := groups[rec.SenderID]; !ok {
			senders = append(senders, rec.SenderID)
		}
		groups[rec.SenderID] = append(groups[rec.SenderID], rec)
	}
	slices.Sort(senders)

	points := make([]Point, 0, len(recs))
	paths := []Path{}
	for _, sender := range senders {
		group := groups[sender]
		slices.SortStableFunc(group, func(a, b beacon.Record) int {
			return a.Timestamp.Compare(b.Timestamp)
		})

		for i, rec := range group {
			opacity := OpacityOlder
			if i == len(group)-1 {
				opacity = OpacityLatest
			}
			points = append(points, Point{Record: rec, Opacity: opacity})
		}

		if len(group) >= 2 {
			path := Path{SenderID: sender, Coordinates: make([][2]float64, 0, len(group))}
			for _, rec := range group {
				path.Coordinates = append(path.Coordinates, [2]float64{float64(rec.Latitude), float64(rec.Longitude)})
			}
			paths = append(paths, path)
		}
	}
	return points, paths
}

func boundsOf(recs []beacon.Record) *Bounds {
	if len(recs) == 0 {
		return nil
	}

	b := Bounds{
		MinLatitude:  math.Inf(1),
		MinLongitude: math.Inf(1),
		MaxLatitude:  math.Inf(-1),
		MaxLongitude: math.Inf(-1),
	}
	for _, rec := range recs {
		lat, lon := float64(rec.Latitude), float64(rec.Longitude)
		b.MinLatitude = math.Min(b.MinLatitude, lat)
		b.MaxLatitude = math.Max(b.MaxLatitude, lat)
		b.MinLongitude = math.Min(b.MinLongitude, lon)
		b.MaxLongitude = math.Max(b.MaxLongitude, lon)
	}

	b.MinLatitude -= Padding
	b.MinLongitude -= Padding
	b.MaxLatitude += Padding
	b.MaxLongitude += Padding
	return &b
}
