package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"procodus.dev/beacon-station/internal/ingest"
	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
)

// PointJSON is one rendered record.
type PointJSON struct {
	Time      string  `json:"time"`
	Latitude  float32 `json:"latitude"`
	Longitude float32 `json:"longitude"`
	Opacity   float64 `json:"opacity"`
	SenderID  uint16  `json:"sender_id"`
	MessageID uint16  `json:"message_id"`
	Battery   uint8   `json:"battery"`
	Panic     bool    `json:"panic"`
}

// PathJSON is the track of one sender.
type PathJSON struct {
	Coordinates [][2]float64 `json:"coordinates"`
	SenderID    uint16       `json:"sender_id"`
}

// BoundsJSON is the padded viewport, as [[south, west], [north, east]].
type BoundsJSON [2][2]float64

// ViewJSON is the response body of the beacons endpoint and of every event.
type ViewJSON struct {
	Bounds  *BoundsJSON `json:"bounds"`
	Mode    string      `json:"mode"`
	Points  []PointJSON `json:"points"`
	Paths   []PathJSON  `json:"paths"`
	Version uint64      `json:"version"`
}

// SelectionJSON is the request and response body of the view endpoint.
type SelectionJSON struct {
	Sender    *uint16 `json:"sender,omitempty"`
	Time      *string `json:"time,omitempty"`
	Mode      string  `json:"mode"`
	Direction string  `json:"direction,omitempty"`
}

// StatsJSON is the response body of the stats endpoint.
type StatsJSON struct {
	Ingest ingest.StatsSnapshot `json:"ingest"`
	Paused bool                 `json:"paused"`
}

// EncodeView converts a rendered view to its JSON form.
func EncodeView(v query.View) ViewJSON {
	out := ViewJSON{
		Mode:    v.Mode.String(),
		Version: v.Version,
		Points:  make([]PointJSON, 0, len(v.Points)),
		Paths:   make([]PathJSON, 0, len(v.Paths)),
	}

	for _, p := range v.Points {
		out.Points = append(out.Points, PointJSON{
			SenderID:  p.Record.SenderID,
			MessageID: p.Record.MessageID,
			Latitude:  p.Record.Latitude,
			Longitude: p.Record.Longitude,
			Battery:   p.Record.Battery,
			Panic:     p.Record.Panic,
			Time:      p.Record.Timestamp.UTC().Format(store.TimeLayout),
			Opacity:   p.Opacity,
		})
	}

	for _, p := range v.Paths {
		out.Paths = append(out.Paths, PathJSON{SenderID: p.SenderID, Coordinates: p.Coordinates})
	}

	if v.Bounds != nil {
		out.Bounds = &BoundsJSON{
			{v.Bounds.MinLatitude, v.Bounds.MinLongitude},
			{v.Bounds.MaxLatitude, v.Bounds.MaxLongitude},
		}
	}
	return out
}

// DecodeView converts the JSON form of a view back to a rendered view.
func DecodeView(in ViewJSON) (query.View, error) {
	mode, err := query.ParseMode(in.Mode)
	if err != nil {
		return query.View{}, err
	}
	out := query.View{
		Mode:    mode,
		Version: in.Version,
		Points:  make([]query.Point, 0, len(in.Points)),
		Paths:   make([]query.Path, 0, len(in.Paths)),
	}

	for _, p := range in.Points {
		ts, err := time.ParseInLocation(store.TimeLayout, p.Time, time.UTC)
		if err != nil {
			return query.View{}, fmt.Errorf("invalid point time %q: %w", p.Time, err)
		}
		out.Points = append(out.Points, query.Point{
			Record: beacon.Record{
				SenderID:  p.SenderID,
				MessageID: p.MessageID,
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
				Battery:   p.Battery,
				Panic:     p.Panic,
				Timestamp: ts,
			},
			Opacity: p.Opacity,
		})
	}

	for _, p := range in.Paths {
		out.Paths = append(out.Paths, query.Path{SenderID: p.SenderID, Coordinates: p.Coordinates})
	}

	if in.Bounds != nil {
		out.Bounds = &query.Bounds{
			MinLatitude:  in.Bounds[0][0],
			MinLongitude: in.Bounds[0][1],
			MaxLatitude:  in.Bounds[1][0],
			MaxLongitude: in.Bounds[1][1],
		}
	}
	return out, nil
}

func encodeSelection(sel query.Selection) SelectionJSON {
	out := SelectionJSON{Mode: sel.Mode.String()}
	if sel.Filters.Sender != nil {
		id := *sel.Filters.Sender
		out.Sender = &id
	}
	if sel.Filters.Cutoff != nil {
		ts := sel.Filters.Cutoff.At.UTC().Format(store.TimeLayout)
		out.Time = &ts
		out.Direction = sel.Filters.Cutoff.Direction.String()
	}
	return out
}

// DecodeSelection validates a requested selection.
func DecodeSelection(in SelectionJSON) (query.Selection, error) {
	var sel query.Selection

	mode, err := query.ParseMode(in.Mode)
	if err != nil {
		return sel, err
	}
	sel.Mode = mode

	if in.Sender != nil {
		id := *in.Sender
		sel.Filters.Sender = &id
	}

	if in.Time != nil {
		cutoff, err := parseCutoff(*in.Time, in.Direction)
		if err != nil {
			return sel, err
		}
		sel.Filters.Cutoff = cutoff
	}
	return sel, nil
}

// selectionOverrides holds the explicitly requested parts of a selection. A
// nil field keeps the base value; an empty Time clears the cutoff.
type selectionOverrides struct {
	Mode      *string
	Sender    *string
	Time      *string
	Direction string
}

func (o selectionOverrides) apply(sel query.Selection) (query.Selection, error) {
	if o.Mode != nil {
		mode, err := parseModeParam(*o.Mode)
		if err != nil {
			return sel, err
		}
		sel.Mode = mode
	}

	if o.Sender != nil {
		sender, err := ParseSender(*o.Sender)
		if err != nil {
			return sel, err
		}
		sel.Filters.Sender = sender
	}

	if o.Time != nil {
		if *o.Time == "" {
			sel.Filters.Cutoff = nil
		} else {
			cutoff, err := parseCutoff(*o.Time, o.Direction)
			if err != nil {
				return sel, err
			}
			sel.Filters.Cutoff = cutoff
		}
	}
	return sel, nil
}

// parseTime accepts the persisted time layout and RFC 3339.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.ParseInLocation(store.TimeLayout, s, time.UTC); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want %q or RFC 3339", s, store.TimeLayout)
	}
	return ts.UTC(), nil
}

func parseCutoff(at, direction string) (*query.TimeCutoff, error) {
	ts, err := parseTime(at)
	if err != nil {
		return nil, err
	}
	dir, err := query.ParseDirection(direction)
	if err != nil {
		return nil, err
	}
	return &query.TimeCutoff{At: ts, Direction: dir}, nil
}

// ParseSender parses a sender filter. It accepts a sender id, or "all" and "" for no filter.
func ParseSender(s string) (*uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return nil, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q", s)
	}
	id := uint16(n)
	return &id, nil
}

// parseModeParam is ParseMode without the empty-string default.
func parseModeParam(s string) (query.Mode, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("mode cannot be empty")
	}
	return query.ParseMode(s)
}
