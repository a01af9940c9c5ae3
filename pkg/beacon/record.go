// Package beacon provides the beacon telemetry record along with the frame codec,
// range validation and last-seen deduplication applied to every received frame.
package beacon

import (
	"fmt"
	"time"
)

// MaxSenderID is the exclusive upper bound for a valid sender id.
const MaxSenderID = 16

// Geographic bounds accepted by Validate.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Record is one decoded beacon report. Records are values and are never mutated
// after decoding.
type Record struct {
	Timestamp time.Time
	SenderID  uint16
	MessageID uint16
	Latitude  float32
	Longitude float32
	Battery   uint8
	Panic     bool
}

// Equal reports whether r and other carry identical field values.
func (r Record) Equal(other Record) bool {
	return r.SenderID == other.SenderID &&
		r.MessageID == other.MessageID &&
		r.Panic == other.Panic &&
		r.Latitude == other.Latitude &&
		r.Longitude == other.Longitude &&
		r.Battery == other.Battery &&
		r.Timestamp.Equal(other.Timestamp)
}

// String returns a compact single line description used in logs.
func (r Record) String() string {
	return fmt.Sprintf("sender=%d msg=%d panic=%t lat=%.5f lon=%.5f battery=%d%% time=%s",
		r.SenderID, r.MessageID, r.Panic, r.Latitude, r.Longitude, r.Battery,
		r.Timestamp.UTC().Format(time.RFC3339))
}
