package beacon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// FrameSize is the fixed length of every frame on the wire.
const FrameSize = 16

const (
	formatTagBit = 0x80

	compactSenderMask  = 0x7F
	compactPanicBit    = 0x8000
	compactMessageMask = 0x7FFF

	legacyPanicBit    = 0x80
	legacyMessageMask = 0x7F
)

// Offsets of the fields shared by both wire formats.
const (
	offsetLatitude  = 3
	offsetLongitude = 7
	offsetBattery   = 11
	offsetTime      = 12
)

// WireFormat identifies the frame layout selected by the tag bit of byte 0.
type WireFormat uint8

const (
	// FormatLegacy carries a 16-bit sender id and an 8-bit descriptor.
	FormatLegacy WireFormat = iota
	// FormatCompact carries a 7-bit sender id and a 16-bit descriptor.
	FormatCompact
)

// String returns the format name.
func (f WireFormat) String() string {
	switch f {
	case FormatCompact:
		return "compact"
	case FormatLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("WireFormat(%d)", uint8(f))
	}
}

// FormatOf returns the wire format announced by the first byte of a frame.
func FormatOf(first byte) WireFormat {
	if first&formatTagBit != 0 {
		return FormatCompact
	}
	return FormatLegacy
}

// FrameLengthError is returned when a frame is not exactly FrameSize bytes long.
type FrameLengthError struct {
	Expected int
	Actual   int
}

func (e *FrameLengthError) Error() string {
	return fmt.Sprintf("expected frame length of %d bytes, received %d bytes", e.Expected, e.Actual)
}

var (
	errSenderTooWide  = errors.New("sender id does not fit the wire format")
	errMessageTooWide = errors.New("message id does not fit the wire format")
	errTagCollision   = errors.New("sender id collides with the format tag bit")
	errUnknownFormat  = errors.New("unknown wire format")
)

// Codec decodes and encodes frames with a fixed byte order. The order is a
// deployment contract shared with the transmitters.
type Codec struct {
	Order binary.ByteOrder
}

// DefaultCodec uses network byte order.
var DefaultCodec = NewCodec(nil)

// NewCodec returns a codec for the given byte order, big-endian when nil.
func NewCodec(order binary.ByteOrder) Codec {
	if order == nil {
		order = binary.BigEndian
	}
	return Codec{Order: order}
}

type header struct {
	senderID  uint16
	messageID uint16
	panicFlag bool
}

// Decode parses a single frame. Frames of any length other than FrameSize fail
// with a *FrameLengthError and are never partially parsed.
func (c Codec) Decode(frame []byte) (Record, error) {
	if len(frame) != FrameSize {
		return Record{}, &FrameLengthError{Expected: FrameSize, Actual: len(frame)}
	}

	var h header
	switch FormatOf(frame[0]) {
	case FormatCompact:
		h = c.compactHeader(frame)
	case FormatLegacy:
		h = c.legacyHeader(frame)
	}

	return Record{
		SenderID:  h.senderID,
		MessageID: h.messageID,
		Panic:     h.panicFlag,
		Latitude:  math.Float32frombits(c.Order.Uint32(frame[offsetLatitude:])),
		Longitude: math.Float32frombits(c.Order.Uint32(frame[offsetLongitude:])),
		Battery:   frame[offsetBattery],
		Timestamp: time.Unix(int64(c.Order.Uint32(frame[offsetTime:])), 0).UTC(),
	}, nil
}

func (c Codec) compactHeader(frame []byte) header {
	descriptor := c.Order.Uint16(frame[1:3])
	return header{
		senderID:  uint16(frame[0] & compactSenderMask),
		messageID: descriptor & compactMessageMask,
		panicFlag: descriptor&compactPanicBit != 0,
	}
}

func (c Codec) legacyHeader(frame []byte) header {
	descriptor := frame[2]
	return header{
		senderID:  c.Order.Uint16(frame[0:2]),
		messageID: uint16(descriptor & legacyMessageMask),
		panicFlag: descriptor&legacyPanicBit != 0,
	}
}

// Encode serializes rec in the requested wire format. It is the transmitter side
// of Decode and is used by the simulator.
func (c Codec) Encode(rec Record, format WireFormat) ([]byte, error) {
	frame := make([]byte, FrameSize)

	switch format {
	case FormatCompact:
		if rec.SenderID > compactSenderMask {
			return nil, fmt.Errorf("%w: %d > %d", errSenderTooWide, rec.SenderID, compactSenderMask)
		}
		if rec.MessageID > compactMessageMask {
			return nil, fmt.Errorf("%w: %d > %d", errMessageTooWide, rec.MessageID, compactMessageMask)
		}
		frame[0] = formatTagBit | byte(rec.SenderID)
		descriptor := rec.MessageID
		if rec.Panic {
			descriptor |= compactPanicBit
		}
		c.Order.PutUint16(frame[1:3], descriptor)

	case FormatLegacy:
		if rec.MessageID > legacyMessageMask {
			return nil, fmt.Errorf("%w: %d > %d", errMessageTooWide, rec.MessageID, legacyMessageMask)
		}
		c.Order.PutUint16(frame[0:2], rec.SenderID)
		if FormatOf(frame[0]) != FormatLegacy {
			return nil, fmt.Errorf("%w: %d", errTagCollision, rec.SenderID)
		}
		descriptor := byte(rec.MessageID)
		if rec.Panic {
			descriptor |= legacyPanicBit
		}
		frame[2] = descriptor

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownFormat, format)
	}

	c.Order.PutUint32(frame[offsetLatitude:], math.Float32bits(rec.Latitude))
	c.Order.PutUint32(frame[offsetLongitude:], math.Float32bits(rec.Longitude))
	frame[offsetBattery] = rec.Battery
	c.Order.PutUint32(frame[offsetTime:], uint32(rec.Timestamp.Unix()))

	return frame, nil
}
