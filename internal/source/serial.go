package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"procodus.dev/beacon-station/pkg/beacon"
)

// Serial line defaults of the receiver.
const (
	DefaultBaudRate    = 9600
	DefaultReadTimeout = time.Second
)

// serialSeparator is the CR LF pair the receiver writes ahead of every packet.
const serialSeparator = 2

// SerialConfig holds the line settings for a serial receiver.
type SerialConfig struct {
	Path string
	// BaudRate defaults to DefaultBaudRate.
	BaudRate int
	// ReadTimeout bounds how long a partial packet is waited for. It defaults
	// to DefaultReadTimeout.
	ReadTimeout time.Duration
}

// SerialSource reads packets from a serial receiver. Every packet arrives as
// the separator followed by a frame, so the source collects windows of
// beacon.FrameSize+2 bytes and strips the separator. A window still short when
// the read timeout expires is returned as received and left to the decoder.
type SerialSource struct {
	port      io.ReadCloser
	window    []byte
	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens the device in raw 8N1 mode at the configured baud rate.
func OpenSerial(cfg *SerialConfig) (*SerialSource, error) {
	if cfg == nil {
		return nil, errors.New("serial config cannot be nil")
	}
	if cfg.Path == "" {
		return nil, errors.New("serial path cannot be empty")
	}

	baud := cfg.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	port, err := serial.Open(cfg.Path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, &TransportError{Op: "configure", Err: err}
	}

	return NewSerialSource(port), nil
}

// NewSerialSource wraps an open port. A Read returning no bytes and no error
// is treated as an expired read timeout.
func NewSerialSource(port io.ReadCloser) *SerialSource {
	return &SerialSource{
		port:   port,
		window: make([]byte, beacon.FrameSize+serialSeparator),
	}
}

// ReadFrame returns the next packet without its separator. The returned slice
// is only valid until the next call.
func (s *SerialSource) ReadFrame(ctx context.Context) ([]byte, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := s.port.Read(s.window[n:])
		n += m
		if n == len(s.window) {
			return s.window[serialSeparator:], nil
		}
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		if m == 0 && n > 0 {
			return s.window[:n], nil
		}
	}
}

// Close releases the port. It is safe to call more than once.
func (s *SerialSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
