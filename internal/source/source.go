// Package source provides the byte transports beacon frames arrive on.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"procodus.dev/beacon-station/pkg/beacon"
)

// FrameSource yields raw frames. A returned frame may be shorter or longer
// than beacon.FrameSize; rejecting it is the decoder's job. Any error from
// ReadFrame is terminal for the source.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportError reports a failure of the underlying transport.
type TransportError struct {
	Err error
	Op  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StreamSource reads fixed-size frames from a byte stream such as a TCP
// connection, reassembling frames split across reads.
type StreamSource struct {
	rc        io.ReadCloser
	buf       []byte
	closeOnce sync.Once
	closeErr  error
}

// NewStreamSource wraps rc.
func NewStreamSource(rc io.ReadCloser) *StreamSource {
	return &StreamSource{
		rc:  rc,
		buf: make([]byte, beacon.FrameSize),
	}
}

// DialTCP connects to a frame stream served over TCP.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*StreamSource, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return NewStreamSource(conn), nil
}

// ReadFrame blocks until a full frame is buffered. The returned slice is only
// valid until the next call.
func (s *StreamSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.rc, s.buf); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	return s.buf, nil
}

// Close releases the stream. It is safe to call more than once.
func (s *StreamSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}
