package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"procodus.dev/beacon-station/pkg/mq"
)

// Emitter delivers encoded frames to a station transport.
type Emitter interface {
	Emit(ctx context.Context, frame []byte) error
	Close() error
}

// QueueEmitter publishes each frame as one message.
type QueueEmitter struct {
	client mq.ClientInterface
}

// NewQueueEmitter wraps client.
func NewQueueEmitter(client mq.ClientInterface) *QueueEmitter {
	return &QueueEmitter{client: client}
}

// Emit publishes frame.
func (q *QueueEmitter) Emit(ctx context.Context, frame []byte) error {
	return q.client.Push(ctx, frame)
}

// Close closes the client.
func (q *QueueEmitter) Close() error {
	if err := q.client.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
		return err
	}
	return nil
}

// WriterEmitter writes frames back to back to a byte stream.
type WriterEmitter struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewWriterEmitter wraps w.
func NewWriterEmitter(w io.WriteCloser) *WriterEmitter {
	return &WriterEmitter{w: w}
}

// OpenFileEmitter appends frames to the file or named pipe at path.
func OpenFileEmitter(path string) (*WriterEmitter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return NewWriterEmitter(f), nil
}

// Emit writes frame.
func (e *WriterEmitter) Emit(_ context.Context, frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.w.Write(frame)
	return err
}

// Close closes the underlying stream.
func (e *WriterEmitter) Close() error {
	return e.w.Close()
}

// ListenerEmitter accepts TCP connections and writes every frame to each of
// them. Connections that fail a write are dropped.
type ListenerEmitter struct {
	logger   *slog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	once     sync.Once
}

// Listen starts accepting station connections on addr.
func Listen(addr string, logger *slog.Logger) (*ListenerEmitter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	e := &ListenerEmitter{
		logger:   logger,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
	go e.accept()
	return e, nil
}

// Addr returns the listening address.
func (e *ListenerEmitter) Addr() net.Addr {
	return e.listener.Addr()
}

// Connections returns the number of connected stations.
func (e *ListenerEmitter) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.conns)
}

func (e *ListenerEmitter) accept() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
			default:
				e.logger.Error("accept failed", "error", err)
			}
			return
		}

		e.logger.Info("station connected", "remote", conn.RemoteAddr().String())
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()
	}
}

// Emit writes frame to every connected station.
func (e *ListenerEmitter) Emit(_ context.Context, frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed int
	for conn := range e.conns {
		if _, err := conn.Write(frame); err != nil {
			e.logger.Warn("dropping station connection",
				"remote", conn.RemoteAddr().String(),
				"error", err,
			)
			conn.Close()
			delete(e.conns, conn)
			failed++
		}
	}

	if failed > 0 && len(e.conns) == 0 {
		return errors.New("no station connection accepted the frame")
	}
	return nil
}

// Close stops accepting and closes every connection.
func (e *ListenerEmitter) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		err = e.listener.Close()

		e.mu.Lock()
		defer e.mu.Unlock()
		for conn := range e.conns {
			conn.Close()
			delete(e.conns, conn)
		}
	})
	return err
}
