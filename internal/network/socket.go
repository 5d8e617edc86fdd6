// Package network implements the transport side of the chat server: sockets
// that can be drained without blocking, the per-connection records, the
// registry that owns them and the listeners that accept new clients.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrSocketClosed is returned by Write after Close.
	ErrSocketClosed = errors.New("socket is closed")
	// ErrWriteQueueFull is returned by Write when the peer has stopped
	// draining its queued frames.
	ErrWriteQueueFull = errors.New("write queue is full")
)

// closeFlushTimeout bounds the writes still queued when a socket closes.
const closeFlushTimeout = time.Second

// Socket is a byte-stream connection that the tick loop can poll.
type Socket interface {
	// ReadAvailable appends every byte that has already arrived to dst
	// and returns immediately. io.EOF reports an orderly peer close once
	// all buffered data has been delivered.
	ReadAvailable(dst []byte) ([]byte, error)
	// Write queues p for delivery and returns without waiting on the peer.
	// p must not be modified afterwards. It fails after Close, after an
	// earlier write failed, or when the write queue is full.
	Write(p []byte) error
	Close() error
	RemoteAddr() string
	Transport() string
}

// SocketOptions tune the read pump and writes of a socket.
type SocketOptions struct {
	// WriteTimeout bounds each frame written to the peer. Zero disables
	// the deadline.
	WriteTimeout time.Duration
	// ReadChunkSize is the size of each read from the connection.
	ReadChunkSize int
	// QueueDepth is how many chunks may wait for the tick loop before the
	// pump stops reading and TCP back-pressure applies.
	QueueDepth int
	// WriteQueueDepth is how many writes may wait for a slow peer before
	// Write fails with ErrWriteQueueFull.
	WriteQueueDepth int
}

// DefaultSocketOptions returns sensible defaults.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		WriteTimeout:    10 * time.Second,
		ReadChunkSize:   4096,
		QueueDepth:      64,
		WriteQueueDepth: 256,
	}
}

func (o SocketOptions) normalized() SocketOptions {
	d := DefaultSocketOptions()
	if o.ReadChunkSize <= 0 {
		o.ReadChunkSize = d.ReadChunkSize
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = d.QueueDepth
	}
	if o.WriteQueueDepth <= 0 {
		o.WriteQueueDepth = d.WriteQueueDepth
	}
	return o
}

// pumpSocket turns a blocking net.Conn into a pollable Socket. A reader
// goroutine owns the read half and forwards chunks over a bounded channel;
// a writer goroutine drains queued frames, so neither direction blocks the
// caller.
type pumpSocket struct {
	conn      net.Conn
	transport string
	opts      SocketOptions

	// readFrame returns the next chunk of payload bytes. The returned slice
	// must not be reused by the producer.
	readFrame  func() ([]byte, error)
	writeFrame func(p []byte) error
	closeFrame func() error

	chunks  chan []byte
	readErr error // set before chunks is closed
	done    chan struct{}

	outbound chan []byte

	// frameMu keeps frames whole on the wire. Queued writes, the close
	// frame and control replies from the read pump all take it.
	frameMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	writeErr error
}

func newPumpSocket(conn net.Conn, transport string, opts SocketOptions) *pumpSocket {
	opts = opts.normalized()
	return &pumpSocket{
		conn:      conn,
		transport: transport,
		opts:      opts,
		chunks:    make(chan []byte, opts.QueueDepth),
		done:      make(chan struct{}),
		outbound:  make(chan []byte, opts.WriteQueueDepth),
	}
}

// NewStreamSocket wraps a raw TCP (or any stream) connection and starts its
// pumps.
func NewStreamSocket(conn net.Conn, opts SocketOptions) Socket {
	s := newPumpSocket(conn, TransportTCP, opts)
	chunkSize := s.opts.ReadChunkSize
	s.readFrame = func() ([]byte, error) {
		buf := make([]byte, chunkSize)
		n, err := conn.Read(buf)
		if n > 0 {
			// Deliver data first; the error surfaces on the next call.
			return buf[:n], nil
		}
		if err == nil {
			return nil, nil
		}
		return nil, err
	}
	s.writeFrame = func(p []byte) error {
		_, err := conn.Write(p)
		return err
	}
	s.start()
	return s
}

func (s *pumpSocket) start() {
	go s.pump()
	go s.writeLoop()
}

func (s *pumpSocket) pump() {
	defer close(s.chunks)
	for {
		data, err := s.readFrame()
		if len(data) > 0 {
			select {
			case s.chunks <- data:
			case <-s.done:
				s.readErr = ErrSocketClosed
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// writeLoop sends queued frames until Close, then the close frame, and
// finally closes the connection.
func (s *pumpSocket) writeLoop() {
	defer s.conn.Close()

	for p := range s.outbound {
		if s.failed() {
			continue
		}
		if err := s.sendFrame(func() error { return s.writeFrame(p) }); err != nil {
			s.mu.Lock()
			s.writeErr = fmt.Errorf("failed to write %d bytes: %w", len(p), err)
			s.mu.Unlock()
			// Unblocks the read pump so the tick loop sees the failure.
			s.conn.Close()
		}
	}
	if s.closeFrame != nil && !s.failed() {
		_ = s.sendFrame(s.closeFrame)
	}
}

// sendFrame runs write with frameMu held and the write deadline set.
func (s *pumpSocket) sendFrame(write func() error) error {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if d := s.writeDeadline(); !d.IsZero() {
		s.conn.SetWriteDeadline(d)
	}
	return write()
}

func (s *pumpSocket) writeDeadline() time.Time {
	s.mu.Lock()
	closing := s.closed
	s.mu.Unlock()

	timeout := s.opts.WriteTimeout
	if closing && (timeout <= 0 || timeout > closeFlushTimeout) {
		timeout = closeFlushTimeout
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (s *pumpSocket) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr != nil
}

func (s *pumpSocket) ReadAvailable(dst []byte) ([]byte, error) {
	// Bound the drain so a fast sender cannot keep one call spinning.
	for i := 0; i <= s.opts.QueueDepth; i++ {
		select {
		case data, ok := <-s.chunks:
			if !ok {
				return dst, s.terminalError()
			}
			dst = append(dst, data...)
		default:
			return dst, nil
		}
	}
	return dst, nil
}

func (s *pumpSocket) terminalError() error {
	err := s.readErr
	if err == nil || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("read from %s: %w", s.RemoteAddr(), err)
}

func (s *pumpSocket) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSocketClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	select {
	case s.outbound <- p:
		return nil
	default:
		return fmt.Errorf("%w: %d frames pending", ErrWriteQueueFull, len(s.outbound))
	}
}

// Close stops both pumps. Frames already queued are flushed in the
// background within closeFlushTimeout before the connection is closed.
func (s *pumpSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.outbound)
	close(s.done)
	// Cut short a write already stuck on a stalled peer.
	s.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	return nil
}

func (s *pumpSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *pumpSocket) Transport() string {
	return s.transport
}
