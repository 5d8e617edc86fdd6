package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// UpgradeWebSocket performs the server side of the WebSocket handshake on
// conn and returns a Socket carrying protocol bytes in binary messages.
// Message boundaries carry no meaning: payloads are joined into one byte
// stream and framed by the packet parser, exactly like TCP.
func UpgradeWebSocket(conn net.Conn, handshakeTimeout time.Duration, opts SocketOptions) (Socket, error) {
	if handshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("websocket upgrade from %s failed: %w", conn.RemoteAddr(), err)
	}
	conn.SetDeadline(time.Time{})

	return newWebSocket(conn, opts), nil
}

func newWebSocket(conn net.Conn, opts SocketOptions) Socket {
	s := newPumpSocket(conn, TransportWebSocket, opts)
	reader := NewWebSocketReader(conn, conn, ws.StateServerSide, s.sendFrame)
	s.readFrame = reader.Next
	s.writeFrame = func(p []byte) error {
		return wsutil.WriteServerBinary(conn, p)
	}
	s.closeFrame = func() error {
		return wsutil.WriteServerMessage(conn, ws.OpClose, nil)
	}
	s.start()
	return s
}

// FrameSender runs write while no other frame is being written to the same
// connection.
type FrameSender func(write func() error) error

// WebSocketReader reads data messages from one side of a WebSocket
// connection. Pings and close frames are answered through send, so a reply
// never lands inside a data frame written by another goroutine.
type WebSocketReader struct {
	rd      *wsutil.Reader
	control wsutil.FrameHandlerFunc
}

// NewWebSocketReader reads frames from src and writes control replies to
// dst. state selects masking for the side of the connection we are on.
func NewWebSocketReader(src io.Reader, dst io.Writer, state ws.State, send FrameSender) *WebSocketReader {
	reply := wsutil.ControlFrameHandler(dst, state)
	r := &WebSocketReader{}
	r.control = func(hdr ws.Header, payload io.Reader) error {
		// Read the payload first so a slow peer cannot hold the frame lock.
		body := make([]byte, hdr.Length)
		if _, err := io.ReadFull(payload, body); err != nil {
			return err
		}
		return send(func() error {
			return reply(hdr, bytes.NewReader(body))
		})
	}
	r.rd = &wsutil.Reader{
		Source:         src,
		State:          state,
		OnIntermediate: r.control,
	}
	return r
}

// Next returns the payload of the next binary or text message. A close
// frame from the peer is answered and reported as io.EOF.
func (r *WebSocketReader) Next() ([]byte, error) {
	for {
		hdr, err := r.rd.NextFrame()
		if err != nil {
			return nil, closedAsEOF(err)
		}
		if hdr.OpCode.IsControl() {
			if err := r.control(hdr, r.rd); err != nil {
				return nil, closedAsEOF(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpBinary && hdr.OpCode != ws.OpText {
			if err := r.rd.Discard(); err != nil {
				return nil, closedAsEOF(err)
			}
			continue
		}

		data, err := io.ReadAll(r.rd)
		if err != nil {
			return nil, closedAsEOF(err)
		}
		return data, nil
	}
}

func closedAsEOF(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}
