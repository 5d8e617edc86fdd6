package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/energizer-project/ticktalk/internal/network"
)

// conn is the byte stream to the server. Packet framing is left to the
// protocol parser for both transports.
type conn interface {
	Read(buf []byte) (int, error)
	Write(data []byte) error
	Close() error
	RemoteAddr() string
}

type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) Read(buf []byte) (int, error) { return c.conn.Read(buf) }

func (c *tcpConn) Write(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) Close() error       { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// wsConn carries protocol bytes in binary WebSocket messages. A message may
// hold any number of packets, or part of one.
type wsConn struct {
	conn    net.Conn
	reader  *network.WebSocketReader
	pending []byte

	// mu keeps frames whole: pongs from Read and data frames from Write.
	mu sync.Mutex
}

func newWSConn(c net.Conn, src io.Reader) *wsConn {
	wc := &wsConn{conn: c}
	wc.reader = network.NewWebSocketReader(src, c, ws.StateClientSide, wc.sendFrame)
	return wc
}

func (c *wsConn) sendFrame(write func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return write()
}

func (c *wsConn) Read(buf []byte) (int, error) {
	for len(c.pending) == 0 {
		data, err := c.reader.Next()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(data []byte) error {
	return c.sendFrame(func() error {
		return wsutil.WriteClientBinary(c.conn, data)
	})
}

func (c *wsConn) Close() error {
	_ = c.sendFrame(func() error {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		return wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
	})
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// lockedConn serializes writes from the caller and the receive loop.
type lockedConn struct {
	conn
	mu sync.Mutex
}

func (c *lockedConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(data)
}

func dial(ctx context.Context, opts Options) (conn, error) {
	if opts.WebSocket {
		url := opts.Address
		if !strings.Contains(url, "://") {
			url = "ws://" + url + "/"
		}
		dialer := ws.Dialer{Timeout: opts.DialTimeout}
		c, br, _, err := dialer.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		src := io.Reader(c)
		if br != nil {
			// Frames that arrived with the handshake response are buffered in br.
			src = br
		}
		return newWSConn(c, src), nil
	}

	d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Address, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpConn{conn: c}, nil
}
