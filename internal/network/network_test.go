package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"

	"github.com/energizer-project/ticktalk/internal/protocol"
)

// fakeSocket records writes and serves queued reads.
type fakeSocket struct {
	remote  string
	pending []byte
	err     error
	writes  [][]byte
	closed  bool
}

func (f *fakeSocket) ReadAvailable(dst []byte) ([]byte, error) {
	dst = append(dst, f.pending...)
	f.pending = nil
	return dst, f.err
}

func (f *fakeSocket) Write(p []byte) error {
	if f.closed {
		return ErrSocketClosed
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeSocket) Close() error      { f.closed = true; return nil }
func (f *fakeSocket) RemoteAddr() string { return f.remote }
func (f *fakeSocket) Transport() string  { return "fake" }

// pollRead drains s until want bytes arrived or the deadline passes.
func pollRead(t *testing.T, s Socket, want int) ([]byte, error) {
	t.Helper()
	var buf []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		buf, err = s.ReadAvailable(buf)
		if err != nil || len(buf) >= want {
			return buf, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return buf, fmt.Errorf("timed out with %d/%d bytes", len(buf), want)
}

func TestStreamSocketReadAvailable(t *testing.T) {
	server, client := net.Pipe()
	sock := NewStreamSocket(server, DefaultSocketOptions())
	defer sock.Close()

	buf, err := sock.ReadAvailable(nil)
	if err != nil || len(buf) != 0 {
		t.Fatalf("ReadAvailable() on idle socket = %q, %v", buf, err)
	}

	go client.Write([]byte("crr\x04Alex"))
	buf, err = pollRead(t, sock, 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "crr\x04Alex" {
		t.Errorf("ReadAvailable() = %q", buf)
	}

	client.Close()
	_, err = pollRead(t, sock, 1<<20)
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadAvailable() after peer close error = %v, want EOF", err)
	}
}

func TestStreamSocketWrite(t *testing.T) {
	server, client := net.Pipe()
	sock := NewStreamSocket(server, DefaultSocketOptions())

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := io.ReadFull(client, buf[:3])
		got <- buf[:n]
	}()
	if err := sock.Write(protocol.BuildHeartBeatRequest()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if b := <-got; string(b) != "hbr" {
		t.Errorf("peer read %q, want hbr", b)
	}

	sock.Close()
	if err := sock.Write([]byte("x")); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Write() after Close error = %v, want ErrSocketClosed", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStreamSocketWriteTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	opts := DefaultSocketOptions()
	opts.WriteTimeout = 20 * time.Millisecond
	sock := NewStreamSocket(server, opts)
	defer sock.Close()

	// The first write is only queued; nobody reads from client, so the
	// writer hits the deadline and later writes report the failure.
	began := time.Now()
	if err := sock.Write([]byte("hbr")); err != nil {
		t.Fatalf("Write() = %v, want nil", err)
	}
	if elapsed := time.Since(began); elapsed > 10*time.Millisecond {
		t.Errorf("Write() blocked for %v, want it queued", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := sock.Write([]byte("hbr"))
		if err != nil {
			if errors.Is(err, ErrWriteQueueFull) {
				t.Errorf("Write() = %v, want the timeout error", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Write() to stalled peer kept succeeding, want timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamSocketWriteQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	opts := DefaultSocketOptions()
	opts.WriteTimeout = 0
	opts.WriteQueueDepth = 2
	sock := NewStreamSocket(server, opts)
	defer sock.Close()

	began := time.Now()
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = sock.Write([]byte("hbr"))
	}
	if !errors.Is(err, ErrWriteQueueFull) {
		t.Errorf("Write() = %v, want %v", err, ErrWriteQueueFull)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Errorf("Write() blocked for %v on a full queue", elapsed)
	}
}

func TestStreamSocketCloseFlushesQueue(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	sock := NewStreamSocket(server, DefaultSocketOptions())

	if err := sock.Write([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := sock.Write([]byte("second")); err != nil {
		t.Fatal(err)
	}
	sock.Close()
	if err := sock.Write([]byte("late")); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Write() after Close = %v, want %v", err, ErrSocketClosed)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "firstsecond" {
		t.Errorf("peer read %q, want %q", got, "firstsecond")
	}
}

// slowConn sleeps after every write, widening the window in which a frame
// is only partly on the wire.
type slowConn struct {
	net.Conn
	delay time.Duration
}

func (c *slowConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	time.Sleep(c.delay)
	return n, err
}

func TestWebSocketPongDuringSlowWrite(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	sock := newWebSocket(&slowConn{Conn: server, delay: 30 * time.Millisecond}, DefaultSocketOptions())
	defer sock.Close()

	frames := make(chan ws.Frame, 4)
	go func() {
		defer close(frames)
		for {
			f, err := ws.ReadFrame(peer)
			if err != nil {
				return
			}
			frames <- f
		}
	}()

	data := bytes.Repeat([]byte("x"), 10)
	if err := sock.Write(data); err != nil {
		t.Fatal(err)
	}
	// The header is out and the writer is sleeping before the payload.
	time.Sleep(10 * time.Millisecond)
	if err := ws.WriteFrame(peer, ws.MaskFrame(ws.NewPingFrame([]byte("hb")))); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		op      ws.OpCode
		payload string
	}{
		{ws.OpBinary, string(data)},
		{ws.OpPong, "hb"},
	}
	for i, w := range want {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("frame %d: stream ended", i)
			}
			if f.Header.OpCode != w.op || string(f.Payload) != w.payload {
				t.Errorf("frame %d = %v %q, want %v %q", i, f.Header.OpCode, f.Payload, w.op, w.payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d: timed out", i)
		}
	}
}

func TestRegistryAdmitOrderAndRemove(t *testing.T) {
	seq := []uint32{10, 100, 20, 200, 30, 300}
	i := 0
	reg := NewRegistry(protocol.DefaultIDSpace(), func() uint32 {
		v := seq[i%len(seq)]
		i++
		return v
	})

	now := time.Now()
	var ids []uint32
	for n := 0; n < 3; n++ {
		conn, err := reg.Admit(&fakeSocket{remote: fmt.Sprintf("peer-%d", n)}, now)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, conn.ID)
	}
	want := []uint32{11, 21, 31}
	for n := range want {
		if ids[n] != want[n] {
			t.Errorf("id %d = %d, want %d", n, ids[n], want[n])
		}
	}
	if c, _ := reg.Get(21); c.Magic != 200 {
		t.Errorf("magic = %d, want 200", c.Magic)
	}

	conn, ok := reg.Remove(21)
	if !ok || !conn.Socket().(*fakeSocket).closed {
		t.Fatal("Remove() did not close the socket")
	}
	var order []uint32
	reg.Each(func(c *Connection) { order = append(order, c.ID) })
	if len(order) != 2 || order[0] != 11 || order[1] != 31 {
		t.Errorf("order after remove = %v", order)
	}
}

func TestRegistryRetriesCollisions(t *testing.T) {
	// The first two draws for the second admission collide with id 6.
	seq := []uint32{5, 1, 5, 5, 7, 2}
	i := 0
	reg := NewRegistry(protocol.DefaultIDSpace(), func() uint32 {
		v := seq[i]
		i++
		return v
	})
	a, _ := reg.Admit(&fakeSocket{}, time.Now())
	b, err := reg.Admit(&fakeSocket{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != 6 || b.ID != 8 {
		t.Errorf("ids = %d, %d, want 6, 8", a.ID, b.ID)
	}
}

func TestRegistryExhausted(t *testing.T) {
	reg := NewRegistry(protocol.DefaultIDSpace(), func() uint32 { return 0 })
	if _, err := reg.Admit(&fakeSocket{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Admit(&fakeSocket{}, time.Now()); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Errorf("Admit() error = %v, want ErrIDSpaceExhausted", err)
	}
}

func TestRegistryRemoveDropped(t *testing.T) {
	reg := NewRegistry(protocol.DefaultIDSpace(), nil)
	var conns []*Connection
	for n := 0; n < 4; n++ {
		c, err := reg.Admit(&fakeSocket{}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	conns[1].MarkDrop(DropProtocolViolation, nil)
	conns[3].MarkDrop(DropIOError, io.ErrUnexpectedEOF)
	conns[3].MarkDrop(DropPeerClosed, nil)

	dropped := reg.RemoveDropped()
	if len(dropped) != 2 || dropped[0] != conns[1] || dropped[1] != conns[3] {
		t.Fatalf("RemoveDropped() = %v", dropped)
	}
	if dropped[1].DropReason() != DropIOError {
		t.Errorf("first reason should win, got %s", dropped[1].DropReason())
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}

	closed := reg.CloseAll(DropShutdown)
	if len(closed) != 2 || reg.Len() != 0 {
		t.Errorf("CloseAll() closed %d, %d left", len(closed), reg.Len())
	}
	for _, c := range closed {
		if c.DropReason() != DropShutdown {
			t.Errorf("reason = %s, want shutdown", c.DropReason())
		}
	}
}

func TestConnectionBuffer(t *testing.T) {
	sock := &fakeSocket{pending: []byte("hbs\x00\x00\x00\x01\x00\x00\x00\x02hb")}
	reg := NewRegistry(protocol.DefaultIDSpace(), nil)
	conn, _ := reg.Admit(sock, time.Now())

	if err := conn.Fill(); err != nil {
		t.Fatal(err)
	}
	_, rest, err := protocol.Decode(conn.Buffered())
	if err != nil {
		t.Fatal(err)
	}
	conn.Consume(rest)
	if string(conn.Buffered()) != "hb" {
		t.Fatalf("Buffered() = %q, want %q", conn.Buffered(), "hb")
	}

	sock.pending = []byte("s\x00\x00\x00\x01\x00\x00\x00\x02")
	conn.Fill()
	p, _, err := protocol.Decode(conn.Buffered())
	if err != nil {
		t.Fatalf("Decode() after refill error = %v", err)
	}
	if p != (protocol.HeartBeatSend{ClientID: 1, Magic: 2}) {
		t.Errorf("Decode() = %#v", p)
	}
}

func startListener(t *testing.T, transport string) (*Listener, chan Socket) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := NewListener(transport, "127.0.0.1:0", DefaultSocketOptions())
	if err := l.Bind(ctx); err != nil {
		t.Fatal(err)
	}
	admitted := make(chan Socket, 4)
	go l.Serve(ctx, func(s Socket) error {
		admitted <- s
		return nil
	})
	return l, admitted
}

func TestListenerTCP(t *testing.T) {
	l, admitted := startListener(t, TransportTCP)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write(protocol.BuildRegistrationRequest("Alex"))

	select {
	case sock := <-admitted:
		defer sock.Close()
		buf, err := pollRead(t, sock, 8)
		if err != nil || string(buf) != "crr\x04Alex" {
			t.Errorf("read %q, %v", buf, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never admitted")
	}
}

func TestListenerBindFailure(t *testing.T) {
	l, _ := startListener(t, TransportTCP)
	dup := NewListener(TransportTCP, l.Addr().String(), DefaultSocketOptions())
	if runtime.GOOS == "windows" {
		t.Skip("platform allows duplicate binds with SO_REUSEADDR")
	}
	if err := dup.Bind(context.Background()); err == nil {
		dup.Close()
		t.Error("Bind() on a used port succeeded")
	}
	if err := NewListener(TransportTCP, "x", DefaultSocketOptions()).Serve(context.Background(), nil); err == nil {
		t.Error("Serve() on unbound listener succeeded")
	}
}

func TestListenerWebSocket(t *testing.T) {
	l, admitted := startListener(t, TransportWebSocket)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+l.Addr().String()+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	// Two frames splitting one packet arrive as one stream.
	ws.WriteMessage(websocket.BinaryMessage, []byte("crr\x04Al"))
	ws.WriteMessage(websocket.BinaryMessage, []byte("ex"))

	var sock Socket
	select {
	case sock = <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("websocket was never admitted")
	}
	defer sock.Close()
	if sock.Transport() != TransportWebSocket {
		t.Errorf("Transport() = %q", sock.Transport())
	}

	buf, err := pollRead(t, sock, 8)
	if err != nil || string(buf) != "crr\x04Alex" {
		t.Fatalf("read %q, %v", buf, err)
	}

	want := protocol.BuildRegistrationConfirmation(1, 2)
	if err := sock.Write(want); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, got, err := ws.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || !bytes.Equal(got, want) {
		t.Errorf("client read %d %q %v", kind, got, err)
	}
}
