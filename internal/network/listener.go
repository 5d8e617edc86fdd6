package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport names accepted by NewListener.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// AdmitFunc hands an accepted socket to the tick loop. It must not block;
// an error means the socket was refused and the listener closes it.
type AdmitFunc func(Socket) error

// Listener accepts client connections and delivers them as Sockets. Binding
// and serving are separate so a bind failure can stop startup before any
// client is admitted.
type Listener struct {
	addr      string
	transport string
	opts      SocketOptions
	logger    zerolog.Logger

	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration

	listener net.Listener
}

// NewListener creates a listener for transport on addr.
func NewListener(transport, addr string, opts SocketOptions) *Listener {
	return &Listener{
		addr:             addr,
		transport:        transport,
		opts:             opts,
		HandshakeTimeout: 10 * time.Second,
		logger:           log.With().Str("component", transport+"_listener").Logger(),
	}
}

// Bind opens the listening socket.
func (l *Listener) Bind(ctx context.Context) error {
	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start %s listener on %s: %w", l.transport, l.addr, err)
	}
	l.listener = ln
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("listener started")
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, admit AdmitFunc) error {
	if l.listener == nil {
		return fmt.Errorf("%s listener on %s is not bound", l.transport, l.addr)
	}

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("listener stopping")
				return nil
			default:
				l.logger.Error().Err(err).Msg("failed to accept connection")
				// Avoid a hot loop on persistent errors such as EMFILE.
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		l.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new connection")

		switch l.transport {
		case TransportWebSocket:
			// The upgrade reads from the peer, keep it off the accept loop.
			go l.upgrade(conn, admit)
		default:
			l.deliver(NewStreamSocket(conn, l.opts), admit)
		}
	}
}

func (l *Listener) upgrade(conn net.Conn, admit AdmitFunc) {
	sock, err := UpgradeWebSocket(conn, l.HandshakeTimeout, l.opts)
	if err != nil {
		l.logger.Warn().Err(err).Msg("websocket handshake failed")
		conn.Close()
		return
	}
	l.deliver(sock, admit)
}

func (l *Listener) deliver(sock Socket, admit AdmitFunc) {
	if err := admit(sock); err != nil {
		l.logger.Warn().Err(err).Str("remote", sock.RemoteAddr()).Msg("connection refused")
		sock.Close()
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
