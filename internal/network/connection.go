package network

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/ticktalk/internal/session"
)

// DropReason records why a connection was removed.
type DropReason string

const (
	DropNone                DropReason = ""
	DropInvalidTag          DropReason = "invalid_tag"
	DropNotUTF8             DropReason = "not_utf8"
	DropProtocolViolation   DropReason = "protocol_violation"
	DropIOError             DropReason = "io_error"
	DropPeerClosed          DropReason = "peer_closed"
	DropHeartbeatTimeout    DropReason = "heartbeat_timeout"
	DropRegistrationTimeout DropReason = "registration_timeout"
	DropSlowConsumer        DropReason = "slow_consumer"
	DropKicked              DropReason = "kicked"
	DropCapacity            DropReason = "capacity"
	DropShutdown            DropReason = "shutdown"
)

// Connection is the server-side record of one client. It is owned by the
// Registry and only touched from the tick goroutine.
type Connection struct {
	*session.Session

	socket   Socket
	inbound  []byte
	logger   zerolog.Logger
	remote   string
	admitted time.Time

	dropReason DropReason
	dropErr    error
}

func newConnection(sock Socket, sess *session.Session, now time.Time) *Connection {
	remote := sock.RemoteAddr()
	return &Connection{
		Session:  sess,
		socket:   sock,
		remote:   remote,
		admitted: now,
		logger: log.With().
			Str("component", "connection").
			Uint32("client_id", sess.ID).
			Str("remote", remote).
			Str("transport", sock.Transport()).
			Logger(),
	}
}

// Socket returns the underlying socket.
func (c *Connection) Socket() Socket {
	return c.socket
}

// Fill drains every byte available on the socket into the receive buffer.
func (c *Connection) Fill() error {
	var err error
	c.inbound, err = c.socket.ReadAvailable(c.inbound)
	return err
}

// Buffered returns the bytes received but not yet consumed as packets.
func (c *Connection) Buffered() []byte {
	return c.inbound
}

// Consume keeps only rest, the undecoded tail of the receive buffer.
// Bytes are moved to the front so the buffer does not grow without bound.
func (c *Connection) Consume(rest []byte) {
	n := copy(c.inbound, rest)
	c.inbound = c.inbound[:n]
}

// Write sends raw packet bytes to the client.
func (c *Connection) Write(p []byte) error {
	return c.socket.Write(p)
}

// MarkDrop flags the connection for removal at the end of the tick. The
// first reason wins.
func (c *Connection) MarkDrop(reason DropReason, err error) {
	if c.dropReason != DropNone {
		return
	}
	c.dropReason = reason
	c.dropErr = err
}

// Dropped reports whether the connection is marked for removal.
func (c *Connection) Dropped() bool {
	return c.dropReason != DropNone
}

// DropReason returns the reason the connection was marked, if any.
func (c *Connection) DropReason() DropReason {
	return c.dropReason
}

// DropErr returns the error that caused the drop, if any.
func (c *Connection) DropErr() error {
	return c.dropErr
}

// Live reports whether the connection is active and not marked for drop.
func (c *Connection) Live() bool {
	return c.Active() && !c.Dropped()
}

// Logger returns the connection's component logger.
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// RemoteAddr returns the remote address of the client.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// Transport returns "tcp" or "websocket".
func (c *Connection) Transport() string {
	return c.socket.Transport()
}

// AdmittedAt returns when the connection entered the registry.
func (c *Connection) AdmittedAt() time.Time {
	return c.admitted
}
