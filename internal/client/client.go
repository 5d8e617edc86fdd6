// Package client implements the ticktalk chat client: it dials a server,
// completes the registration handshake, answers heartbeats and turns
// relayed chat lines into events for a renderer.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/protocol"
	"github.com/energizer-project/ticktalk/internal/util"
)

// MaxUsernameLen is the longest username the client will announce.
const MaxUsernameLen = 30

var (
	ErrEmptyUsername = errors.New("username is empty")
	ErrNotRegistered = errors.New("not registered with the server yet")
	ErrClosed        = errors.New("client is closed")
	ErrEmptyMessage  = errors.New("message is empty")
)

// Kind classifies a client event.
type Kind int

const (
	// KindMessage is a line relayed by the server.
	KindMessage Kind = iota
	// KindOutgoing is a line this client sent.
	KindOutgoing
	// KindSystem is a local status notice.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindOutgoing:
		return "outgoing"
	default:
		return "system"
	}
}

// Event is one line for the chat view.
type Event struct {
	Kind     Kind
	UserID   uint32
	Username string
	Text     string
	At       time.Time
}

type state int

const (
	stateIdle state = iota
	stateAwaitingConfirmation
	stateActive
	stateClosed
)

// Options configures a Client.
type Options struct {
	Address     string // host:port, or a ws:// URL when WebSocket is set
	Username    string
	WebSocket   bool
	DialTimeout time.Duration
	EventBuffer int
}

// Client is a single chat session.
type Client struct {
	opts   Options
	events chan Event
	logger zerolog.Logger

	conn conn
	done chan struct{}

	mu         sync.Mutex
	state      state
	id         uint32
	magic      uint32
	closeErr   error
	eventsDone bool
}

// New validates opts and returns an unconnected client. The username is
// trimmed and cut to MaxUsernameLen bytes.
func New(opts Options) (*Client, error) {
	opts.Username = protocol.TruncateString(strings.TrimSpace(opts.Username), MaxUsernameLen)
	if opts.Username == "" {
		return nil, ErrEmptyUsername
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Client{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		logger: util.ComponentLogger("client"),
		done:   make(chan struct{}),
	}, nil
}

// Username returns the name announced to the server.
func (c *Client) Username() string { return c.opts.Username }

// Events delivers chat lines and notices. It is closed once the session ends.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the receive loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// ID returns the id issued by the server, or 0 before registration.
func (c *Client) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Active reports whether the handshake has completed.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive
}

// Connect dials the server, sends the registration request and starts the
// receive loop. Cancelling ctx closes the session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = stateAwaitingConfirmation
	c.mu.Unlock()

	c.system(fmt.Sprintf("Connecting to `%s` with username: `%s`", c.opts.Address, c.opts.Username))

	raw, err := dial(ctx, c.opts)
	if err != nil {
		c.system("Failed to connect to server")
		c.finish(err)
		close(c.done)
		return err
	}
	c.mu.Lock()
	c.conn = &lockedConn{conn: raw}
	c.mu.Unlock()

	if err := c.conn.Write(protocol.BuildRegistrationRequest(c.opts.Username)); err != nil {
		c.conn.Close()
		c.system("Failed to connect to server")
		c.finish(err)
		close(c.done)
		return fmt.Errorf("failed to send registration: %w", err)
	}

	c.logger.Debug().Str("remote", c.conn.RemoteAddr()).Bool("websocket", c.opts.WebSocket).Msg("connected")

	go c.receive()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return nil
}

// Send relays a chat line. It fails until the handshake completes.
func (c *Client) Send(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	st, id, magic := c.state, c.id, c.magic
	c.mu.Unlock()

	switch st {
	case stateActive:
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotRegistered
	}

	text = protocol.TruncateString(text, protocol.MaxMessageLen)
	if err := c.conn.Write(protocol.BuildSendMessage(id, magic, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.emit(Event{Kind: KindOutgoing, UserID: id, Username: c.opts.Username, Text: text, At: time.Now()})
	return nil
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed || c.conn == nil {
		c.state = stateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	c.mu.Unlock()
	return c.conn.Close()
}

// Err returns the reason the session ended, or nil after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Client) receive() {
	defer close(c.done)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			rest, perr := c.drain(buf)
			if perr != nil {
				c.conn.Close()
				c.system(fmt.Sprintf("Disconnected: %v", perr))
				c.finish(perr)
				return
			}
			buf = append(buf[:0], rest...)
		}
		if err != nil {
			c.mu.Lock()
			closed := c.state == stateClosed
			c.mu.Unlock()
			if closed {
				c.system("Disconnected")
				c.finish(nil)
			} else {
				c.system("Connection to server lost")
				c.finish(err)
			}
			return
		}
	}
}

// drain handles every complete packet in buf and returns the unconsumed tail.
func (c *Client) drain(buf []byte) ([]byte, error) {
	for {
		p, rest, err := protocol.Decode(buf)
		if errors.Is(err, protocol.ErrMissingData) {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("bad packet from server: %w", err)
		}
		if err := c.handle(p); err != nil {
			return nil, err
		}
		buf = rest
	}
}

func (c *Client) handle(p protocol.Packet) error {
	c.mu.Lock()
	st, id, magic := c.state, c.id, c.magic
	c.mu.Unlock()

	switch pkt := p.(type) {
	case protocol.ServerRegistrationConfirmation:
		if st != stateAwaitingConfirmation {
			return fmt.Errorf("unexpected %s packet", pkt.Tag())
		}
		if err := c.conn.Write(protocol.BuildRegistrationEnd(pkt.ClientID, pkt.Magic)); err != nil {
			return fmt.Errorf("failed to confirm registration: %w", err)
		}
		c.mu.Lock()
		c.id, c.magic = pkt.ClientID, pkt.Magic
		if c.state == stateAwaitingConfirmation {
			c.state = stateActive
		}
		c.mu.Unlock()
		c.logger.Debug().Uint32("client_id", pkt.ClientID).Msg("registered")
		c.system(fmt.Sprintf("Registered as %s", c.opts.Username))
		return nil

	case protocol.HeartBeatRequest:
		if st != stateActive {
			return fmt.Errorf("unexpected %s packet", pkt.Tag())
		}
		return c.conn.Write(protocol.BuildHeartBeatSend(id, magic))

	case protocol.ServerBroadcastMessage:
		owned := pkt.Owned().(protocol.ServerBroadcastMessageOwned)
		c.emit(Event{
			Kind:     KindMessage,
			UserID:   owned.UserID,
			Username: owned.Username,
			Text:     owned.Message,
			At:       time.Now(),
		})
		return nil

	default:
		return fmt.Errorf("unexpected %s packet", p.Tag())
	}
}

func (c *Client) system(text string) {
	c.emit(Event{
		Kind:     KindSystem,
		UserID:   protocol.SystemNoticeID,
		Username: protocol.SystemNoticeName,
		Text:     text,
		At:       time.Now(),
	})
}

// emit never blocks the receive loop. Events past the buffer are dropped.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsDone {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("kind", ev.Kind.String()).Msg("event buffer full, dropping line")
	}
}

// finish records the exit reason and closes the event stream.
func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateClosed
	c.closeErr = err
	if !c.eventsDone {
		close(c.events)
		c.eventsDone = true
	}
}
