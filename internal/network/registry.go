package network

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/ticktalk/internal/protocol"
	"github.com/energizer-project/ticktalk/internal/session"
)

// ErrIDSpaceExhausted is returned when no free id could be found.
var ErrIDSpaceExhausted = errors.New("no free client id")

// maxIDAttempts bounds collision retries when drawing a client id.
const maxIDAttempts = 64

// Registry owns every live Connection, keyed by client id and iterated in
// admission order. It is not safe for concurrent use: the tick goroutine
// is its only user.
type Registry struct {
	conns map[uint32]*Connection
	order []uint32

	ids  protocol.IDSpace
	rand func() uint32
}

// NewRegistry creates an empty registry drawing ids from ids. A nil rand
// uses math/rand/v2.
func NewRegistry(ids protocol.IDSpace, rand func() uint32) *Registry {
	if rand == nil {
		rand = defaultRand
	}
	return &Registry{
		conns: make(map[uint32]*Connection),
		ids:   ids,
		rand:  rand,
	}
}

func defaultRand() uint32 {
	return rand.Uint32()
}

// Admit takes ownership of sock and creates a connection awaiting
// registration with a fresh id and magic.
func (r *Registry) Admit(sock Socket, now time.Time) (*Connection, error) {
	id, err := r.freeID()
	if err != nil {
		return nil, err
	}

	conn := newConnection(sock, session.New(id, r.rand()), now)
	r.conns[id] = conn
	r.order = append(r.order, id)

	log.Debug().Uint32("client_id", id).Str("remote", conn.RemoteAddr()).Msg("connection admitted")
	return conn, nil
}

func (r *Registry) freeID() (uint32, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := r.ids.Pick(r.rand())
		if _, taken := r.conns[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrIDSpaceExhausted
}

// Get returns the connection for id.
func (r *Registry) Get(id uint32) (*Connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

// Each calls fn for every connection in admission order. fn must not add
// or remove connections.
func (r *Registry) Each(fn func(*Connection)) {
	for _, id := range r.order {
		fn(r.conns[id])
	}
}

// All returns the connections in admission order.
func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, len(r.order))
	r.Each(func(c *Connection) { out = append(out, c) })
	return out
}

// Len returns the number of connections.
func (r *Registry) Len() int {
	return len(r.order)
}

// Remove closes and forgets the connection for id.
func (r *Registry) Remove(id uint32) (*Connection, bool) {
	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	conn.socket.Close()
	return conn, true
}

// RemoveDropped removes every connection marked for drop and returns them
// in admission order.
func (r *Registry) RemoveDropped() []*Connection {
	var dropped []*Connection
	kept := r.order[:0]
	for _, id := range r.order {
		conn := r.conns[id]
		if !conn.Dropped() {
			kept = append(kept, id)
			continue
		}
		delete(r.conns, id)
		conn.socket.Close()
		dropped = append(dropped, conn)
	}
	r.order = kept
	return dropped
}

// CloseAll marks every connection with reason and removes them.
func (r *Registry) CloseAll(reason DropReason) []*Connection {
	for _, conn := range r.conns {
		conn.MarkDrop(reason, nil)
	}
	dropped := r.RemoveDropped()
	if len(dropped) > 0 {
		log.Info().Int("count", len(dropped)).Msg("all connections closed")
	}
	return dropped
}
