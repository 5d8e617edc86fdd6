// Package session holds the per-connection protocol state machine: the
// three-way registration handshake, validation of authenticated packets and
// heartbeat bookkeeping. It performs no I/O; the broker feeds it decoded
// packets and acts on the returned outcome.
package session

import (
	"time"

	"github.com/energizer-project/ticktalk/internal/protocol"
)

// State is the registration state of a connection.
type State string

const (
	StateAwaitingRegistration     State = "awaiting_registration"
	StateAwaitingConfirmationEcho State = "awaiting_confirmation_echo"
	StateActive                   State = "active"
)

// Session tracks one connection's protocol state. The zero value is not
// usable; create sessions with New.
type Session struct {
	ID       uint32
	Magic    uint32
	Username string
	State    State

	// Heartbeat bookkeeping, meaningful once Active.
	SkipCount     int
	LastHeartbeat time.Time
	LastRequest   time.Time
	answered      bool

	ActivatedAt time.Time
}

// New returns a session awaiting registration with the given identity.
func New(id, magic uint32) *Session {
	return &Session{
		ID:    id,
		Magic: magic,
		State: StateAwaitingRegistration,
	}
}

// Active reports whether the handshake has completed.
func (s *Session) Active() bool {
	return s.State == StateActive
}

// Outcome is what the broker must do after a packet has been handled.
type Outcome struct {
	// Reply is written straight back to the sending connection.
	Reply protocol.Packet
	// Broadcast is fanned out to every active connection.
	Broadcast *protocol.ServerBroadcastMessageOwned
	// Activated is set on the packet that completed the handshake.
	Activated bool
}

// Handle applies one decoded packet received at now. A non-nil error is a
// *ViolationError and the connection must be dropped.
func (s *Session) Handle(p protocol.Packet, now time.Time) (Outcome, error) {
	if p.Tag().FromServer() {
		return Outcome{}, s.violation(p, "server-only packet from client")
	}

	switch s.State {
	case StateAwaitingRegistration:
		return s.handleRegistration(p)
	case StateAwaitingConfirmationEcho:
		return s.handleConfirmationEcho(p, now)
	case StateActive:
		return s.handleActive(p, now)
	}
	return Outcome{}, s.violation(p, "unknown state")
}

func (s *Session) handleRegistration(p protocol.Packet) (Outcome, error) {
	var name string
	switch v := p.(type) {
	case protocol.ClientRegistrationRequest:
		name = string(v.Username)
	case protocol.ClientRegistrationRequestOwned:
		name = v.Username
	default:
		return Outcome{}, s.violation(p, "expected registration request")
	}

	s.Username = name
	s.State = StateAwaitingConfirmationEcho
	return Outcome{Reply: protocol.ServerRegistrationConfirmation{ClientID: s.ID, Magic: s.Magic}}, nil
}

func (s *Session) handleConfirmationEcho(p protocol.Packet, now time.Time) (Outcome, error) {
	v, ok := p.(protocol.ClientRegistrationEnd)
	if !ok {
		return Outcome{}, s.violation(p, "expected registration end")
	}
	if !s.matches(v.ClientID, v.Magic) {
		return Outcome{}, s.violation(p, "id/magic mismatch")
	}

	s.State = StateActive
	s.ActivatedAt = now
	s.LastRequest = now
	s.LastHeartbeat = now
	s.answered = true
	return Outcome{Activated: true}, nil
}

func (s *Session) handleActive(p protocol.Packet, now time.Time) (Outcome, error) {
	switch v := p.(type) {
	case protocol.ClientSendMessage:
		if !s.matches(v.ClientID, v.Magic) {
			return Outcome{}, s.violation(p, "id/magic mismatch")
		}
		return s.broadcast(string(v.Message)), nil
	case protocol.ClientSendMessageOwned:
		if !s.matches(v.ClientID, v.Magic) {
			return Outcome{}, s.violation(p, "id/magic mismatch")
		}
		return s.broadcast(v.Message), nil
	case protocol.HeartBeatSend:
		if !s.matches(v.ClientID, v.Magic) {
			return Outcome{}, s.violation(p, "id/magic mismatch")
		}
		s.LastHeartbeat = now
		s.SkipCount = 0
		s.answered = true
		return Outcome{}, nil
	}
	return Outcome{}, s.violation(p, "registration already complete")
}

func (s *Session) broadcast(msg string) Outcome {
	return Outcome{Broadcast: &protocol.ServerBroadcastMessageOwned{
		UserID:   s.ID,
		Username: s.Username,
		Message:  msg,
	}}
}

func (s *Session) matches(id, magic uint32) bool {
	return id == s.ID && magic == s.Magic
}

func (s *Session) violation(p protocol.Packet, detail string) error {
	return &ViolationError{State: s.State, Tag: p.Tag(), Detail: detail}
}
