// Package protocol implements the tagged binary wire format spoken between
// ticktalk servers and clients. Every packet starts with a 3-byte ASCII tag
// followed by fixed-width big-endian integers and length-prefixed UTF-8
// strings. There is no outer frame: packet boundaries are found by parsing.
package protocol

// Tag identifies a packet kind on the wire.
type Tag [3]byte

// Packet tags.
var (
	// Client -> server
	TagRegistrationRequest = Tag{'c', 'r', 'r'} // Username announcement
	TagRegistrationEnd     = Tag{'c', 'r', 'e'} // Echo of issued id and magic
	TagSendMessage         = Tag{'c', 's', 'm'} // Chat line
	TagHeartBeatSend       = Tag{'h', 'b', 's'} // Heartbeat response

	// Server -> client
	TagRegistrationConfirmation = Tag{'s', 'r', 'c'} // Issued id and magic
	TagBroadcastMessage         = Tag{'s', 'b', 'm'} // Relayed chat line
	TagHeartBeatRequest         = Tag{'h', 'b', 'r'} // Liveness probe
)

// String returns the tag as its ASCII form.
func (t Tag) String() string {
	return string(t[:])
}

// FromServer reports whether the tag is only ever sent by a server.
func (t Tag) FromServer() bool {
	switch t {
	case TagRegistrationConfirmation, TagBroadcastMessage, TagHeartBeatRequest:
		return true
	}
	return false
}

// Wire size limits.
const (
	TagSize        = 3
	MaxUsernameLen = 255   // u8 length prefix
	MaxMessageLen  = 65535 // u16 length prefix

	// MaxPacketSize is the size of the largest packet, a broadcast carrying
	// a maximal username and message.
	MaxPacketSize = TagSize + 4 + 1 + MaxUsernameLen + 2 + MaxMessageLen
)

// Packet is a decoded protocol packet. Decoding yields borrowed views whose
// byte slices alias the input buffer; Owned returns a copy that is safe to
// keep after the buffer is reused.
type Packet interface {
	Tag() Tag
	Owned() Packet
}

// ClientRegistrationRequest (crr) announces the username a client wants to chat as.
type ClientRegistrationRequest struct {
	Username []byte
}

// ClientRegistrationRequestOwned is the owned form of ClientRegistrationRequest.
type ClientRegistrationRequestOwned struct {
	Username string
}

// ServerRegistrationConfirmation (src) issues an id and magic to a registering client.
type ServerRegistrationConfirmation struct {
	ClientID uint32
	Magic    uint32
}

// ClientRegistrationEnd (cre) echoes the issued id and magic back to the server.
type ClientRegistrationEnd struct {
	ClientID uint32
	Magic    uint32
}

// ClientSendMessage (csm) carries one chat line from an active client.
type ClientSendMessage struct {
	ClientID uint32
	Magic    uint32
	Message  []byte
}

// ClientSendMessageOwned is the owned form of ClientSendMessage.
type ClientSendMessageOwned struct {
	ClientID uint32
	Magic    uint32
	Message  string
}

// ServerBroadcastMessage (sbm) relays a chat line to every active client.
type ServerBroadcastMessage struct {
	UserID   uint32
	Username []byte
	Message  []byte
}

// ServerBroadcastMessageOwned is the owned form of ServerBroadcastMessage.
type ServerBroadcastMessageOwned struct {
	UserID   uint32
	Username string
	Message  string
}

// HeartBeatRequest (hbr) asks a client to prove it is still alive.
type HeartBeatRequest struct{}

// HeartBeatSend (hbs) answers a heartbeat request.
type HeartBeatSend struct {
	ClientID uint32
	Magic    uint32
}

func (ClientRegistrationRequest) Tag() Tag      { return TagRegistrationRequest }
func (ClientRegistrationRequestOwned) Tag() Tag { return TagRegistrationRequest }
func (ServerRegistrationConfirmation) Tag() Tag { return TagRegistrationConfirmation }
func (ClientRegistrationEnd) Tag() Tag          { return TagRegistrationEnd }
func (ClientSendMessage) Tag() Tag              { return TagSendMessage }
func (ClientSendMessageOwned) Tag() Tag         { return TagSendMessage }
func (ServerBroadcastMessage) Tag() Tag         { return TagBroadcastMessage }
func (ServerBroadcastMessageOwned) Tag() Tag    { return TagBroadcastMessage }
func (HeartBeatRequest) Tag() Tag               { return TagHeartBeatRequest }
func (HeartBeatSend) Tag() Tag                  { return TagHeartBeatSend }

func (p ClientRegistrationRequest) Owned() Packet {
	return ClientRegistrationRequestOwned{Username: string(p.Username)}
}

func (p ClientSendMessage) Owned() Packet {
	return ClientSendMessageOwned{ClientID: p.ClientID, Magic: p.Magic, Message: string(p.Message)}
}

func (p ServerBroadcastMessage) Owned() Packet {
	return ServerBroadcastMessageOwned{UserID: p.UserID, Username: string(p.Username), Message: string(p.Message)}
}

func (p ClientRegistrationRequestOwned) Owned() Packet { return p }
func (p ServerRegistrationConfirmation) Owned() Packet { return p }
func (p ClientRegistrationEnd) Owned() Packet          { return p }
func (p ClientSendMessageOwned) Owned() Packet         { return p }
func (p ServerBroadcastMessageOwned) Owned() Packet    { return p }
func (p HeartBeatRequest) Owned() Packet               { return p }
func (p HeartBeatSend) Owned() Packet                  { return p }
