package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// PacketBuilder constructs wire packets. Integers are written big-endian.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteTag writes a packet tag.
func (b *PacketBuilder) WriteTag(t Tag) *PacketBuilder {
	b.buf.Write(t[:])
	return b
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	return b
}

// WriteString8 writes a string with a 1-byte length prefix.
// Format: [length:1][utf8 bytes...]
func (b *PacketBuilder) WriteString8(s []byte) *PacketBuilder {
	s = TruncateUTF8(s, MaxUsernameLen)
	b.buf.WriteByte(byte(len(s)))
	b.buf.Write(s)
	return b
}

// WriteString16 writes a string with a 2-byte length prefix.
// Format: [length:2][utf8 bytes...]
func (b *PacketBuilder) WriteString16(s []byte) *PacketBuilder {
	s = TruncateUTF8(s, MaxMessageLen)
	b.WriteUint16(uint16(len(s)))
	b.buf.Write(s)
	return b
}

// Build returns the constructed packet bytes. The slice aliases the
// builder's buffer until the next Reset.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// TruncateUTF8 returns the longest prefix of s that is at most max bytes
// and does not split a multi-byte sequence.
func TruncateUTF8(s []byte, max int) []byte {
	if len(s) <= max {
		return s
	}
	cut := max
	// Back off over continuation bytes to the start of the rune at cut.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateString is TruncateUTF8 for strings.
func TruncateString(s string, max int) string {
	return string(TruncateUTF8([]byte(s), max))
}

// Encode returns the wire form of p. Length prefixes are computed from the
// payload, so over-long strings are truncated rather than misframed.
func Encode(p Packet) []byte {
	b := NewPacketBuilder()
	write(b, p)
	return b.Build()
}

// AppendPacket appends the wire form of p to dst.
func AppendPacket(dst []byte, p Packet) []byte {
	return append(dst, Encode(p)...)
}

func write(b *PacketBuilder, p Packet) {
	b.WriteTag(p.Tag())
	switch v := p.(type) {
	case ClientRegistrationRequest:
		b.WriteString8(v.Username)
	case ClientRegistrationRequestOwned:
		b.WriteString8([]byte(v.Username))
	case ServerRegistrationConfirmation:
		b.WriteUint32(v.ClientID).WriteUint32(v.Magic)
	case ClientRegistrationEnd:
		b.WriteUint32(v.ClientID).WriteUint32(v.Magic)
	case ClientSendMessage:
		b.WriteUint32(v.ClientID).WriteUint32(v.Magic).WriteString16(v.Message)
	case ClientSendMessageOwned:
		b.WriteUint32(v.ClientID).WriteUint32(v.Magic).WriteString16([]byte(v.Message))
	case ServerBroadcastMessage:
		b.WriteUint32(v.UserID).WriteString8(v.Username).WriteString16(v.Message)
	case ServerBroadcastMessageOwned:
		b.WriteUint32(v.UserID).WriteString8([]byte(v.Username)).WriteString16([]byte(v.Message))
	case HeartBeatRequest:
	case HeartBeatSend:
		b.WriteUint32(v.ClientID).WriteUint32(v.Magic)
	}
}

// ---- Pre-built packet constructors ----

// BuildRegistrationRequest creates a crr packet.
// Format: [crr][username_len:1][username]
func BuildRegistrationRequest(username string) []byte {
	return Encode(ClientRegistrationRequestOwned{Username: username})
}

// BuildRegistrationConfirmation creates a src packet.
// Format: [src][client_id:4][magic:4]
func BuildRegistrationConfirmation(id, magic uint32) []byte {
	return Encode(ServerRegistrationConfirmation{ClientID: id, Magic: magic})
}

// BuildRegistrationEnd creates a cre packet.
// Format: [cre][client_id:4][magic:4]
func BuildRegistrationEnd(id, magic uint32) []byte {
	return Encode(ClientRegistrationEnd{ClientID: id, Magic: magic})
}

// BuildSendMessage creates a csm packet.
// Format: [csm][client_id:4][magic:4][message_len:2][message]
func BuildSendMessage(id, magic uint32, message string) []byte {
	return Encode(ClientSendMessageOwned{ClientID: id, Magic: magic, Message: message})
}

// BuildBroadcast creates an sbm packet.
// Format: [sbm][user_id:4][username_len:1][username][message_len:2][message]
func BuildBroadcast(userID uint32, username, message string) []byte {
	return Encode(ServerBroadcastMessageOwned{UserID: userID, Username: username, Message: message})
}

// BuildHeartBeatRequest creates an hbr packet.
func BuildHeartBeatRequest() []byte {
	t := TagHeartBeatRequest
	return t[:]
}

// BuildHeartBeatSend creates an hbs packet.
// Format: [hbs][client_id:4][magic:4]
func BuildHeartBeatSend(id, magic uint32) []byte {
	return Encode(HeartBeatSend{ClientID: id, Magic: magic})
}
