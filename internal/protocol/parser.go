package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Decode parses one packet from the front of buf and returns it together
// with the unconsumed remainder. On ErrMissingData nothing is consumed and
// the caller should retry after appending more bytes. Returned packets are
// borrowed views into buf; call Owned before buf is reused.
func Decode(buf []byte) (Packet, []byte, error) {
	if len(buf) < TagSize {
		return nil, buf, ErrMissingData
	}

	var tag Tag
	copy(tag[:], buf[:TagSize])
	r := &reader{buf: buf, off: TagSize}

	var (
		pkt Packet
		err error
	)
	switch tag {
	case TagRegistrationRequest:
		pkt, err = parseRegistrationRequest(r)
	case TagRegistrationConfirmation:
		pkt, err = parseRegistrationConfirmation(r)
	case TagRegistrationEnd:
		pkt, err = parseRegistrationEnd(r)
	case TagSendMessage:
		pkt, err = parseSendMessage(r)
	case TagBroadcastMessage:
		pkt, err = parseBroadcastMessage(r)
	case TagHeartBeatRequest:
		pkt = HeartBeatRequest{}
	case TagHeartBeatSend:
		pkt, err = parseHeartBeatSend(r)
	default:
		return nil, buf, fmt.Errorf("%w: %q", ErrInvalidTag, buf[:TagSize])
	}
	if err != nil {
		return nil, buf, fmt.Errorf("failed to parse %s: %w", tag, err)
	}
	return pkt, buf[r.off:], nil
}

// parseRegistrationRequest handles crr: [username_len:1][username].
func parseRegistrationRequest(r *reader) (Packet, error) {
	name, err := r.string8("username")
	if err != nil {
		return nil, err
	}
	return ClientRegistrationRequest{Username: name}, nil
}

// parseRegistrationConfirmation handles src: [client_id:4][magic:4].
func parseRegistrationConfirmation(r *reader) (Packet, error) {
	id, magic, err := r.identity()
	if err != nil {
		return nil, err
	}
	return ServerRegistrationConfirmation{ClientID: id, Magic: magic}, nil
}

// parseRegistrationEnd handles cre: [client_id:4][magic:4].
func parseRegistrationEnd(r *reader) (Packet, error) {
	id, magic, err := r.identity()
	if err != nil {
		return nil, err
	}
	return ClientRegistrationEnd{ClientID: id, Magic: magic}, nil
}

// parseSendMessage handles csm: [client_id:4][magic:4][message_len:2][message].
func parseSendMessage(r *reader) (Packet, error) {
	id, magic, err := r.identity()
	if err != nil {
		return nil, err
	}
	msg, err := r.string16("message")
	if err != nil {
		return nil, err
	}
	return ClientSendMessage{ClientID: id, Magic: magic, Message: msg}, nil
}

// parseBroadcastMessage handles sbm:
// [user_id:4][username_len:1][username][message_len:2][message].
func parseBroadcastMessage(r *reader) (Packet, error) {
	id, err := r.uint32("user_id")
	if err != nil {
		return nil, err
	}
	name, err := r.string8("username")
	if err != nil {
		return nil, err
	}
	msg, err := r.string16("message")
	if err != nil {
		return nil, err
	}
	return ServerBroadcastMessage{UserID: id, Username: name, Message: msg}, nil
}

// parseHeartBeatSend handles hbs: [client_id:4][magic:4].
func parseHeartBeatSend(r *reader) (Packet, error) {
	id, magic, err := r.identity()
	if err != nil {
		return nil, err
	}
	return HeartBeatSend{ClientID: id, Magic: magic}, nil
}

// reader walks a decode buffer without copying.
type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int, field string) ([]byte, error) {
	if len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%s: %w", field, ErrMissingData)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint8(field string) (uint8, error) {
	b, err := r.take(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16(field string) (uint16, error) {
	b, err := r.take(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32(field string) (uint32, error) {
	b, err := r.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) identity() (uint32, uint32, error) {
	id, err := r.uint32("client_id")
	if err != nil {
		return 0, 0, err
	}
	magic, err := r.uint32("magic")
	if err != nil {
		return 0, 0, err
	}
	return id, magic, nil
}

func (r *reader) string8(field string) ([]byte, error) {
	n, err := r.uint8(field + "_len")
	if err != nil {
		return nil, err
	}
	return r.text(int(n), field)
}

func (r *reader) string16(field string) ([]byte, error) {
	n, err := r.uint16(field + "_len")
	if err != nil {
		return nil, err
	}
	return r.text(int(n), field)
}

func (r *reader) text(n int, field string) ([]byte, error) {
	b, err := r.take(n, field)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("%s: %w", field, ErrNotUTF8)
	}
	return b, nil
}
