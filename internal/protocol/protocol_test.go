package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func samplePackets() []Packet {
	return []Packet{
		ClientRegistrationRequestOwned{Username: "Alex"},
		ClientRegistrationRequestOwned{Username: ""},
		ClientRegistrationRequestOwned{Username: strings.Repeat("u", MaxUsernameLen)},
		ServerRegistrationConfirmation{ClientID: 7, Magic: 0xDEADBEEF},
		ClientRegistrationEnd{ClientID: 7, Magic: 0xDEADBEEF},
		ClientSendMessageOwned{ClientID: 1, Magic: 2, Message: "hello, world"},
		ClientSendMessageOwned{ClientID: 1, Magic: 2, Message: ""},
		ClientSendMessageOwned{ClientID: 1, Magic: 2, Message: strings.Repeat("m", MaxMessageLen)},
		ServerBroadcastMessageOwned{UserID: 42, Username: "Алекс", Message: "привет 👋"},
		ServerBroadcastMessageOwned{UserID: 42, Username: "", Message: ""},
		ServerBroadcastMessageOwned{
			UserID:   0xFFFFFFFF,
			Username: strings.Repeat("u", MaxUsernameLen),
			Message:  strings.Repeat("m", MaxMessageLen),
		},
		HeartBeatRequest{},
		HeartBeatSend{ClientID: 9, Magic: 10},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, p := range samplePackets() {
		t.Run(p.Tag().String(), func(t *testing.T) {
			wire := Encode(p)
			got, rest, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(rest) != 0 {
				t.Errorf("Decode() left %d bytes", len(rest))
			}
			if got.Owned() != p {
				t.Errorf("Decode() = %#v, want %#v", got.Owned(), p)
			}
		})
	}
}

func TestMaxPacketSize(t *testing.T) {
	p := ServerBroadcastMessageOwned{
		UserID:   1,
		Username: strings.Repeat("u", MaxUsernameLen),
		Message:  strings.Repeat("m", MaxMessageLen),
	}
	if n := len(Encode(p)); n != MaxPacketSize {
		t.Errorf("len(Encode(max sbm)) = %d, want %d", n, MaxPacketSize)
	}
}

func TestWireLayout(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"crr", BuildRegistrationRequest("Alex"), []byte("crr\x04Alex")},
		{"src", BuildRegistrationConfirmation(1, 0x01020304), []byte("src\x00\x00\x00\x01\x01\x02\x03\x04")},
		{"cre", BuildRegistrationEnd(1, 2), []byte("cre\x00\x00\x00\x01\x00\x00\x00\x02")},
		{"csm", BuildSendMessage(1, 2, "hi"), []byte("csm\x00\x00\x00\x01\x00\x00\x00\x02\x00\x02hi")},
		{"sbm", BuildBroadcast(3, "Al", "hi"), []byte("sbm\x00\x00\x00\x03\x02Al\x00\x02hi")},
		{"hbr", BuildHeartBeatRequest(), []byte("hbr")},
		{"hbs", BuildHeartBeatSend(5, 6), []byte("hbs\x00\x00\x00\x05\x00\x00\x00\x06")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDecodeEverySplit(t *testing.T) {
	for _, p := range samplePackets() {
		wire := Encode(p)
		if len(wire) > 1024 {
			// Large packets are covered by a sparse walk below.
			continue
		}
		for k := 0; k < len(wire); k++ {
			_, rest, err := Decode(wire[:k])
			if !errors.Is(err, ErrMissingData) {
				t.Fatalf("%s: Decode(prefix %d/%d) error = %v, want ErrMissingData", p.Tag(), k, len(wire), err)
			}
			if len(rest) != k {
				t.Fatalf("%s: Decode(prefix %d) consumed bytes on MissingData", p.Tag(), k)
			}
		}
		got, _, err := Decode(wire)
		if err != nil || got.Owned() != p {
			t.Fatalf("%s: Decode(full) = %v, %v", p.Tag(), got, err)
		}
	}
}

func TestDecodeLargeSplits(t *testing.T) {
	p := ServerBroadcastMessageOwned{
		UserID:   1,
		Username: strings.Repeat("u", MaxUsernameLen),
		Message:  strings.Repeat("m", MaxMessageLen),
	}
	wire := Encode(p)
	for _, k := range []int{0, 1, 2, 3, 6, 7, 8, 100, 262, 263, 264, 265, 5000, len(wire) - 1} {
		if _, _, err := Decode(wire[:k]); !errors.Is(err, ErrMissingData) {
			t.Errorf("Decode(prefix %d) error = %v, want ErrMissingData", k, err)
		}
	}
}

func TestDecodeStream(t *testing.T) {
	var stream []byte
	want := samplePackets()
	for _, p := range want {
		stream = AppendPacket(stream, p)
	}

	var got []Packet
	buf := stream
	for len(buf) > 0 {
		p, rest, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode() error = %v after %d packets", err, len(got))
		}
		got = append(got, p.Owned())
		buf = rest
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d packets, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("packet %d = %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
		hard bool
	}{
		{"empty", nil, ErrMissingData, false},
		{"short tag", []byte("cr"), ErrMissingData, false},
		{"unknown tag", []byte("xyz\x00"), ErrInvalidTag, true},
		{"upper case tag", []byte("CRR\x01a"), ErrInvalidTag, true},
		{"crr missing name", []byte("crr\x05Ale"), ErrMissingData, false},
		{"crr invalid utf8", []byte("crr\x02\xff\xfe"), ErrNotUTF8, true},
		{"csm invalid utf8", []byte("csm\x00\x00\x00\x01\x00\x00\x00\x02\x00\x01\xc3"), ErrNotUTF8, true},
		{"sbm truncated name", []byte("sbm\x00\x00\x00\x01\x03ab"), ErrMissingData, false},
		{"hbs short magic", []byte("hbs\x00\x00\x00\x01\x00\x00"), ErrMissingData, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
			if IsHardError(err) != tt.hard {
				t.Errorf("IsHardError() = %v, want %v", IsHardError(err), tt.hard)
			}
		})
	}
}

func TestDecodeBorrowsBuffer(t *testing.T) {
	buf := BuildRegistrationRequest("Alex")
	p, _, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	view := p.(ClientRegistrationRequest)
	owned := p.Owned().(ClientRegistrationRequestOwned)

	buf[4] = 'X'
	if string(view.Username) != "Xlex" {
		t.Errorf("view.Username = %q, want it to alias the buffer", view.Username)
	}
	if owned.Username != "Alex" {
		t.Errorf("owned.Username = %q, want %q", owned.Username, "Alex")
	}
}

func TestEncodeTruncatesOnRuneBoundary(t *testing.T) {
	// 127 two-byte runes plus one more crosses the 255 byte limit mid-rune.
	name := strings.Repeat("é", 128)
	wire := Encode(ClientRegistrationRequestOwned{Username: name})
	p, _, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got := p.Owned().(ClientRegistrationRequestOwned).Username
	if want := strings.Repeat("é", 127); got != want {
		t.Errorf("truncated username has %d bytes, want %d", len(got), len(want))
	}
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"👋", 3, ""},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestTagFromServer(t *testing.T) {
	server := map[Tag]bool{
		TagRegistrationConfirmation: true,
		TagBroadcastMessage:         true,
		TagHeartBeatRequest:         true,
		TagRegistrationRequest:      false,
		TagRegistrationEnd:          false,
		TagSendMessage:              false,
		TagHeartBeatSend:            false,
	}
	for tag, want := range server {
		if got := tag.FromServer(); got != want {
			t.Errorf("%s.FromServer() = %v, want %v", tag, got, want)
		}
	}
}

func TestIDSpace(t *testing.T) {
	s := DefaultIDSpace()
	tests := []struct {
		id         uint32
		assignable bool
		kind       IDKind
	}{
		{0, false, KindClient},
		{1, true, KindClient},
		{0xDFFFFFFF, true, KindClient},
		{ServerNoticeID, false, KindServer},
		{0xEFFFFFFF, false, KindServer},
		{SystemNoticeID, false, KindSystem},
		{0xFFFFFFFF, false, KindSystem},
	}
	for _, tt := range tests {
		if got := s.Assignable(tt.id); got != tt.assignable {
			t.Errorf("Assignable(%#x) = %v, want %v", tt.id, got, tt.assignable)
		}
		if got := s.Kind(tt.id); got != tt.kind {
			t.Errorf("Kind(%#x) = %v, want %v", tt.id, got, tt.kind)
		}
	}

	for _, r := range []uint32{0, 1, 0xDFFFFFFE, 0xDFFFFFFF, 0xFFFFFFFF} {
		if id := s.Pick(r); !s.Assignable(id) {
			t.Errorf("Pick(%#x) = %#x, not assignable", r, id)
		}
	}
}
