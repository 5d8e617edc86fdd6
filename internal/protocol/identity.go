package protocol

// Reserved user ids. Broadcasts carrying these ids are synthesized locally
// rather than authored by a registered client.
const (
	ServerNoticeID uint32 = 0xE0000000
	SystemNoticeID uint32 = 0xF0000000

	ServerNoticeName = "Server"
	SystemNoticeName = "System"

	// DefaultReservedFloor is the smallest reserved id.
	DefaultReservedFloor uint32 = ServerNoticeID
)

// IDKind classifies a user id.
type IDKind int

const (
	KindClient IDKind = iota
	KindServer
	KindSystem
)

func (k IDKind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindSystem:
		return "system"
	default:
		return "client"
	}
}

// IDSpace splits the 32-bit id space into assignable client ids
// [1, ReservedFloor) and reserved notice ids [ReservedFloor, 2^32).
type IDSpace struct {
	ReservedFloor uint32
}

// DefaultIDSpace returns the id space used when nothing is configured.
func DefaultIDSpace() IDSpace {
	return IDSpace{ReservedFloor: DefaultReservedFloor}
}

// Assignable reports whether id may be issued to a client.
func (s IDSpace) Assignable(id uint32) bool {
	return id != 0 && id < s.floor()
}

// Reserved reports whether id belongs to the reserved range.
func (s IDSpace) Reserved(id uint32) bool {
	return id >= s.floor()
}

// Kind classifies id. Ids at or above SystemNoticeID are system notices,
// the rest of the reserved range is server notices.
func (s IDSpace) Kind(id uint32) IDKind {
	switch {
	case !s.Reserved(id):
		return KindClient
	case id >= SystemNoticeID:
		return KindSystem
	default:
		return KindServer
	}
}

// Pick maps a raw random value onto the assignable range.
func (s IDSpace) Pick(r uint32) uint32 {
	return 1 + r%(s.floor()-1)
}

func (s IDSpace) floor() uint32 {
	if s.ReservedFloor < 2 {
		return DefaultReservedFloor
	}
	return s.ReservedFloor
}
