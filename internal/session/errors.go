package session

import (
	"errors"
	"fmt"

	"github.com/energizer-project/ticktalk/internal/protocol"
)

// ErrProtocolViolation matches every *ViolationError.
var ErrProtocolViolation = errors.New("protocol violation")

// ViolationError describes a packet that is not valid in the session's
// current state.
type ViolationError struct {
	State  State
	Tag    protocol.Tag
	Detail string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s in state %s: %s", e.Tag, e.State, e.Detail)
}

// Is lets errors.Is(err, ErrProtocolViolation) match.
func (e *ViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}
