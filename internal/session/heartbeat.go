package session

import "time"

// Default heartbeat policy.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultMaxHeartbeatSkip  = 5
)

// HeartbeatAction tells the broker what to do for an active connection
// during the heartbeat pass.
type HeartbeatAction int

const (
	// HeartbeatIdle means no request is due yet.
	HeartbeatIdle HeartbeatAction = iota
	// HeartbeatSend means an hbr must be written now.
	HeartbeatSend
	// HeartbeatExpired means too many requests went unanswered.
	HeartbeatExpired
)

func (a HeartbeatAction) String() string {
	switch a {
	case HeartbeatSend:
		return "send"
	case HeartbeatExpired:
		return "expired"
	default:
		return "idle"
	}
}

// Heartbeat advances heartbeat bookkeeping at now. Once interval has
// elapsed since the previous request, an unanswered request counts as a
// skip; reaching maxSkip expires the session, otherwise a new request is
// due. Sessions that are not active are always idle.
func (s *Session) Heartbeat(now time.Time, interval time.Duration, maxSkip int) HeartbeatAction {
	if s.State != StateActive {
		return HeartbeatIdle
	}
	if now.Sub(s.LastRequest) < interval {
		return HeartbeatIdle
	}

	if s.answered {
		s.SkipCount = 0
	} else {
		s.SkipCount++
	}
	if s.SkipCount >= maxSkip {
		return HeartbeatExpired
	}

	s.LastRequest = now
	s.answered = false
	return HeartbeatSend
}

// Answered reports whether the most recent heartbeat request was answered.
func (s *Session) Answered() bool {
	return s.answered
}
