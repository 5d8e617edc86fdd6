// Package events defines the event types published by the chat broker and
// the bus that carries them to telemetry, auditing and the console.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventClientAdmitted   EventType = "client_admitted"
	EventClientRegistered EventType = "client_registered"
	EventClientDropped    EventType = "client_dropped"

	// Chat traffic
	EventMessageBroadcast EventType = "message_broadcast"
	EventServerNotice     EventType = "server_notice"

	// Broker health
	EventLongTick EventType = "long_tick"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// ClientPayload describes a connection at the time of the event.
type ClientPayload struct {
	ClientID   uint32    `json:"client_id"`
	Username   string    `json:"username,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Transport  string    `json:"transport"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// DroppedPayload is emitted when a connection leaves the registry.
type DroppedPayload struct {
	ClientPayload
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
	WasActive  bool   `json:"was_active"`
	Registered bool   `json:"registered"`
}

// BroadcastPayload is emitted once per relayed chat line. It carries the
// message length only; message bodies never leave the broker.
type BroadcastPayload struct {
	UserID     uint32 `json:"user_id"`
	Username   string `json:"username"`
	MessageLen int    `json:"message_len"`
	Recipients int    `json:"recipients"`
}

// NoticePayload is emitted for operator notices.
type NoticePayload struct {
	Message    string `json:"message"`
	Recipients int    `json:"recipients"`
}

// LongTickPayload is emitted when a tick overruns its budget.
type LongTickPayload struct {
	Duration    time.Duration `json:"duration"`
	Budget      time.Duration `json:"budget"`
	Connections int           `json:"connections"`
}

// ShutdownPayload requests or announces a shutdown.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
