package server

import (
	"maps"
	"time"

	"github.com/energizer-project/ticktalk/internal/network"
)

// Stats are cumulative broker counters.
type Stats struct {
	Admitted       uint64            `json:"admitted"`
	Dropped        uint64            `json:"dropped"`
	Broadcasts     uint64            `json:"broadcasts"`
	Notices        uint64            `json:"notices"`
	HeartbeatsSent uint64            `json:"heartbeats_sent"`
	DropReasons    map[string]uint64 `json:"drop_reasons"`
}

// ClientInfo describes one connection as of the last tick.
type ClientInfo struct {
	ID          uint32    `json:"id"`
	Username    string    `json:"username,omitempty"`
	State       string    `json:"state"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	AdmittedAt  time.Time `json:"admitted_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	SkipCount   int       `json:"heartbeat_skips"`
}

// Snapshot is an immutable view of the broker published after every tick.
type Snapshot struct {
	Taken            time.Time     `json:"taken"`
	Started          time.Time     `json:"started"`
	Tick             uint64        `json:"tick"`
	LastTickDuration time.Duration `json:"last_tick_duration"`
	Clients          []ClientInfo  `json:"clients"`
	Active           int           `json:"active"`
	Stats            Stats         `json:"stats"`
}

// Client looks up a connection by id.
func (s *Snapshot) Client(id uint32) (ClientInfo, bool) {
	for _, c := range s.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return ClientInfo{}, false
}

// Snapshot returns the view published by the most recent tick.
func (b *Broker) Snapshot() *Snapshot {
	return b.snapshot.Load()
}

func (b *Broker) publishSnapshot(now time.Time) {
	snap := &Snapshot{
		Taken:            now,
		Started:          b.started,
		Tick:             b.tick,
		LastTickDuration: b.lastTick,
		Clients:          make([]ClientInfo, 0, b.registry.Len()),
		Stats:            b.stats,
	}
	snap.Stats.DropReasons = maps.Clone(b.stats.DropReasons)

	b.registry.Each(func(conn *network.Connection) {
		snap.Clients = append(snap.Clients, ClientInfo{
			ID:          conn.ID,
			Username:    conn.Username,
			State:       string(conn.State),
			RemoteAddr:  conn.RemoteAddr(),
			Transport:   conn.Transport(),
			AdmittedAt:  conn.AdmittedAt(),
			ActivatedAt: conn.ActivatedAt,
			SkipCount:   conn.SkipCount,
		})
		if conn.Active() {
			snap.Active++
		}
	})

	b.snapshot.Store(snap)
	b.opts.Metrics.SetConnections(len(snap.Clients), snap.Active)
}
