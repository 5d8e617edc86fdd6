package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/events"
	"github.com/energizer-project/ticktalk/internal/util"
)

// sessionNamespace seeds the deterministic per-connection audit keys.
var sessionNamespace = uuid.MustParse("6f1c2d8e-3b7a-4c55-9e0f-7a41d2b9c310")

// SessionRecord is one audited connection. Message content is never stored.
type SessionRecord struct {
	ID           string     `json:"id"`
	ClientID     uint32     `json:"client_id"`
	Username     string     `json:"username,omitempty"`
	RemoteAddr   string     `json:"remote_addr"`
	Transport    string     `json:"transport"`
	AdmittedAt   time.Time  `json:"admitted_at"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	DroppedAt    *time.Time `json:"dropped_at,omitempty"`
	DropReason   string     `json:"drop_reason,omitempty"`
}

// SessionStore records connection lifecycles from the event bus.
type SessionStore struct {
	db     *Database
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewSessionStore opens the audit database and creates its schema.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SessionStore{
		db:     database,
		logger: util.ComponentLogger("audit"),
	}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return s, nil
}

func (s *SessionStore) migrate() error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				client_id INTEGER NOT NULL,
				username TEXT NOT NULL DEFAULT '',
				remote_addr TEXT NOT NULL DEFAULT '',
				transport TEXT NOT NULL DEFAULT '',
				admitted_at INTEGER NOT NULL,
				registered_at INTEGER,
				dropped_at INTEGER,
				drop_reason TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_admitted ON sessions(admitted_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_dropped ON sessions(dropped_at)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// SessionKey derives the audit key of a connection. Client ids are reused
// after a connection leaves, so the admission time is part of the key.
func SessionKey(clientID uint32, admittedAt time.Time) string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], clientID)
	binary.BigEndian.PutUint64(b[4:], uint64(admittedAt.UnixNano()))
	return uuid.NewSHA1(sessionNamespace, b[:]).String()
}

// Attach subscribes the store to connection lifecycle events.
func (s *SessionStore) Attach(bus *events.EventBus) {
	s.bus = bus
	bus.SubscribeMany([]events.EventType{
		events.EventClientAdmitted,
		events.EventClientRegistered,
		events.EventClientDropped,
	}, "audit", s.onEvent)
}

// Close detaches from the bus and closes the database.
func (s *SessionStore) Close() error {
	if s.bus != nil {
		for _, t := range []events.EventType{events.EventClientAdmitted, events.EventClientRegistered, events.EventClientDropped} {
			s.bus.Unsubscribe(t, "audit")
		}
	}
	return s.db.Close()
}

func (s *SessionStore) onEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.ClientPayload:
		if event.Type == events.EventClientRegistered {
			return s.record(p, &event.Time, nil, "")
		}
		return s.record(p, nil, nil, "")
	case events.DroppedPayload:
		return s.record(p.ClientPayload, nil, &event.Time, p.Reason)
	}
	return nil
}

// record upserts one lifecycle step. Bus handlers run concurrently, so
// steps for the same connection may arrive in any order.
func (s *SessionStore) record(c events.ClientPayload, registered, dropped *time.Time, reason string) error {
	var regAt, dropAt sql.NullInt64
	var dropReason sql.NullString
	if registered != nil {
		regAt = sql.NullInt64{Int64: registered.UnixMilli(), Valid: true}
	}
	if dropped != nil {
		dropAt = sql.NullInt64{Int64: dropped.UnixMilli(), Valid: true}
		dropReason = sql.NullString{String: reason, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, client_id, username, remote_addr, transport, admitted_at,
			registered_at, dropped_at, drop_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE sessions.username END,
			registered_at = COALESCE(excluded.registered_at, sessions.registered_at),
			dropped_at = COALESCE(excluded.dropped_at, sessions.dropped_at),
			drop_reason = COALESCE(excluded.drop_reason, sessions.drop_reason)`,
		SessionKey(c.ClientID, c.AdmittedAt), c.ClientID, c.Username, c.RemoteAddr, c.Transport,
		c.AdmittedAt.UnixMilli(), regAt, dropAt, dropReason)
	if err != nil {
		s.logger.Warn().Err(err).Uint32("client_id", c.ClientID).Msg("failed to record session")
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest admission first.
func (s *SessionStore) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, client_id, username, remote_addr, transport, admitted_at,
			registered_at, dropped_at, drop_reason
		FROM sessions
		ORDER BY admitted_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec           SessionRecord
			admitted      int64
			regAt, dropAt sql.NullInt64
			reason        sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.Username, &rec.RemoteAddr, &rec.Transport,
			&admitted, &regAt, &dropAt, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.AdmittedAt = time.UnixMilli(admitted)
		rec.RegisteredAt = nullTime(regAt)
		rec.DroppedAt = nullTime(dropAt)
		rec.DropReason = reason.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByReason counts sessions dropped at or after since, by drop reason.
func (s *SessionStore) CountByReason(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT drop_reason, COUNT(*)
		FROM sessions
		WHERE dropped_at IS NOT NULL AND dropped_at >= ?
		GROUP BY drop_reason`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

// PurgeBefore deletes sessions that ended before t and returns how many
// were removed. Open sessions are kept.
func (s *SessionStore) PurgeBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE dropped_at IS NOT NULL AND dropped_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("removed", n).Time("before", t).Msg("purged audit sessions")
	}
	return n, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
