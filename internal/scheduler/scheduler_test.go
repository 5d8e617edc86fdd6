package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/server"
)

func TestNextDailyRun(t *testing.T) {
	base := time.Date(2026, 6, 10, 3, 30, 0, 0, time.UTC)
	tests := []struct {
		clock string
		want  time.Time
	}{
		{"04:00", time.Date(2026, 6, 10, 4, 0, 0, 0, time.UTC)},
		{"03:30", time.Date(2026, 6, 11, 3, 30, 0, 0, time.UTC)},
		{"01:15", time.Date(2026, 6, 11, 1, 15, 0, 0, time.UTC)},
		{"23:59", time.Date(2026, 6, 10, 23, 59, 0, 0, time.UTC)},
		{"bogus", time.Date(2026, 6, 10, 4, 0, 0, 0, time.UTC)},
		{"25:00", time.Date(2026, 6, 10, 4, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextDailyRun(base, tt.clock); !got.Equal(tt.want) {
			t.Errorf("nextDailyRun(%q) = %v, want %v", tt.clock, got, tt.want)
		}
	}
}

type fakePurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *fakePurger) PurgeBefore(t time.Time) (int64, error) {
	p.cutoff = t
	return p.n, p.err
}

func newTestScheduler(p SessionPurger) *Scheduler {
	cfg := config.DefaultConfig()
	cfg.Audit.RetentionDays = 7
	s := NewScheduler(cfg, p, nil, nil)
	s.now = func() time.Time { return time.Date(2026, 6, 10, 4, 0, 0, 0, time.UTC) }
	s.logger = zerolog.Nop()
	return s
}

func TestPurgeAuditUsesRetention(t *testing.T) {
	p := &fakePurger{n: 3}
	s := newTestScheduler(p)

	if got := s.purgeAudit(); got != 3 {
		t.Errorf("purgeAudit() = %d, want 3", got)
	}
	want := time.Date(2026, 6, 3, 4, 0, 0, 0, time.UTC)
	if !p.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, want)
	}

	p.err = errors.New("disk full")
	if got := s.purgeAudit(); got != 0 {
		t.Errorf("purgeAudit() on error = %d, want 0", got)
	}
}

type fakeLag struct{ calls int }

func (f *fakeLag) CheckThresholds() []server.LagAlert {
	f.calls++
	return []server.LagAlert{{Level: "critical", Events: 60, Message: "slow"}}
}

type fakeBroker struct{}

func (fakeBroker) Snapshot() *server.Snapshot {
	return &server.Snapshot{Clients: []server.ClientInfo{{ID: 1}}, Active: 1}
}

func TestPeriodicChecks(t *testing.T) {
	lag := &fakeLag{}
	s := newTestScheduler(nil)
	s.lag = lag
	s.broker = fakeBroker{}

	s.checkLag(context.Background())
	s.logStats(context.Background())
	if lag.calls != 1 {
		t.Errorf("CheckThresholds() called %d times, want 1", lag.calls)
	}
}
