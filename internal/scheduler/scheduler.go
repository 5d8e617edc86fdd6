// Package scheduler runs the server's background jobs: the daily audit
// purge and the periodic stats and lag checks.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/server"
	"github.com/energizer-project/ticktalk/internal/util"
)

// SessionPurger removes audit rows older than a cutoff.
type SessionPurger interface {
	PurgeBefore(t time.Time) (int64, error)
}

// SnapshotSource provides the broker's latest snapshot.
type SnapshotSource interface {
	Snapshot() *server.Snapshot
}

// LagChecker evaluates long-tick thresholds.
type LagChecker interface {
	CheckThresholds() []server.LagAlert
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	audit  config.AuditConfig
	server config.ServerConfig

	purger SessionPurger
	broker SnapshotSource
	lag    LagChecker

	started time.Time
	now     func() time.Time
	logger  zerolog.Logger
}

// NewScheduler creates a new task scheduler. purger and lag may be nil.
func NewScheduler(cfg *config.Config, purger SessionPurger, broker SnapshotSource, lag LagChecker) *Scheduler {
	return &Scheduler{
		audit:   cfg.Audit,
		server:  cfg.GetServer(),
		purger:  purger,
		broker:  broker,
		lag:     lag,
		started: time.Now(),
		now:     time.Now,
		logger:  util.ComponentLogger("scheduler"),
	}
}

// Start runs every job until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.purger != nil && s.audit.Enabled {
		go s.runPurgeLoop(ctx)
	}

	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"stats", s.server.StatsInterval(), s.logStats},
		{"lag", s.server.LagCheckInterval(), s.checkLag},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		if check.name == "lag" && s.lag == nil {
			continue
		}
		started++
		go func() {
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	s.logger.Info().Int("checks", started).Msg("scheduler started")
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPurgeLoop(ctx context.Context) {
	for {
		nextRun := nextDailyRun(s.now(), s.audit.CleanupTime)
		sleepDuration := nextRun.Sub(s.now())

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("audit purge scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.purgeAudit()
		}
	}
}

// purgeAudit removes sessions that ended before the retention window.
func (s *Scheduler) purgeAudit() int64 {
	days := s.audit.RetentionDays
	if days < 1 {
		days = 1
	}
	cutoff := s.now().AddDate(0, 0, -days)

	removed, err := s.purger.PurgeBefore(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit purge failed")
		return 0
	}
	s.logger.Info().
		Int64("removed", removed).
		Int("retention_days", days).
		Msg("audit purge completed")
	return removed
}

func (s *Scheduler) logStats(ctx context.Context) {
	snap := s.broker.Snapshot()
	proc := util.GetProcessStats(s.started)

	s.logger.Info().
		Int("connections", len(snap.Clients)).
		Int("active", snap.Active).
		Uint64("admitted", snap.Stats.Admitted).
		Uint64("dropped", snap.Stats.Dropped).
		Uint64("broadcasts", snap.Stats.Broadcasts).
		Dur("last_tick", snap.LastTickDuration).
		Uint64("rss_mb", proc.RSSMB).
		Int("goroutines", proc.Goroutines).
		Msg("broker stats")
}

func (s *Scheduler) checkLag(ctx context.Context) {
	for _, alert := range s.lag.CheckThresholds() {
		ev := s.logger.Warn()
		if alert.Level == "critical" {
			ev = s.logger.Error()
		}
		ev.Str("level", alert.Level).Int("events", alert.Events).Msg(alert.Message)
	}
}

// nextDailyRun returns the next occurrence of the HH:MM clock time after
// now. Unparseable times fall back to 04:00.
func nextDailyRun(now time.Time, clock string) time.Time {
	hour, minute := 4, 0
	parts := strings.Split(clock, ":")
	if len(parts) == 2 {
		var h, m int
		if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &h, &m); err == nil &&
			h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
