package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/energizer-project/ticktalk/internal/events"
)

// Long tick thresholds, in events per hour.
const (
	LagWarningThreshold  = 10
	LagCriticalThreshold = 50

	lagHistoryLimit = 1000
)

// LagMonitor aggregates long-tick events from the broker for the API,
// the console and the periodic threshold check.
type LagMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	now      func() time.Time

	history       []LagEvent
	total         int
	maxDuration   time.Duration
	hourlyBuckets map[int]int

	warningThreshold  int
	criticalThreshold int
}

// LagEvent is one tick that overran its budget.
type LagEvent struct {
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	Connections int           `json:"connections"`
}

// LagStats summarizes recorded long ticks.
type LagStats struct {
	TotalEvents    int           `json:"total_events"`
	EventsThisHour int           `json:"events_this_hour"`
	LastEventTime  time.Time     `json:"last_event_time,omitempty"`
	MaxDuration    time.Duration `json:"max_duration"`
	AvgDuration    time.Duration `json:"avg_duration"`
	HourlyBuckets  map[int]int   `json:"hourly_buckets"`
	Recent         []LagEvent    `json:"recent"`
}

// LagAlert represents a lag threshold alert.
type LagAlert struct {
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// NewLagMonitor creates a lag monitor subscribed to long-tick events.
func NewLagMonitor(eventBus *events.EventBus) *LagMonitor {
	lm := &LagMonitor{
		eventBus:          eventBus,
		now:               time.Now,
		history:           make([]LagEvent, 0, 100),
		hourlyBuckets:     make(map[int]int),
		warningThreshold:  LagWarningThreshold,
		criticalThreshold: LagCriticalThreshold,
	}
	if eventBus != nil {
		eventBus.Subscribe(events.EventLongTick, "lag_monitor", lm.handleLagEvent)
	}
	return lm
}

func (lm *LagMonitor) handleLagEvent(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.LongTickPayload)
	if !ok {
		return nil
	}
	at := event.Time
	if at.IsZero() {
		at = lm.now()
	}
	lm.Record(LagEvent{Timestamp: at, Duration: payload.Duration, Connections: payload.Connections})
	return nil
}

// Record adds one long tick.
func (lm *LagMonitor) Record(e LagEvent) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.total++
	lm.history = append(lm.history, e)
	if e.Duration > lm.maxDuration {
		lm.maxDuration = e.Duration
	}
	lm.hourlyBuckets[e.Timestamp.Hour()]++

	if len(lm.history) > lagHistoryLimit {
		lm.history = lm.history[len(lm.history)-lagHistoryLimit:]
	}
}

// eventsSince counts history entries at or after t. Callers hold mu.
func (lm *LagMonitor) eventsSince(t time.Time) int {
	n := 0
	for _, e := range lm.history {
		if !e.Timestamp.Before(t) {
			n++
		}
	}
	return n
}

// Stats returns a copy of the aggregated data with up to recent events.
func (lm *LagMonitor) Stats(recent int) LagStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	stats := LagStats{
		TotalEvents:    lm.total,
		EventsThisHour: lm.eventsSince(lm.now().Add(-time.Hour)),
		MaxDuration:    lm.maxDuration,
		HourlyBuckets:  make(map[int]int, len(lm.hourlyBuckets)),
	}
	for k, v := range lm.hourlyBuckets {
		stats.HourlyBuckets[k] = v
	}
	if n := len(lm.history); n > 0 {
		var sum time.Duration
		for _, e := range lm.history {
			sum += e.Duration
		}
		stats.AvgDuration = sum / time.Duration(n)
		stats.LastEventTime = lm.history[n-1].Timestamp

		if recent > n {
			recent = n
		}
		if recent > 0 {
			stats.Recent = append([]LagEvent(nil), lm.history[n-recent:]...)
		}
	}
	return stats
}

// CheckThresholds evaluates the last hour of long ticks.
func (lm *LagMonitor) CheckThresholds() []LagAlert {
	lm.mu.RLock()
	n := lm.eventsSince(lm.now().Add(-time.Hour))
	lm.mu.RUnlock()

	level := ""
	switch {
	case n >= lm.criticalThreshold:
		level = "critical"
	case n >= lm.warningThreshold:
		level = "warning"
	default:
		return nil
	}
	return []LagAlert{{
		Level:   level,
		Events:  n,
		Message: fmt.Sprintf("%d ticks over budget in the last hour", n),
	}}
}
