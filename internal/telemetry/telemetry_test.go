package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/events"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("")

	m.ConnectionAdmitted()
	m.ConnectionAdmitted()
	m.ConnectionDropped("kicked")
	m.PacketDecoded("csm")
	m.PacketDecoded("csm")
	m.PacketDecoded("hbs")
	m.Broadcast(3)
	m.Broadcast(2)
	m.HeartbeatRequested()
	m.SetConnections(4, 3)
	m.ObserveTick(2 * time.Millisecond)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"admitted", counterValue(t, m.connectionsAdmitted), 2},
		{"dropped kicked", counterValue(t, m.connectionsDropped.WithLabelValues("kicked")), 1},
		{"csm decoded", counterValue(t, m.packetsDecoded.WithLabelValues("csm")), 2},
		{"hbs decoded", counterValue(t, m.packetsDecoded.WithLabelValues("hbs")), 1},
		{"broadcasts", counterValue(t, m.broadcasts), 2},
		{"broadcast writes", counterValue(t, m.broadcastWrites), 5},
		{"heartbeats", counterValue(t, m.heartbeatRequests), 1},
		{"registered", gaugeValue(t, m.registeredCount), 4},
		{"active", gaugeValue(t, m.activeConnections), 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionAdmitted()
	m.ConnectionDropped("x")
	m.SetConnections(1, 1)
	m.PacketDecoded("crr")
	m.Broadcast(1)
	m.HeartbeatRequested()
	m.ObserveTick(time.Second)
	if m.Registry() != nil {
		t.Error("nil Metrics has a registry")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("ticktalk")
	m.ConnectionAdmitted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"ticktalk_connections_admitted_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

type fakeToken struct{}

func (fakeToken) Wait() bool { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic string
	body  map[string]interface{}
}

// fakeClient records publishes; every other mqtt.Client method panics.
type fakeClient struct {
	mqtt.Client
	mu   sync.Mutex
	sent []published
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	c.sent = append(c.sent, published{topic: topic, body: body})
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

func newTestHandler() (*MQTTHandler, *fakeClient) {
	fc := &fakeClient{}
	return &MQTTHandler{
		cfg:      config.MQTTConfig{Enabled: true, TopicPrefix: "ticktalk"},
		eventBus: events.NewEventBus(),
		client:   fc,
		logger:   zerolog.Nop(),
		metadata: map[string]interface{}{"hostname": "test"},
	}, fc
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus()); err != ErrMQTTDisabled {
		t.Errorf("NewMQTTHandler() error = %v, want %v", err, ErrMQTTDisabled)
	}
}

func TestMQTTTopics(t *testing.T) {
	h, fc := newTestHandler()
	ctx := context.Background()

	client := events.ClientPayload{ClientID: 7, Username: "alice"}
	steps := []events.Event{
		{Type: events.EventClientRegistered, Payload: client},
		{Type: events.EventMessageBroadcast, Payload: events.BroadcastPayload{UserID: 7, Username: "alice", MessageLen: 5, Recipients: 2}},
		{Type: events.EventServerNotice, Payload: events.NoticePayload{Message: "secret notice", Recipients: 2}},
		{Type: events.EventLongTick, Payload: events.LongTickPayload{Duration: time.Second}},
		{Type: events.EventClientDropped, Payload: events.DroppedPayload{ClientPayload: client, Reason: "kicked", WasActive: true, Registered: true}},
		{Type: events.EventClientDropped, Payload: events.DroppedPayload{Reason: "invalid_tag"}},
	}
	for _, ev := range steps {
		if err := h.onEvent(ctx, ev); err != nil {
			t.Fatalf("onEvent(%s) error = %v", ev.Type, err)
		}
	}
	h.PublishShutdown("test")

	want := []string{
		"ticktalk/presence",
		"ticktalk/messages",
		"ticktalk/messages",
		"ticktalk/lag",
		"ticktalk/presence",
		"ticktalk/admin",
	}
	got := fc.messages()
	if len(got) != len(want) {
		t.Fatalf("published %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i, topic := range want {
		if got[i].topic != topic {
			t.Errorf("message %d topic = %q, want %q", i, got[i].topic, topic)
		}
		if got[i].body["hostname"] != "test" || got[i].body["timestamp"] == nil {
			t.Errorf("message %d missing metadata: %v", i, got[i].body)
		}
	}

	for _, m := range got {
		raw, _ := json.Marshal(m.body)
		if strings.Contains(string(raw), "secret notice") {
			t.Errorf("message text leaked to %s: %s", m.topic, raw)
		}
	}
}
