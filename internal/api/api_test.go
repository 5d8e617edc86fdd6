package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/db"
	"github.com/energizer-project/ticktalk/internal/events"
	"github.com/energizer-project/ticktalk/internal/server"
	"github.com/energizer-project/ticktalk/internal/telemetry"
)

type fakeBroker struct {
	snap    *server.Snapshot
	kicked  []uint32
	notices []string
	err     error
}

func (b *fakeBroker) Snapshot() *server.Snapshot { return b.snap }

func (b *fakeBroker) Kick(id uint32) error {
	if b.err != nil {
		return b.err
	}
	if _, ok := b.snap.Client(id); !ok {
		return fmt.Errorf("%w: %d", server.ErrUnknownClient, id)
	}
	b.kicked = append(b.kicked, id)
	return nil
}

func (b *fakeBroker) Notice(msg string) error {
	if b.err != nil {
		return b.err
	}
	if msg == "" {
		return server.ErrEmptyNotice
	}
	b.notices = append(b.notices, msg)
	return nil
}

func newTestBroker() *fakeBroker {
	return &fakeBroker{snap: &server.Snapshot{
		Started: time.Now().Add(-time.Minute),
		Tick:    12,
		Clients: []server.ClientInfo{
			{ID: 11, Username: "alice", State: "active", Transport: "tcp"},
			{ID: 22, State: "awaiting_registration", Transport: "websocket"},
		},
		Active: 1,
		Stats:  server.Stats{Admitted: 2, DropReasons: map[string]uint64{}},
	}}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeBroker) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	b := newTestBroker()
	return NewServer(cfg, b), b
}

func do(t *testing.T, s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/public/ping", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v, want ok", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestServerInfo(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/public/server_info", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["listen_address"] != config.DefaultListenAddress {
		t.Errorf("listen_address = %v", body["listen_address"])
	}
	if body["connections"] != float64(2) || body["active_clients"] != float64(1) {
		t.Errorf("counts = %v/%v, want 2/1", body["connections"], body["active_clients"])
	}
}

func TestClients(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/monitor/clients", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["total"]; got != float64(2) {
		t.Errorf("total = %v, want 2", got)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/monitor/clients/11", http.StatusOK},
		{"/api/monitor/clients/99", http.StatusNotFound},
		{"/api/monitor/clients/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, s, http.MethodGet, tt.path, "", nil); rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.API.Token = "secret" })

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.header != "" {
			h.Set("Authorization", tt.header)
		}
		if rec := do(t, s, http.MethodGet, "/api/monitor/stats", "", h); rec.Code != tt.code {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.code)
		}
	}

	if rec := do(t, s, http.MethodGet, "/api/public/ping", "", nil); rec.Code != http.StatusOK {
		t.Errorf("public route status = %d, want 200 without a token", rec.Code)
	}
}

func TestKick(t *testing.T) {
	s, b := newTestServer(t, nil)

	tests := []struct {
		path string
		code int
	}{
		{"/api/control/kick/11", http.StatusOK},
		{"/api/control/kick/99", http.StatusNotFound},
		{"/api/control/kick/-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, s, http.MethodPost, tt.path, "", nil); rec.Code != tt.code {
			t.Errorf("POST %s = %d, want %d", tt.path, rec.Code, tt.code)
		}
	}
	if len(b.kicked) != 1 || b.kicked[0] != 11 {
		t.Errorf("kicked = %v, want [11]", b.kicked)
	}

	b.err = server.ErrQueueFull
	if rec := do(t, s, http.MethodPost, "/api/control/kick/11", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("kick with full queue = %d, want 503", rec.Code)
	}
}

func TestNotice(t *testing.T) {
	s, b := newTestServer(t, nil)

	tests := []struct {
		body string
		code int
	}{
		{`{"message":"maintenance at noon"}`, http.StatusOK},
		{`{"message":""}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, s, http.MethodPost, "/api/control/notice", tt.body, nil); rec.Code != tt.code {
			t.Errorf("POST notice %s = %d, want %d", tt.body, rec.Code, tt.code)
		}
	}
	if len(b.notices) != 1 || b.notices[0] != "maintenance at noon" {
		t.Errorf("notices = %q", b.notices)
	}
}

func TestTickLag(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := do(t, s, http.MethodGet, "/api/monitor/tick_lag", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without monitor = %d, want 503", rec.Code)
	}

	lag := server.NewLagMonitor(nil)
	lag.Record(server.LagEvent{Timestamp: time.Now(), Duration: 80 * time.Millisecond, Connections: 3})
	s.SetDependencies(lag, nil, nil)

	rec := do(t, s, http.MethodGet, "/api/monitor/tick_lag?recent=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	stats, _ := decodeBody(t, rec)["stats"].(map[string]any)
	if stats["total_events"] != float64(1) {
		t.Errorf("total_events = %v, want 1", stats["total_events"])
	}

	if rec := do(t, s, http.MethodGet, "/api/monitor/tick_lag?recent=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad recent = %d, want 400", rec.Code)
	}
}

func TestSessions(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := do(t, s, http.MethodGet, "/api/monitor/sessions", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("without audit = %d, want 404", rec.Code)
	}

	store, err := db.NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Stop()
	store.Attach(bus)

	now := time.Now()
	for i := uint32(1); i <= 3; i++ {
		c := events.ClientPayload{ClientID: i, RemoteAddr: "127.0.0.1:1", Transport: "tcp", AdmittedAt: now.Add(time.Duration(i) * time.Second)}
		if err := bus.EmitSync(context.Background(), events.Event{Type: events.EventClientAdmitted, Time: c.AdmittedAt, Payload: c}); err != nil {
			t.Fatal(err)
		}
	}
	s.SetDependencies(nil, store, nil)

	rec := do(t, s, http.MethodGet, "/api/monitor/sessions?limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["total"]; got != float64(2) {
		t.Errorf("total = %v, want 2", got)
	}

	if rec := do(t, s, http.MethodGet, "/api/monitor/sessions?limit=0", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 = %d, want 400", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/monitor/stats", "", nil); rec.Code != http.StatusOK {
		t.Errorf("stats with audit = %d, want 200", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	m := telemetry.NewMetrics("ticktalk")
	m.ConnectionAdmitted()
	s.SetDependencies(nil, nil, m)

	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ticktalk_connections_admitted_total 1") {
		t.Errorf("metrics output missing admitted counter")
	}

	off, _ := newTestServer(t, func(c *config.Config) { c.API.EnableMetrics = false })
	off.SetDependencies(nil, nil, m)
	if rec := do(t, off, http.MethodGet, "/metrics", "", nil); rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "ticktalk_") {
		t.Errorf("metrics served while disabled")
	}
}

func TestUnknownAPIRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := do(t, s, http.MethodGet, "/api/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if rl.Allow("a") {
		t.Error("Allow() past burst = true, want false")
	}
	if !rl.Allow("b") {
		t.Error("other client denied")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("Allow() after refill = false, want true")
	}

	if !NewRateLimiter(0).Allow("x") {
		t.Error("disabled limiter denied a request")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header, want string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Token abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		if got := extractBearerToken(tt.header); got != tt.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
