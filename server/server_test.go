package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"discord-join-notifier/pkg/joinwatch"
	"discord-join-notifier/store"
)

type fakeStats struct {
	stats *store.Stats
	err   error
}

func (f *fakeStats) Stats(_ context.Context) (*store.Stats, error) {
	return f.stats, f.err
}

type fakeListener struct {
	events []struct {
		communityID string
		subjectID   string
		snap        joinwatch.Snapshot
		observedAt  time.Time
	}
	err error
}

func (f *fakeListener) OnMemberJoined(_ context.Context, communityID, subjectID string, snap joinwatch.Snapshot, observedAt time.Time) error {
	f.events = append(f.events, struct {
		communityID string
		subjectID   string
		snap        joinwatch.Snapshot
		observedAt  time.Time
	}{communityID, subjectID, snap, observedAt})
	return f.err
}

type fakeQueue struct{ depth int }

func (f *fakeQueue) QueueLen() int { return f.depth }

type fakeHeartbeats struct{ count int64 }

func (f *fakeHeartbeats) HeartbeatCount() int64 { return f.count }

func testServer(stats *fakeStats, listener *fakeListener) *Server {
	return New(&Config{
		Stats:      stats,
		Listener:   listener,
		Queue:      &fakeQueue{depth: 2},
		Heartbeats: &fakeHeartbeats{count: 5},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(&fakeStats{stats: &store.Stats{}}, &fakeListener{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	stats := &fakeStats{stats: &store.Stats{Communities: 3, PendingRecords: 1}}
	s := testServer(stats, &fakeListener{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /statusz = %d, want 200", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	if payload["communities"] != float64(3) {
		t.Errorf("communities = %v, want 3", payload["communities"])
	}
	if payload["queue_depth"] != float64(2) {
		t.Errorf("queue_depth = %v, want 2", payload["queue_depth"])
	}
	if payload["heartbeats"] != float64(5) {
		t.Errorf("heartbeats = %v, want 5", payload["heartbeats"])
	}
}

func TestStatusEndpointStoreError(t *testing.T) {
	s := testServer(&fakeStats{err: errors.New("db gone")}, &fakeListener{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("GET /statusz = %d, want 500", rec.Code)
	}
}

func TestMemberJoinEndpoint(t *testing.T) {
	listener := &fakeListener{}
	s := testServer(&fakeStats{stats: &store.Stats{}}, listener)

	body := `{
		"community_id": "100",
		"observed_at": "2024-06-01T12:00:00Z",
		"subject": {
			"id": "42",
			"username": "ana",
			"display_name": "Ana",
			"account_created_at": "2024-05-30T00:00:00Z"
		}
	}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/member-join", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /events/member-join = %d, want 202; body %s", rec.Code, rec.Body.String())
	}

	if len(listener.events) != 1 {
		t.Fatalf("listener received %d events, want 1", len(listener.events))
	}
	event := listener.events[0]
	if event.communityID != "100" || event.subjectID != "42" {
		t.Errorf("event = %s/%s", event.communityID, event.subjectID)
	}
	if event.snap.Username != "ana" {
		t.Errorf("username = %q", event.snap.Username)
	}
	if event.observedAt.IsZero() {
		t.Error("observed_at should parse")
	}
}

func TestMemberJoinEndpointValidation(t *testing.T) {
	listener := &fakeListener{}
	s := testServer(&fakeStats{stats: &store.Stats{}}, listener)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"garbage payload", "{not json", http.StatusBadRequest},
		{"missing community", `{"subject": {"id": "42"}}`, http.StatusBadRequest},
		{"missing subject", `{"community_id": "100", "subject": {}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/member-join", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if len(listener.events) != 0 {
		t.Error("invalid payloads must not reach the listener")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/member-join", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /events/member-join = %d, want 405", rec.Code)
	}
}

func TestMemberJoinEndpointListenerError(t *testing.T) {
	listener := &fakeListener{err: errors.New("db locked")}
	s := testServer(&fakeStats{stats: &store.Stats{}}, listener)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/member-join",
		strings.NewReader(`{"community_id": "100", "subject": {"id": "42"}}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
