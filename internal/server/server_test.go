package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/florianilch/hcbridge/internal/command"
	"github.com/florianilch/hcbridge/internal/eventstream"
	"github.com/florianilch/hcbridge/internal/observability"
)

type fakeStatus struct {
	available bool
	state     eventstream.State
}

func (f fakeStatus) TokenAvailable() bool     { return f.available }
func (f fakeStatus) State() eventstream.State { return f.state }

type fakeQueue struct {
	mu     sync.Mutex
	queued []command.Command
	err    error
}

func (q *fakeQueue) Enqueue(cmd command.Command) (command.Command, error) {
	if err := cmd.Validate(); err != nil {
		return command.Command{}, err
	}
	if q.err != nil {
		return command.Command{}, q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd.ID = "cmd-1"
	q.queued = append(q.queued, cmd)
	return cmd, nil
}

func newTestServer(t *testing.T, status fakeStatus, queue *fakeQueue, events *Broadcaster) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.SetTokenAvailable(status.available)

	s, err := New(Deps{
		Token:             status,
		Stream:            status,
		Commands:          queue,
		Events:            events,
		Gatherer:          reg,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     fakeStatus
		wantStatus int
		want       HealthResponse
	}{
		{
			name:       "healthy",
			status:     fakeStatus{available: true, state: eventstream.StateStreaming},
			wantStatus: http.StatusOK,
			want:       HealthResponse{Status: "ok", TokenAvailable: true, StreamState: "streaming"},
		},
		{
			name:       "no token",
			status:     fakeStatus{available: false, state: eventstream.StateConnecting},
			wantStatus: http.StatusServiceUnavailable,
			want:       HealthResponse{Status: "degraded", StreamState: "connecting"},
		},
		{
			name:       "stream backing off",
			status:     fakeStatus{available: true, state: eventstream.StateBackoff},
			wantStatus: http.StatusServiceUnavailable,
			want:       HealthResponse{Status: "degraded", TokenAvailable: true, StreamState: "backoff"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, &fakeQueue{}, NewBroadcaster(0))

			resp, err := http.Get(srv.URL + "/healthz")
			if err != nil {
				t.Fatalf("GET /healthz: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var got HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("health mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, fakeStatus{available: true}, &fakeQueue{}, NewBroadcaster(0))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	var body strings.Builder
	if _, err := bufio.NewReader(resp.Body).WriteTo(&body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(body.String(), "hcbridge_token_available 1") {
		t.Errorf("metrics output lacks token gauge:\n%s", body.String())
	}
}

func TestCommandEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		queueErr   error
		wantStatus int
		wantQueued []command.Command
	}{
		{
			name:       "accepted",
			body:       `{"command":"SetPowerState","value":"Off"}`,
			wantStatus: http.StatusAccepted,
			wantQueued: []command.Command{{ID: "cmd-1", ApplianceID: "BOSCH-HCS06COM1-1", Kind: command.SetPowerState, Value: "Off"}},
		},
		{
			name:       "unknown command",
			body:       `{"command":"SelfDestruct"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"command":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "queue full",
			body:       `{"command":"StopActiveProgram"}`,
			queueErr:   command.ErrQueueFull,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &fakeQueue{err: tt.queueErr}
			srv := newTestServer(t, fakeStatus{}, queue, NewBroadcaster(0))

			resp, err := http.Post(srv.URL+"/appliances/BOSCH-HCS06COM1-1/commands", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.wantQueued, queue.queued, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("queued mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventsEndpoint(t *testing.T) {
	events := NewBroadcaster(4)
	srv := newTestServer(t, fakeStatus{}, &fakeQueue{}, events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Errorf("Content-Type = %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	// The connected comment is written after subscribing.
	if line, err := reader.ReadString('\n'); err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	ev := eventstream.Event{ApplianceID: "BOSCH-1", ID: "BOSCH-1", Event: "NOTIFY", Data: `{"items":[]}`}
	events.Handle(ctx, ev)

	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}

	if lines[0] != "id: BOSCH-1" || lines[1] != "event: NOTIFY" {
		t.Errorf("header lines = %q", lines[:2])
	}
	var got eventstream.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestBroadcasterDropsForSlowClients(t *testing.T) {
	b := NewBroadcaster(1)
	ch, unsubscribe := b.Subscribe()

	b.Handle(context.Background(), eventstream.Event{ID: "1"})
	b.Handle(context.Background(), eventstream.Event{ID: "2"})

	if got := (<-ch).ID; got != "1" {
		t.Errorf("first event = %q, want 1", got)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %q", ev.ID)
	default:
	}

	unsubscribe()
	if b.Clients() != 0 {
		t.Errorf("Clients() = %d after unsubscribe", b.Clients())
	}
}

func TestStartShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New(Deps{
		Token:    fakeStatus{},
		Stream:   fakeStatus{},
		Commands: &fakeQueue{},
		Events:   NewBroadcaster(0),
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh, err := s.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err, ok := <-errCh; ok {
		t.Errorf("runtime error = %v", err)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New(Deps{}) succeeded, want error")
	}
}
