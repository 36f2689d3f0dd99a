package command

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
)

const testHaID = "BOSCH-WAT28400-68A40E251CB4"

type staticGate struct {
	client *homeconnect.Client
}

func (g staticGate) AcquireTransport(context.Context, string) (*homeconnect.Client, error) {
	return g.client, nil
}

type recordedCall struct {
	Method string
	Path   string
	Body   string
}

type applianceServer struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (s *applianceServer) recorded() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

func (s *applianceServer) start(t *testing.T) *homeconnect.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.calls = append(s.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		s.mu.Unlock()

		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, `{"data":{"key":"Dishcare.Dishwasher.Program.Eco50","options":[{"key":"BSH.Common.Option.StartInRelative","value":1800,"unit":"seconds"}]}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client, err := homeconnect.NewClient(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "A"}))
	require.NoError(t, err)
	return client
}

func TestDispatcherExecutesInOrder(t *testing.T) {
	api := &applianceServer{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(staticGate{api.start(t)}, WithMetrics(metrics))

	for _, cmd := range []Command{
		{ApplianceID: testHaID, Kind: StartSelectedProgram},
		{ApplianceID: testHaID, Kind: SetPowerState, Value: "Standby"},
		{ApplianceID: testHaID, Kind: StopActiveProgram},
	} {
		queued, err := d.Enqueue(cmd)
		require.NoError(t, err)
		assert.NotEmpty(t, queued.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(api.recorded()) == 4
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	calls := api.recorded()
	prefix := "/homeappliances/" + testHaID
	assert.Equal(t, recordedCall{Method: http.MethodGet, Path: prefix + "/programs/selected"}, calls[0])
	assert.Equal(t, http.MethodPut, calls[1].Method)
	assert.Equal(t, prefix+"/programs/active", calls[1].Path)
	assert.JSONEq(t, `{"data":{"key":"Dishcare.Dishwasher.Program.Eco50","options":[{"key":"BSH.Common.Option.StartInRelative","value":1800,"unit":"seconds"}]}}`, calls[1].Body)
	assert.Equal(t, prefix+"/settings/BSH.Common.Setting.PowerState", calls[2].Path)
	assert.JSONEq(t, `{"data":{"key":"BSH.Common.Setting.PowerState","value":"BSH.Common.EnumType.PowerState.Standby"}}`, calls[2].Body)
	assert.Equal(t, recordedCall{Method: http.MethodDelete, Path: prefix + "/programs/active"}, calls[3])

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Commands.WithLabelValues(string(SetPowerState), "ok")))
}

func TestEnqueueQueueFull(t *testing.T) {
	d := NewDispatcher(staticGate{}, WithQueueSize(1))

	_, err := d.Enqueue(Command{ApplianceID: testHaID, Kind: StopActiveProgram})
	require.NoError(t, err)

	_, err = d.Enqueue(Command{ApplianceID: testHaID, Kind: StopActiveProgram})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
		unknown bool
	}{
		{name: "start", cmd: Command{ApplianceID: testHaID, Kind: StartSelectedProgram}},
		{name: "power lower case", cmd: Command{ApplianceID: testHaID, Kind: SetPowerState, Value: "off"}},
		{name: "power invalid", cmd: Command{ApplianceID: testHaID, Kind: SetPowerState, Value: "Sleep"}, wantErr: true},
		{name: "unknown", cmd: Command{ApplianceID: testHaID, Kind: "Explode"}, wantErr: true, unknown: true},
		{name: "missing appliance", cmd: Command{Kind: StopActiveProgram}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.unknown {
				assert.ErrorIs(t, err, ErrUnknownCommand)
			}
		})
	}
}
