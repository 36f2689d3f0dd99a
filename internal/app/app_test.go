package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/hcbridge/internal/tokenstore"
)

const testHaID = "BOSCH-SMV68TX06E-68A40E4B7C31"

// fakeHomeConnect serves the appliance list and an idle event stream.
func fakeHomeConnect(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /homeappliances", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stored-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"data":{"homeappliances":[{"name":"Dishwasher","haId":%q,"brand":"Bosch","type":"Dishwasher","connected":true}]}}`, testHaID)
	})
	mux.HandleFunc("GET /homeappliances/{haId}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func appWithStoredTokens(t *testing.T) *App {
	t.Helper()
	srv := fakeHomeConnect(t)

	disabled := false
	cfg := validConfig(t)
	cfg.HomeConnect.BaseURL = srv.URL
	cfg.Server.Enabled = &disabled

	store, err := cfg.NewTokenStore(nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, tokenstore.KeyAccessToken, "stored-access"))
	require.NoError(t, store.Write(ctx, tokenstore.KeyRefreshToken, "stored-refresh"))

	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.HomeConnect.ClientID = ""
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewBuildsServerWhenEnabled(t *testing.T) {
	a, err := New(validConfig(t))
	require.NoError(t, err)
	assert.NotNil(t, a.server)
	assert.Nil(t, a.kafka)
	assert.Nil(t, a.redis)
}

func TestLoginListsAppliances(t *testing.T) {
	a := appWithStoredTokens(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	appliances, err := a.Login(ctx)
	require.NoError(t, err)
	require.Len(t, appliances, 1)
	assert.Equal(t, testHaID, appliances[0].HaID)
}

func TestStartStopsOnCancel(t *testing.T) {
	a := appWithStoredTokens(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	require.Eventually(t, func() bool {
		return a.Credentials().TokenAvailable()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, testHaID, a.Credentials().ApplianceID())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}
